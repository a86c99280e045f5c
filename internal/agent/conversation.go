package agent

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voiceagent/turnmetrics/internal/callmetrics"
	"github.com/voiceagent/turnmetrics/internal/observability"
	"github.com/voiceagent/turnmetrics/internal/policy"
	"github.com/voiceagent/turnmetrics/internal/protocol"
	"github.com/voiceagent/turnmetrics/internal/session"
	"github.com/voiceagent/turnmetrics/internal/telephony"
)

const (
	idlePromptText = "Are you still there?"
	goodbyeText    = "Goodbye!"
)

// Calls is the slice of the session manager a conversation needs.
type Calls interface {
	Touch(callID string) error
	Finalize(ctx context.Context, callID, reason string) (session.Artifacts, error)
}

// Config holds the per-call timing knobs.
type Config struct {
	IdlePromptAfter  time.Duration
	IdleHangupAfter  time.Duration
	GoodbyeDelay     time.Duration
	IdlePollInterval time.Duration
	// SecondsPerChar estimates utterance length from a transcript when the
	// pipeline never reported the start of user speech.
	SecondsPerChar float64
}

type Deps struct {
	Calls      Calls
	Dispatcher telephony.Dispatcher
	Metrics    *observability.Metrics
	Logger     logrus.FieldLogger
	// Send delivers an outbound protocol message to the voice pipeline.
	Send func(msg any) error
	Now  func() time.Time
}

type turnPhase int

const (
	phaseIdle turnPhase = iota
	phaseUserSpeaking
	phaseUserDone
	phaseAgentReplying
)

// Conversation turns the pipeline's speech events for one call into logged
// interactions, and hangs up calls that go quiet.
type Conversation struct {
	call   *session.Call
	cfg    Config
	deps   Deps
	logger logrus.FieldLogger

	mu              sync.Mutex
	conversationID  string
	count           int
	phase           turnPhase
	speechStart     float64
	speechEnd       float64
	responseStart   float64
	nextStart       float64 // user barged in while the agent was replying
	prevResponseEnd float64
	lastUserStop    float64

	userSpeaking    bool
	agentSpeaking   bool
	lastInteraction time.Time
	promptSent      bool

	endOnce sync.Once
	done    chan struct{}
	art     session.Artifacts
	endErr  error
}

func NewConversation(call *session.Call, cfg Config, deps Deps) *Conversation {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Send == nil {
		deps.Send = func(any) error { return nil }
	}
	if cfg.IdlePollInterval <= 0 {
		cfg.IdlePollInterval = time.Second
	}
	now := deps.Now()
	c := &Conversation{
		call:            call,
		cfg:             cfg,
		deps:            deps,
		logger:          deps.Logger.WithFields(logrus.Fields{"call_id": call.ID, "room": call.RoomName}),
		conversationID:  strconv.FormatFloat(callmetrics.EpochSeconds(now), 'f', 6, 64),
		lastInteraction: now,
		done:            make(chan struct{}),
	}
	if start, _ := call.Recorder.SessionBounds(); start != nil {
		c.prevResponseEnd = *start
	}
	return c
}

// Done is closed once the call has been finalized.
func (c *Conversation) Done() <-chan struct{} { return c.done }

// Result returns what finalizing produced; valid after Done.
func (c *Conversation) Result() (session.Artifacts, error) {
	<-c.done
	return c.art, c.endErr
}

// Handle applies one inbound pipeline event.
func (c *Conversation) Handle(ctx context.Context, msg protocol.Inbound) {
	select {
	case <-c.done:
		return
	default:
	}
	if c.deps.Calls != nil {
		_ = c.deps.Calls.Touch(c.call.ID)
	}
	ts := msg.EventTS()
	if ts <= 0 {
		ts = callmetrics.EpochSeconds(c.deps.Now())
	}

	switch m := msg.(type) {
	case protocol.UserStartedSpeaking:
		c.onUserStarted(ts)
	case protocol.UserStoppedSpeaking:
		c.onUserStopped(ts)
	case protocol.UserTranscript:
		c.onTranscript(m, ts)
	case protocol.AgentStartedSpeaking:
		c.onAgentStarted(ts)
	case protocol.AgentStoppedSpeaking:
		c.onAgentStopped(ts, m.Interrupted)
	case protocol.EndCall:
		c.logger.WithField("reason", m.Reason).Info("end_call received")
		c.Finish(ctx, session.ReasonHangup)
	}
}

func (c *Conversation) onUserStarted(ts float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userSpeaking = true
	c.resetTimeoutLocked()
	switch c.phase {
	case phaseIdle:
		c.speechStart = ts
		c.phase = phaseUserSpeaking
	case phaseUserDone:
		// The user paused and carried on; the utterance keeps its start.
		c.phase = phaseUserSpeaking
	case phaseAgentReplying:
		if c.nextStart == 0 {
			c.nextStart = ts
		}
	}
}

func (c *Conversation) onUserStopped(ts float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userSpeaking = false
	c.lastUserStop = ts
	c.resetTimeoutLocked()
	if c.phase == phaseUserSpeaking {
		c.speechEnd = ts
		c.phase = phaseUserDone
	}
}

func (c *Conversation) onTranscript(m protocol.UserTranscript, ts float64) {
	if !m.Final {
		return
	}
	redacted, _ := policy.RedactPII(m.Text)
	c.logger.WithField("text", redacted).Debug("user said")

	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetTimeoutLocked()
	switch c.phase {
	case phaseIdle, phaseUserSpeaking:
		// No VAD stop seen yet; the transcript closes the utterance.
		c.speechEnd = ts
		if c.phase == phaseIdle || c.speechStart == 0 {
			c.speechStart = c.speechEnd - float64(len(m.Text))*c.cfg.SecondsPerChar
		}
		c.phase = phaseUserDone
	}
}

func (c *Conversation) onAgentStarted(ts float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentSpeaking = true
	if !c.promptSent {
		c.resetTimeoutLocked()
	}
	if c.phase == phaseUserDone {
		c.responseStart = ts
		c.phase = phaseAgentReplying
	}
}

func (c *Conversation) onAgentStopped(ts float64, interrupted bool) {
	c.mu.Lock()
	c.agentSpeaking = false
	if !c.promptSent {
		c.resetTimeoutLocked()
	}
	if c.phase != phaseAgentReplying {
		c.mu.Unlock()
		return
	}
	c.count++
	in := callmetrics.Interaction{
		InteractionID:        c.conversationID + "_" + strconv.Itoa(c.count),
		SpeechStartTime:      c.speechStart,
		SpeechEndTime:        c.speechEnd,
		ResponseStartTime:    c.responseStart,
		AgentResponseEndTime: ts,
	}
	timing := observability.TurnTiming{
		UserWait:     in.SpeechStartTime - c.prevResponseEnd,
		UserSpeaking: in.SpeechEndTime - in.SpeechStartTime,
		AgentIdle:    in.ResponseStartTime - in.SpeechEndTime,
		AgentReply:   in.AgentResponseEndTime - in.ResponseStartTime,
	}
	c.prevResponseEnd = ts
	c.speechStart, c.speechEnd, c.responseStart = 0, 0, 0
	c.phase = phaseIdle
	if c.nextStart > 0 {
		c.speechStart = c.nextStart
		c.nextStart = 0
		c.phase = phaseUserSpeaking
		if !c.userSpeaking {
			// The barge-in already stopped before the reply ended.
			c.speechEnd = c.lastUserStop
			c.phase = phaseUserDone
		}
	}
	c.mu.Unlock()

	logger := c.logger.WithFields(logrus.Fields{
		"interaction_id": in.InteractionID,
		"interrupted":    interrupted,
	})
	if err := c.call.Recorder.LogInteraction(in); err != nil {
		logger.WithError(err).Warn("interaction not recorded")
		c.deps.Metrics.ObserveIndicator("rejected_interaction")
		return
	}
	c.deps.Metrics.ObserveTurn(timing)
	logger.WithFields(logrus.Fields{
		"user_speaking_time": timing.UserSpeaking,
		"agent_reply_time":   timing.AgentReply,
	}).Info("turn completed")
}

func (c *Conversation) resetTimeoutLocked() {
	c.promptSent = false
	c.lastInteraction = c.deps.Now()
}

// Finish finalizes the call once, tells the pipeline, and hangs up the room
// unless the pipeline itself went away.
func (c *Conversation) Finish(ctx context.Context, reason string) {
	c.endOnce.Do(func() {
		defer close(c.done)
		logger := c.logger.WithField("reason", reason)

		if c.deps.Calls != nil {
			c.art, c.endErr = c.deps.Calls.Finalize(ctx, c.call.ID, reason)
		}
		switch {
		case errors.Is(c.endErr, session.ErrAlreadyFinalized):
			logger.Debug("call was already finalized")
		case c.endErr != nil:
			logger.WithError(c.endErr).Error("finalize failed")
		default:
			c.deps.Metrics.ObserveCallEvent("ended_" + reason)
			_ = c.deps.Send(protocol.CallSummary{
				Type:      protocol.TypeCallSummary,
				CallID:    c.call.ID,
				SessionID: c.art.SessionID,
				Reason:    reason,
				Summary:   c.art.Summary,
			})
		}

		if reason == session.ReasonDisconnected {
			return
		}
		_ = c.deps.Send(protocol.Hangup{Type: protocol.TypeHangup, CallID: c.call.ID, Reason: reason})
		if c.deps.Dispatcher != nil && c.call.RoomName != "" {
			if err := c.deps.Dispatcher.Hangup(ctx, c.call.RoomName); err != nil {
				logger.WithError(err).Warn("error while ending call")
			}
		}
	})
}
