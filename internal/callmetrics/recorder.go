package callmetrics

import (
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultDir      = "logs"
	timestampLayout = "2006-01-02T15:04:05.000000"
)

// Options configures a Recorder.
type Options struct {
	// Dir receives CSV and JSON exports. Defaults to "logs".
	Dir    string
	Policy Policy
	Logger logrus.FieldLogger
	// Now overrides the wall clock (tests).
	Now func() time.Time
}

// Recorder accumulates the turns of a single call and derives its timing
// metrics. One Recorder per call; it is never shared across sessions.
type Recorder struct {
	mu sync.Mutex

	sessionID    string
	dir          string
	policy       Policy
	logger       logrus.FieldLogger
	now          func() time.Time
	start        *float64
	end          *float64
	interactions []Interaction
}

// NewRecorder creates a recorder whose session id is derived from the
// creation time, e.g. session_20250102_150405.
func NewRecorder(opts Options) *Recorder {
	if opts.Dir == "" {
		opts.Dir = defaultDir
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	sessionID := "session_" + opts.Now().Format("20060102_150405")
	return &Recorder{
		sessionID: sessionID,
		dir:       opts.Dir,
		policy:    opts.Policy,
		now:       opts.Now,
		logger:    opts.Logger.WithField("session_id", sessionID),
	}
}

func (r *Recorder) SessionID() string { return r.sessionID }

func (r *Recorder) Policy() Policy { return r.policy }

// StartSession anchors the first turn's waiting time.
func (r *Recorder) StartSession() {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := EpochSeconds(r.now())
	r.start = &v
	r.logger.Info("metrics session started")
}

// EndSession stamps the session end. Calling it again overwrites the end time.
func (r *Recorder) EndSession() {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := EpochSeconds(r.now())
	r.end = &v
	r.logger.Info("metrics session ended")
}

// SessionBounds returns the start/end stamps; nil means not set yet.
func (r *Recorder) SessionBounds() (start, end *float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyFloat(r.start), copyFloat(r.end)
}

// LogInteraction appends a turn. The four derived waiting/idle fields are
// placeholders and are recomputed on every metrics pass; speaking and reply
// times are derived from the raw timestamps here. Only PolicyReject can make
// it fail.
func (r *Recorder) LogInteraction(in Interaction) error {
	if r.policy == PolicyReject {
		if err := validate(in); err != nil {
			r.logger.WithError(err).Warn("interaction rejected")
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	in.SessionID = r.sessionID
	if in.Timestamp == "" {
		in.Timestamp = r.now().Format(timestampLayout)
	}
	in.UserSpeakingTime = round3(r.policy.duration(in.SpeechEndTime - in.SpeechStartTime))
	in.AgentReplyTime = round3(r.policy.duration(in.AgentResponseEndTime - in.ResponseStartTime))
	in.UserResponseWaitingTime = 0
	in.AgentIdleTimePerQuestion = 0
	r.interactions = append(r.interactions, in)

	r.logger.WithFields(logrus.Fields{
		"interaction_id":     in.InteractionID,
		"user_speaking_time": in.UserSpeakingTime,
		"agent_reply_time":   in.AgentReplyTime,
	}).Info("logged interaction")
	return nil
}

// Len reports how many turns were logged.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.interactions)
}

// CalculateMetrics recomputes every turn's derived fields in order and
// returns the session summary. It returns nil, with a warning, when no turn
// has been logged.
func (r *Recorder) CalculateMetrics() *Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calculateLocked()
}

// Snapshot runs a metrics pass and returns the summary with a copy of the
// interactions, for read-only consumers.
func (r *Recorder) Snapshot() (*Summary, []Interaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	summary := r.calculateLocked()
	out := make([]Interaction, len(r.interactions))
	copy(out, r.interactions)
	return summary, out
}

func (r *Recorder) calculateLocked() *Summary {
	if len(r.interactions) == 0 {
		r.logger.Warn(ErrNoInteractions.Error())
		return nil
	}

	var sessionStart float64
	if r.start != nil {
		sessionStart = *r.start
	} else {
		r.logger.Warn("metrics pass before session start; first waiting time measured from epoch")
	}

	var totalSpeaking, totalReply, totalIdle float64
	for i := range r.interactions {
		in := &r.interactions[i]
		in.UserSpeakingTime = round3(r.policy.duration(in.SpeechEndTime - in.SpeechStartTime))
		in.AgentReplyTime = round3(r.policy.duration(in.AgentResponseEndTime - in.ResponseStartTime))
		in.AgentIdleTimePerQuestion = round3(r.policy.duration(in.ResponseStartTime - in.SpeechEndTime))
		if i == 0 {
			in.UserResponseWaitingTime = round3(r.policy.duration(in.SpeechStartTime - sessionStart))
		} else {
			prev := r.interactions[i-1]
			in.UserResponseWaitingTime = round3(r.policy.duration(in.SpeechStartTime - prev.AgentResponseEndTime))
		}
		totalSpeaking += in.UserSpeakingTime
		totalReply += in.AgentReplyTime
		totalIdle += in.AgentIdleTimePerQuestion
	}

	n := float64(len(r.interactions))
	summary := &Summary{
		SessionID:               r.sessionID,
		TotalQuestions:          len(r.interactions),
		TotalUserSpeakingTime:   round3(totalSpeaking),
		AverageUserSpeakingTime: round3(totalSpeaking / n),
		TotalAgentReplyTime:     round3(totalReply),
		AverageAgentReplyTime:   round3(totalReply / n),
		TotalAgentIdleTime:      round3(totalIdle),
		AverageAgentIdleTime:    round3(totalIdle / n),
		SessionStartTime:        copyFloat(r.start),
		SessionEndTime:          copyFloat(r.end),
	}
	if r.end != nil && *r.end != 0 {
		summary.TotalSessionTime = round3(*r.end - sessionStart)
	}
	return summary
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
