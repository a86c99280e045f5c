package agent

import (
	"context"
	"time"

	"github.com/voiceagent/turnmetrics/internal/protocol"
	"github.com/voiceagent/turnmetrics/internal/session"
)

type idleAction int

const (
	idleNone idleAction = iota
	idlePrompt
	idleHangup
)

// Monitor polls for silence until the call ends. After IdlePromptAfter with
// nobody speaking the agent asks once whether the caller is still there;
// after IdleHangupAfter it says goodbye and ends the call.
func (c *Conversation) Monitor(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.IdlePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if c.checkIdle(ctx) {
				return
			}
		}
	}
}

// checkIdle runs one poll and reports whether the call is over.
func (c *Conversation) checkIdle(ctx context.Context) bool {
	select {
	case <-c.done:
		return true
	default:
	}

	action := c.nextIdleAction()
	switch action {
	case idlePrompt:
		c.logger.Info("caller idle, prompting")
		c.deps.Metrics.ObserveIndicator("idle_prompt")
		c.say(idlePromptText, true)
	case idleHangup:
		c.logger.Info("caller idle, ending call")
		c.deps.Metrics.ObserveIndicator("idle_hangup")
		c.say(goodbyeText, false)
		if !sleepCtx(ctx, c.cfg.GoodbyeDelay) {
			return true
		}
		c.Finish(ctx, session.ReasonIdle)
		return true
	}
	return false
}

func (c *Conversation) nextIdleAction() idleAction {
	c.mu.Lock()
	defer c.mu.Unlock()

	speaking := c.userSpeaking || c.agentSpeaking
	if speaking && !c.promptSent {
		c.resetTimeoutLocked()
	}
	if speaking {
		return idleNone
	}
	idle := c.deps.Now().Sub(c.lastInteraction)
	switch {
	case idle > c.cfg.IdleHangupAfter:
		return idleHangup
	case idle >= c.cfg.IdlePromptAfter && !c.promptSent:
		c.promptSent = true
		return idlePrompt
	}
	return idleNone
}

func (c *Conversation) say(text string, allowInterruptions bool) {
	err := c.deps.Send(protocol.AgentSay{
		Type:               protocol.TypeAgentSay,
		CallID:             c.call.ID,
		Text:               text,
		AllowInterruptions: allowInterruptions,
	})
	if err != nil {
		c.logger.WithError(err).Warn("failed to send agent_say")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
