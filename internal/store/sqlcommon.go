package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/voiceagent/turnmetrics/internal/callmetrics"
)

const interactionColumns = `call_id, seq, session_id, timestamp, interaction_id,
	speech_start_time, speech_end_time, response_start_time, agent_response_end_time,
	user_speaking_time, agent_reply_time, user_response_waiting_time, agent_idle_time_per_question`

func interactionArgs(callID string, seq int, in callmetrics.Interaction) []any {
	return []any{
		callID,
		seq,
		in.SessionID,
		in.Timestamp,
		in.InteractionID,
		in.SpeechStartTime,
		in.SpeechEndTime,
		in.ResponseStartTime,
		in.AgentResponseEndTime,
		in.UserSpeakingTime,
		in.AgentReplyTime,
		in.UserResponseWaitingTime,
		in.AgentIdleTimePerQuestion,
	}
}

func interactionDest(in *callmetrics.Interaction, callID *string, seq *int) []any {
	return []any{
		callID,
		seq,
		&in.SessionID,
		&in.Timestamp,
		&in.InteractionID,
		&in.SpeechStartTime,
		&in.SpeechEndTime,
		&in.ResponseStartTime,
		&in.AgentResponseEndTime,
		&in.UserSpeakingTime,
		&in.AgentReplyTime,
		&in.UserResponseWaitingTime,
		&in.AgentIdleTimePerQuestion,
	}
}

func encodeSummary(s *callmetrics.Summary) (*string, error) {
	if s == nil {
		return nil, nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode summary: %w", err)
	}
	v := string(raw)
	return &v, nil
}

func decodeSummary(raw *string) (*callmetrics.Summary, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var s callmetrics.Summary
	if err := json.Unmarshal([]byte(*raw), &s); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return &s, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
