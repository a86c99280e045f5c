package callmetrics

import (
	"errors"
	"time"
)

var (
	// ErrNoInteractions is reported (as a warning) when a metrics pass, export
	// or report runs before any turn was logged.
	ErrNoInteractions = errors.New("no interactions recorded")
	// ErrInvalidTimestamps is returned by LogInteraction under PolicyReject.
	ErrInvalidTimestamps = errors.New("invalid interaction timestamps")
)

// Interaction is one user-utterance-then-agent-reply turn. Field order matches
// the CSV column order.
type Interaction struct {
	SessionID                string  `json:"session_id"`
	Timestamp                string  `json:"timestamp"`
	InteractionID            string  `json:"interaction_id"`
	SpeechStartTime          float64 `json:"speech_start_time"`
	SpeechEndTime            float64 `json:"speech_end_time"`
	ResponseStartTime        float64 `json:"response_start_time"`
	AgentResponseEndTime     float64 `json:"agent_response_end_time"`
	UserSpeakingTime         float64 `json:"user_speaking_time"`
	AgentReplyTime           float64 `json:"agent_reply_time"`
	UserResponseWaitingTime  float64 `json:"user_response_waiting_time"`
	AgentIdleTimePerQuestion float64 `json:"agent_idle_time_per_question"`
}

// Summary is the session-level result of a metrics pass.
type Summary struct {
	SessionID               string   `json:"session_id"`
	TotalQuestions          int      `json:"total_questions"`
	TotalUserSpeakingTime   float64  `json:"total_user_speaking_time"`
	AverageUserSpeakingTime float64  `json:"average_user_speaking_time"`
	TotalAgentReplyTime     float64  `json:"total_agent_reply_time"`
	AverageAgentReplyTime   float64  `json:"average_agent_reply_time"`
	TotalAgentIdleTime      float64  `json:"total_agent_idle_time"`
	AverageAgentIdleTime    float64  `json:"average_agent_idle_time"`
	TotalSessionTime        float64  `json:"total_voice_agent_response_time_during_start_end_call"`
	SessionStartTime        *float64 `json:"session_start_time"`
	SessionEndTime          *float64 `json:"session_end_time"`
}

// Document is the structured (JSON) export layout.
type Document struct {
	SessionInfo  *Summary      `json:"session_info"`
	Interactions []Interaction `json:"interactions"`
}

var csvHeader = []string{
	"session_id",
	"timestamp",
	"interaction_id",
	"speech_start_time",
	"speech_end_time",
	"response_start_time",
	"agent_response_end_time",
	"user_speaking_time",
	"agent_reply_time",
	"user_response_waiting_time",
	"agent_idle_time_per_question",
}

// EpochSeconds converts t to fractional Unix seconds.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromEpochSeconds is the inverse of EpochSeconds.
func FromEpochSeconds(v float64) time.Time {
	return time.Unix(0, int64(v*float64(time.Second)))
}
