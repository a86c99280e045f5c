package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/voiceagent/turnmetrics/internal/callmetrics"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeUserStartedSpeaking  MessageType = "user_started_speaking"
	TypeUserStoppedSpeaking  MessageType = "user_stopped_speaking"
	TypeUserTranscript       MessageType = "user_transcript"
	TypeAgentStartedSpeaking MessageType = "agent_started_speaking"
	TypeAgentStoppedSpeaking MessageType = "agent_stopped_speaking"
	TypeEndCall              MessageType = "end_call"

	TypeAgentSay    MessageType = "agent_say"
	TypeHangup      MessageType = "hangup"
	TypeErrorEvent  MessageType = "error_event"
	TypeCallSummary MessageType = "call_summary"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Inbound is implemented by every message the voice pipeline sends. TS is
// the event time in epoch seconds; zero means "use the server clock".
type Inbound interface {
	MessageType() MessageType
	EventTS() float64
}

type UserStartedSpeaking struct {
	Type MessageType `json:"type"`
	TS   float64     `json:"ts,omitempty"`
}

type UserStoppedSpeaking struct {
	Type MessageType `json:"type"`
	TS   float64     `json:"ts,omitempty"`
}

// UserTranscript carries recognized user speech. Only final transcripts
// close a user utterance.
type UserTranscript struct {
	Type  MessageType `json:"type"`
	Text  string      `json:"text"`
	Final bool        `json:"final"`
	TS    float64     `json:"ts,omitempty"`
}

type AgentStartedSpeaking struct {
	Type MessageType `json:"type"`
	Text string      `json:"text,omitempty"`
	TS   float64     `json:"ts,omitempty"`
}

type AgentStoppedSpeaking struct {
	Type        MessageType `json:"type"`
	Interrupted bool        `json:"interrupted,omitempty"`
	TS          float64     `json:"ts,omitempty"`
}

type EndCall struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason,omitempty"`
	TS     float64     `json:"ts,omitempty"`
}

func (m UserStartedSpeaking) MessageType() MessageType  { return TypeUserStartedSpeaking }
func (m UserStoppedSpeaking) MessageType() MessageType  { return TypeUserStoppedSpeaking }
func (m UserTranscript) MessageType() MessageType       { return TypeUserTranscript }
func (m AgentStartedSpeaking) MessageType() MessageType { return TypeAgentStartedSpeaking }
func (m AgentStoppedSpeaking) MessageType() MessageType { return TypeAgentStoppedSpeaking }
func (m EndCall) MessageType() MessageType              { return TypeEndCall }

func (m UserStartedSpeaking) EventTS() float64  { return m.TS }
func (m UserStoppedSpeaking) EventTS() float64  { return m.TS }
func (m UserTranscript) EventTS() float64       { return m.TS }
func (m AgentStartedSpeaking) EventTS() float64 { return m.TS }
func (m AgentStoppedSpeaking) EventTS() float64 { return m.TS }
func (m EndCall) EventTS() float64              { return m.TS }

// AgentSay asks the voice pipeline to speak text.
type AgentSay struct {
	Type               MessageType `json:"type"`
	CallID             string      `json:"call_id"`
	Text               string      `json:"text"`
	AllowInterruptions bool        `json:"allow_interruptions"`
}

type Hangup struct {
	Type   MessageType `json:"type"`
	CallID string      `json:"call_id"`
	Reason string      `json:"reason"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	CallID string      `json:"call_id"`
	Code   string      `json:"code"`
	Source string      `json:"source"`
	Detail string      `json:"detail"`
}

// CallSummary is the last message on a finalized call.
type CallSummary struct {
	Type      MessageType          `json:"type"`
	CallID    string               `json:"call_id"`
	SessionID string               `json:"session_id"`
	Reason    string               `json:"reason"`
	Summary   *callmetrics.Summary `json:"summary"`
}

func ParseClientMessage(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	var msg Inbound
	switch env.Type {
	case TypeUserStartedSpeaking:
		var m UserStartedSpeaking
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		msg = m
	case TypeUserStoppedSpeaking:
		var m UserStoppedSpeaking
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		msg = m
	case TypeUserTranscript:
		var m UserTranscript
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		if m.Final && m.Text == "" {
			return nil, errors.New("invalid user_transcript: final transcript without text")
		}
		msg = m
	case TypeAgentStartedSpeaking:
		var m AgentStartedSpeaking
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		msg = m
	case TypeAgentStoppedSpeaking:
		var m AgentStoppedSpeaking
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		msg = m
	case TypeEndCall:
		var m EndCall
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		msg = m
	default:
		return nil, ErrUnsupportedType
	}
	if msg.EventTS() < 0 {
		return nil, fmt.Errorf("invalid %s: negative ts", env.Type)
	}
	return msg, nil
}
