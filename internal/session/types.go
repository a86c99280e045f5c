package session

import (
	"time"

	"github.com/voiceagent/turnmetrics/internal/callmetrics"
)

// CreateRequest is the payload for placing an outbound call.
type CreateRequest struct {
	PhoneNumber string `json:"phone_number"`
}

// AttachRequest registers a call that was set up elsewhere (inbound rooms).
type AttachRequest struct {
	RoomName    string `json:"room_name"`
	PhoneNumber string `json:"phone_number"`
}

// CreateResponse returns created call metadata.
type CreateResponse struct {
	CallID    string `json:"call_id"`
	RoomName  string `json:"room_name"`
	SessionID string `json:"session_id"`
}

// CallView is the JSON shape of a call in listings.
type CallView struct {
	CallID         string    `json:"call_id"`
	RoomName       string    `json:"room_name"`
	PhoneNumber    string    `json:"phone_number,omitempty"`
	SessionID      string    `json:"session_id"`
	Status         Status    `json:"status"`
	Turns          int       `json:"turns"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	EndedAt        time.Time `json:"ended_at,omitzero"`
	EndReason      string    `json:"end_reason,omitempty"`
}

// Artifacts is what finalizing a call produced.
type Artifacts struct {
	CallID       string                    `json:"call_id"`
	SessionID    string                    `json:"session_id"`
	CSVPath      string                    `json:"csv_path,omitempty"`
	JSONPath     string                    `json:"json_path,omitempty"`
	Summary      *callmetrics.Summary      `json:"summary"`
	Interactions []callmetrics.Interaction `json:"-"`
	ExportErr    error                     `json:"-"`
}
