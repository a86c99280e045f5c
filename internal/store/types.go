package store

import (
	"context"
	"errors"
	"time"

	"github.com/voiceagent/turnmetrics/internal/callmetrics"
)

var ErrNotFound = errors.New("session not found")

// SessionRecord is the persisted outcome of one finalized call.
type SessionRecord struct {
	SessionID   string               `json:"session_id"`
	CallID      string               `json:"call_id"`
	RoomName    string               `json:"room_name"`
	PhoneNumber string               `json:"phone_number"`
	EndReason   string               `json:"end_reason"`
	StartedAt   time.Time            `json:"started_at"`
	EndedAt     time.Time            `json:"ended_at"`
	Summary     *callmetrics.Summary `json:"summary"`
}

// Store persists call summaries and their turns. Records are keyed by call
// id; session ids only have one-second resolution and may repeat.
type Store interface {
	SaveSession(ctx context.Context, record SessionRecord) error
	GetSession(ctx context.Context, callID string) (SessionRecord, error)
	// SaveInteractions replaces the stored turns of callID.
	SaveInteractions(ctx context.Context, callID string, interactions []callmetrics.Interaction) error
	ListInteractions(ctx context.Context, callID string) ([]callmetrics.Interaction, error)
	Close() error
}
