package telephony

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidTrunk = errors.New("SIP outbound trunk id is not set or invalid")
	ErrInvalidPhone = errors.New("phone number is required")
)

// Placement describes an outbound call that was set up.
type Placement struct {
	RoomName      string `json:"room_name"`
	PhoneNumber   string `json:"phone_number"`
	DispatchID    string `json:"dispatch_id,omitempty"`
	ParticipantID string `json:"participant_id,omitempty"`
	SIPCallID     string `json:"sip_call_id,omitempty"`
}

// Dispatcher places outbound calls with an agent attached and tears rooms
// down when a call ends.
type Dispatcher interface {
	PlaceCall(ctx context.Context, phoneNumber string) (Placement, error)
	Hangup(ctx context.Context, roomName string) error
}

// Observer receives per-request outcomes. *observability.Metrics satisfies it.
type Observer interface {
	ObserveTelephony(operation string, err error)
	ObserveTelephonyLatency(operation string, d time.Duration)
}

// RoomName builds "call-<digits>-<unix seconds>" from a phone number.
func RoomName(phoneNumber string, now time.Time) string {
	digits := strings.NewReplacer("+", "", "-", "").Replace(phoneNumber)
	return "call-" + digits + "-" + strconv.FormatInt(now.Unix(), 10)
}

// ValidateTrunk reports ErrInvalidTrunk unless id looks like an outbound
// trunk id (ST_…).
func ValidateTrunk(id string) error {
	if !strings.HasPrefix(id, "ST_") {
		return fmt.Errorf("%w: %q", ErrInvalidTrunk, id)
	}
	return nil
}
