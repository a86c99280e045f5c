package telephony

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockDispatcher records calls instead of dialing. It backs local runs
// without telephony credentials, and tests.
type MockDispatcher struct {
	mu       sync.Mutex
	now      func() time.Time
	placed   []Placement
	hungUp   []string
	PlaceErr error
}

func NewMockDispatcher() *MockDispatcher {
	return &MockDispatcher{now: time.Now}
}

func (m *MockDispatcher) PlaceCall(_ context.Context, phoneNumber string) (Placement, error) {
	phoneNumber = strings.TrimSpace(phoneNumber)
	if phoneNumber == "" {
		return Placement{}, ErrInvalidPhone
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PlaceErr != nil {
		return Placement{}, m.PlaceErr
	}
	p := Placement{
		RoomName:      RoomName(phoneNumber, m.now()),
		PhoneNumber:   phoneNumber,
		DispatchID:    "mock-" + uuid.NewString(),
		ParticipantID: "mock-" + participantIdentity,
	}
	m.placed = append(m.placed, p)
	return p, nil
}

func (m *MockDispatcher) Hangup(_ context.Context, roomName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hungUp = append(m.hungUp, roomName)
	return nil
}

func (m *MockDispatcher) Placed() []Placement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Placement(nil), m.placed...)
}

func (m *MockDispatcher) HungUp() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.hungUp...)
}
