package session

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voiceagent/turnmetrics/internal/callmetrics"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestManager(t *testing.T) (*Manager, *testClock) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	clock := &testClock{t: time.Unix(1000, 0)}
	m := NewManager(Options{
		MetricsDir: t.TempDir(),
		Retention:  time.Minute,
		Logger:     logger,
		Now:        clock.Now,
	})
	return m, clock
}

func logTurn(t *testing.T, c *Call, start float64) {
	t.Helper()
	err := c.Recorder.LogInteraction(callmetrics.Interaction{
		InteractionID:        "turn",
		SpeechStartTime:      start,
		SpeechEndTime:        start + 1,
		ResponseStartTime:    start + 1.5,
		AgentResponseEndTime: start + 3,
	})
	if err != nil {
		t.Fatalf("LogInteraction() error = %v", err)
	}
}

func TestManagerCreateGet(t *testing.T) {
	m, _ := newTestManager(t)
	c := m.Create("call-15551234567-1000", "+1-555-123-4567")
	if c.ID == "" {
		t.Fatalf("call ID should not be empty")
	}
	if c.Recorder == nil || c.Recorder.SessionID() == "" {
		t.Fatalf("call should carry a recorder with a session id")
	}
	start, _ := c.Recorder.SessionBounds()
	if start == nil || *start != 1000 {
		t.Fatalf("session start = %v, want 1000", start)
	}

	got, err := m.Get(c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.RoomName != c.RoomName || got.Status != StatusActive {
		t.Fatalf("unexpected call state: %+v", got)
	}
	byRoom, err := m.GetByRoom(c.RoomName)
	if err != nil || byRoom.ID != c.ID {
		t.Fatalf("GetByRoom() = %v, %v; want %s", byRoom, err, c.ID)
	}
	if _, err := m.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerFinalizeIsOneShot(t *testing.T) {
	m, clock := newTestManager(t)
	var hookCalls int32
	m.AddFinalizeHook(func(_ context.Context, call *Call, art Artifacts) {
		atomic.AddInt32(&hookCalls, 1)
		if call.Status != StatusEnded {
			t.Errorf("hook saw status %q, want ended", call.Status)
		}
	})

	c := m.Create("room-a", "")
	logTurn(t, c, 1000.5)
	clock.Advance(20 * time.Second)

	art, err := m.Finalize(context.Background(), c.ID, ReasonHangup)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if art.Summary == nil || art.Summary.TotalSessionTime != 20 {
		t.Fatalf("Summary = %+v, want total session time 20", art.Summary)
	}
	for _, path := range []string{art.CSVPath, art.JSONPath} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("export %q missing: %v", path, err)
		}
	}

	if _, err := m.Finalize(context.Background(), c.ID, ReasonShutdown); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("second Finalize() error = %v, want ErrAlreadyFinalized", err)
	}
	if got := atomic.LoadInt32(&hookCalls); got != 1 {
		t.Fatalf("hook calls = %d, want 1", got)
	}

	got, _ := m.Get(c.ID)
	if got.EndReason != ReasonHangup {
		t.Fatalf("EndReason = %q, want %q", got.EndReason, ReasonHangup)
	}
}

func TestManagerFinalizeConcurrentCallersRunOnce(t *testing.T) {
	m, _ := newTestManager(t)
	c := m.Create("room-b", "")
	logTurn(t, c, 1000.5)

	var ok, already int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Finalize(context.Background(), c.ID, ReasonShutdown)
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, ErrAlreadyFinalized):
				atomic.AddInt32(&already, 1)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || already != 7 {
		t.Fatalf("ok=%d already=%d, want 1 and 7", ok, already)
	}
}

func TestManagerFinalizeEmptyCallWritesJSONOnly(t *testing.T) {
	m, _ := newTestManager(t)
	c := m.Create("room-c", "")

	art, err := m.Finalize(context.Background(), c.ID, ReasonDisconnected)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if art.CSVPath != "" {
		t.Fatalf("CSVPath = %q, want empty for a call without turns", art.CSVPath)
	}
	if art.JSONPath == "" || art.Summary != nil {
		t.Fatalf("artifacts = %+v, want JSON path and nil summary", art)
	}
}

func TestManagerFinalizeAllAndLatest(t *testing.T) {
	m, clock := newTestManager(t)
	first := m.Create("room-1", "")
	clock.Advance(time.Second)
	second := m.Create("room-2", "")

	latest, err := m.Latest()
	if err != nil || latest.ID != second.ID {
		t.Fatalf("Latest() = %v, %v; want %s", latest, err, second.ID)
	}
	if _, err := m.Finalize(context.Background(), second.ID, ReasonHangup); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	latest, _ = m.Latest()
	if latest.ID != first.ID {
		t.Fatalf("Latest() after ending second = %s, want active %s", latest.ID, first.ID)
	}

	arts := m.FinalizeAll(context.Background(), ReasonShutdown)
	if len(arts) != 1 || arts[0].CallID != first.ID {
		t.Fatalf("FinalizeAll() = %+v, want only %s", arts, first.ID)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}

func TestManagerJanitorDropsEndedCalls(t *testing.T) {
	m, clock := newTestManager(t)
	ended := m.Create("room-x", "")
	live := m.Create("room-y", "")
	if _, err := m.Finalize(context.Background(), ended.ID, ReasonHangup); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := m.Get(ended.ID); errors.Is(err, ErrNotFound) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := m.Get(ended.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ended call still present after retention")
	}
	if _, err := m.Get(live.ID); err != nil {
		t.Fatalf("active call dropped: %v", err)
	}
}

func TestManagerTouch(t *testing.T) {
	m, clock := newTestManager(t)
	c := m.Create("room-t", "")
	clock.Advance(5 * time.Second)
	if err := m.Touch(c.ID); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	got, _ := m.Get(c.ID)
	if !got.LastActivityAt.Equal(c.StartedAt.Add(5 * time.Second)) {
		t.Fatalf("LastActivityAt = %v, want start+5s", got.LastActivityAt)
	}
	if err := m.Touch("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Touch(nope) error = %v, want ErrNotFound", err)
	}
}
