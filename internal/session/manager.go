package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/voiceagent/turnmetrics/internal/callmetrics"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// End reasons recorded on a finalized call.
const (
	ReasonHangup       = "hangup"
	ReasonIdle         = "idle_timeout"
	ReasonDisconnected = "disconnected"
	ReasonShutdown     = "shutdown"
	ReasonAPI          = "api"
)

var (
	ErrNotFound         = errors.New("call not found")
	ErrAlreadyFinalized = errors.New("call already finalized")
)

// Call is one phone call and the metrics recorder that belongs to it.
type Call struct {
	ID             string
	RoomName       string
	PhoneNumber    string
	Status         Status
	StartedAt      time.Time
	LastActivityAt time.Time
	EndedAt        time.Time
	EndReason      string
	Recorder       *callmetrics.Recorder
}

func (c *Call) View() CallView {
	return CallView{
		CallID:         c.ID,
		RoomName:       c.RoomName,
		PhoneNumber:    c.PhoneNumber,
		SessionID:      c.Recorder.SessionID(),
		Status:         c.Status,
		Turns:          c.Recorder.Len(),
		StartedAt:      c.StartedAt,
		LastActivityAt: c.LastActivityAt,
		EndedAt:        c.EndedAt,
		EndReason:      c.EndReason,
	}
}

// FinalizeHook runs once per call after its exports were written.
type FinalizeHook func(ctx context.Context, call *Call, artifacts Artifacts)

type Options struct {
	MetricsDir string
	Policy     callmetrics.Policy
	// Retention is how long an ended call stays readable before the janitor
	// drops it.
	Retention time.Duration
	Logger    logrus.FieldLogger
	Now       func() time.Time
}

type Manager struct {
	mu        sync.RWMutex
	calls     map[string]*Call
	byRoom    map[string]string
	opts      Options
	logger    logrus.FieldLogger
	onFinal   []FinalizeHook
	finalized map[string]bool
}

func NewManager(opts Options) *Manager {
	if opts.Retention <= 0 {
		opts.Retention = 10 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Manager{
		calls:     make(map[string]*Call),
		byRoom:    make(map[string]string),
		opts:      opts,
		logger:    opts.Logger,
		finalized: make(map[string]bool),
	}
}

// AddFinalizeHook registers hook to run, in registration order, after every
// finalized call.
func (m *Manager) AddFinalizeHook(hook FinalizeHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFinal = append(m.onFinal, hook)
}

// Create registers a call for room and starts its metrics session.
func (m *Manager) Create(roomName, phoneNumber string) *Call {
	now := m.opts.Now().UTC()
	id := uuid.NewString()
	rec := callmetrics.NewRecorder(callmetrics.Options{
		Dir:    m.opts.MetricsDir,
		Policy: m.opts.Policy,
		Logger: m.logger.WithField("call_id", id),
		Now:    m.opts.Now,
	})
	rec.StartSession()

	c := &Call{
		ID:             id,
		RoomName:       roomName,
		PhoneNumber:    phoneNumber,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
		Recorder:       rec,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[c.ID] = c
	if roomName != "" {
		m.byRoom[roomName] = c.ID
	}
	m.logger.WithFields(logrus.Fields{
		"call_id":    c.ID,
		"room":       roomName,
		"session_id": rec.SessionID(),
	}).Info("call session created")
	return clone(c)
}

func (m *Manager) Get(callID string) (*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

func (m *Manager) GetByRoom(roomName string) (*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byRoom[roomName]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(m.calls[id]), nil
}

func (m *Manager) Touch(callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return ErrNotFound
	}
	c.LastActivityAt = m.opts.Now().UTC()
	return nil
}

// Active lists calls that have not been finalized, oldest first.
func (m *Manager) Active() []*Call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		if c.Status == StatusActive {
			out = append(out, clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, c := range m.calls {
		if c.Status == StatusActive {
			count++
		}
	}
	return count
}

// Latest returns the most recently started active call, falling back to the
// most recently started call of any status.
func (m *Manager) Latest() (*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest, latestActive *Call
	for _, c := range m.calls {
		if latest == nil || c.StartedAt.After(latest.StartedAt) {
			latest = c
		}
		if c.Status == StatusActive && (latestActive == nil || c.StartedAt.After(latestActive.StartedAt)) {
			latestActive = c
		}
	}
	switch {
	case latestActive != nil:
		return clone(latestActive), nil
	case latest != nil:
		return clone(latest), nil
	default:
		return nil, ErrNotFound
	}
}

// Finalize ends the call's metrics session, writes the CSV and JSON exports
// and runs the finalize hooks. It runs at most once per call; later calls
// return ErrAlreadyFinalized. Export failures are logged and reported in
// Artifacts.ExportErr, they never fail the finalize.
func (m *Manager) Finalize(ctx context.Context, callID, reason string) (Artifacts, error) {
	ctx, span := otel.Tracer("turnmetrics/session").Start(ctx, "call.finalize")
	defer span.End()
	span.SetAttributes(attribute.String("call.id", callID), attribute.String("call.end_reason", reason))

	m.mu.Lock()
	c, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return Artifacts{}, ErrNotFound
	}
	if m.finalized[callID] {
		m.mu.Unlock()
		return Artifacts{}, ErrAlreadyFinalized
	}
	m.finalized[callID] = true
	now := m.opts.Now().UTC()
	c.Status = StatusEnded
	c.EndedAt = now
	c.LastActivityAt = now
	c.EndReason = reason
	hooks := append([]FinalizeHook(nil), m.onFinal...)
	snapshot := clone(c)
	m.mu.Unlock()

	logger := m.logger.WithFields(logrus.Fields{"call_id": c.ID, "reason": reason})
	rec := c.Recorder
	rec.EndSession()

	art := Artifacts{CallID: c.ID, SessionID: rec.SessionID()}
	var errs []error
	csvPath, err := rec.SaveCSV()
	if err != nil {
		logger.WithError(err).Error("failed to save metrics CSV")
		errs = append(errs, err)
	}
	art.CSVPath = csvPath
	jsonPath, err := rec.SaveJSON()
	if err != nil {
		logger.WithError(err).Error("failed to save metrics JSON")
		errs = append(errs, err)
	}
	art.JSONPath = jsonPath
	art.ExportErr = errors.Join(errs...)
	art.Summary, art.Interactions = rec.Snapshot()
	span.SetAttributes(attribute.Int("call.turns", len(art.Interactions)))

	for _, hook := range hooks {
		hook(ctx, snapshot, art)
	}
	logger.WithFields(logrus.Fields{
		"csv":   art.CSVPath,
		"json":  art.JSONPath,
		"turns": len(art.Interactions),
	}).Info("call finalized")
	return art, nil
}

// FinalizeAll finalizes every active call. Used on shutdown.
func (m *Manager) FinalizeAll(ctx context.Context, reason string) []Artifacts {
	var out []Artifacts
	for _, c := range m.Active() {
		art, err := m.Finalize(ctx, c.ID, reason)
		if err != nil {
			continue
		}
		out = append(out, art)
	}
	return out
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.dropExpired()
			}
		}
	}()
}

// dropExpired forgets ended calls older than the retention window.
func (m *Manager) dropExpired() {
	now := m.opts.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.calls {
		if c.Status != StatusEnded || now.Sub(c.EndedAt) < m.opts.Retention {
			continue
		}
		delete(m.calls, id)
		delete(m.finalized, id)
		if m.byRoom[c.RoomName] == id {
			delete(m.byRoom, c.RoomName)
		}
		m.logger.WithField("call_id", id).Debug("ended call dropped")
	}
}

func clone(c *Call) *Call {
	cp := *c
	return &cp
}
