package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	w.Observe(StageAgentIdle, 0.5)
	w.Observe(StageAgentIdle, 0.7)
	w.Observe(StageAgentIdle, 1.5)
	w.ObserveIndicator("idle_prompt")
	w.ObserveIndicator("idle_prompt")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageAgentIdle || s.Samples != 3 {
		t.Fatalf("stage = %+v, want 3 agent_idle samples", s)
	}
	if s.Last != 1.5 || s.Min != 0.5 || s.Max != 1.5 {
		t.Fatalf("last/min/max = %v/%v/%v, want 1.5/0.5/1.5", s.Last, s.Min, s.Max)
	}
	if s.P50 != 0.7 {
		t.Fatalf("P50 = %v, want 0.7", s.P50)
	}
	if s.P95 <= 0.7 || s.P95 > 1.5 {
		t.Fatalf("P95 = %v, want (0.7,1.5]", s.P95)
	}
	if s.Budget != 1.2 || s.OverBudget != 1 {
		t.Fatalf("budget = %v over = %d, want 1.2 and 1", s.Budget, s.OverBudget)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Name != "idle_prompt" || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want idle_prompt x2", snap.Indicators)
	}
}

func TestStageWindowWraps(t *testing.T) {
	w := newStageWindow(2)
	w.Observe(StageAgentReply, 1)
	w.Observe(StageAgentReply, 2)
	w.Observe(StageAgentReply, 3)

	s := w.Snapshot().Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.Mean != 2.5 || s.Last != 3 {
		t.Fatalf("mean/last = %v/%v, want 2.5/3", s.Mean, s.Last)
	}
}

func TestStageWindowCountsNegativeSeparately(t *testing.T) {
	w := newStageWindow(4)
	w.Observe(StageUserWait, -1)
	w.Observe(StageUserWait, 2)

	s := w.Snapshot().Stages[0]
	if s.Samples != 1 || s.Negative != 1 {
		t.Fatalf("samples/negative = %d/%d, want 1/1", s.Samples, s.Negative)
	}
	if s.Min != 2 {
		t.Fatalf("Min = %v, want negatives kept out of the stats", s.Min)
	}
}

func TestStageWindowReset(t *testing.T) {
	w := newStageWindow(4)
	later := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return later }
	w.Observe(StageAgentReply, 1)
	w.Observe(StageAgentReply, 2)
	w.Observe(StageUserWait, -0.5)
	w.ObserveIndicator("idle_hangup")

	if dropped := w.Reset(); dropped != 3 {
		t.Fatalf("Reset() = %d, want 3", dropped)
	}
	snap := w.Snapshot()
	if len(snap.Stages) != 0 || len(snap.Indicators) != 0 {
		t.Fatalf("snapshot after reset = %+v, want empty", snap)
	}
	if !snap.Since.Equal(later) {
		t.Fatalf("Since = %v, want %v", snap.Since, later)
	}
}

func TestMetricsObserveTurn(t *testing.T) {
	m := NewMetrics("test")
	m.ObserveTurn(TurnTiming{UserWait: 0.5, UserSpeaking: 1.5, AgentIdle: 0, AgentReply: 2})
	m.ObserveTurn(TurnTiming{UserWait: 6, UserSpeaking: 1, AgentIdle: -0.25, AgentReply: 1.5})

	byStage := map[string]StageStats{}
	for _, s := range m.SnapshotTurnStages().Stages {
		byStage[s.Stage] = s
	}
	if got := byStage[StageUserWait].Samples; got != 2 {
		t.Fatalf("user_wait samples = %d, want 2", got)
	}
	if got := byStage[StageAgentIdle]; got.Samples != 1 || got.Negative != 1 {
		t.Fatalf("agent_idle = %+v, want one sample and one negative", got)
	}
	if got := byStage[StageAgentReply].Last; got != 1.5 {
		t.Fatalf("agent_reply last = %v, want 1.5", got)
	}

	if dropped := m.ResetTurnStages(); dropped != 8 {
		t.Fatalf("ResetTurnStages() = %d, want 8", dropped)
	}
	if n := len(m.SnapshotTurnStages().Stages); n != 0 {
		t.Fatalf("stages after reset = %d, want 0", n)
	}
}

func TestMetricsTelephonyLatencyInSeconds(t *testing.T) {
	m := NewMetrics("test")
	m.ObserveTelephonyLatency("place_call", 3*time.Second)

	s := m.SnapshotTurnStages().Stages[0]
	if s.Stage != "telephony_place_call" || s.Last != 3 || s.OverBudget != 1 {
		t.Fatalf("stage = %+v, want telephony_place_call 3s over budget", s)
	}
}

func TestMetricsHandlerExposesInstruments(t *testing.T) {
	m := NewMetrics("test")
	m.ActiveCalls.Set(2)
	m.ObserveCallEvent("created")
	m.ObserveExport("csv", nil)
	m.ObserveTelephony("place_call", io.EOF)
	m.ObserveTurn(TurnTiming{UserWait: 1, UserSpeaking: 1, AgentIdle: 1, AgentReply: 1})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"test_active_calls 2",
		`test_call_events_total{event="created"} 1`,
		`test_metrics_exports_total{format="csv",result="ok"} 1`,
		`test_telephony_requests_total{operation="place_call",result="error"} 1`,
		"test_turns_total 1",
		`test_turn_stage_seconds_count{stage="agent_reply"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveTurn(TurnTiming{})
	m.ObserveCallEvent("created")
	m.ObserveExport("json", nil)
	m.ObserveTelephony("hangup", nil)
	if m.ResetTurnStages() != 0 {
		t.Fatalf("ResetTurnStages on nil metrics should report 0")
	}
}
