package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/voiceagent/turnmetrics/internal/callmetrics"
	"github.com/voiceagent/turnmetrics/internal/config"
	"github.com/voiceagent/turnmetrics/internal/observability"
	"github.com/voiceagent/turnmetrics/internal/protocol"
	"github.com/voiceagent/turnmetrics/internal/session"
	"github.com/voiceagent/turnmetrics/internal/telephony"
)

type testEnv struct {
	ts         *httptest.Server
	calls      *session.Manager
	dispatcher *telephony.MockDispatcher
	metrics    *observability.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cfg := config.Config{
		TelephonyMode:       "mock",
		IdlePromptAfter:     10 * time.Second,
		IdleHangupAfter:     30 * time.Second,
		IdlePollInterval:    time.Second,
		SpeechSecondsPerChr: 0.05,
	}
	calls := session.NewManager(session.Options{MetricsDir: t.TempDir(), Logger: logger})
	dispatcher := telephony.NewMockDispatcher()
	metrics := observability.NewMetrics("test_httpapi")
	srv := New(cfg, calls, dispatcher, metrics, logger)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, calls: calls, dispatcher: dispatcher, metrics: metrics}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	res, err := http.Post(e.ts.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	res, err := http.Get(e.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s error = %v", path, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func decodeBody(t *testing.T, res *http.Response, out any) {
	t.Helper()
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func (e *testEnv) createCall(t *testing.T) session.CreateResponse {
	t.Helper()
	res := e.post(t, "/v1/calls", map[string]string{"phone_number": "+15551234567"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created session.CreateResponse
	decodeBody(t, res, &created)
	if created.CallID == "" || created.SessionID == "" {
		t.Fatalf("incomplete create response: %+v", created)
	}
	return created
}

func TestCreateCallLifecycle(t *testing.T) {
	env := newTestEnv(t)
	created := env.createCall(t)
	if !strings.HasPrefix(created.RoomName, "call-15551234567-") {
		t.Fatalf("room name = %q, want call-15551234567-<unix>", created.RoomName)
	}
	if got := len(env.dispatcher.Placed()); got != 1 {
		t.Fatalf("placed calls = %d, want 1", got)
	}

	var list struct {
		Calls []session.CallView `json:"calls"`
	}
	decodeBody(t, env.get(t, "/v1/calls"), &list)
	if len(list.Calls) != 1 || list.Calls[0].CallID != created.CallID {
		t.Fatalf("calls = %+v, want the created call", list.Calls)
	}

	var metrics map[string]json.RawMessage
	decodeBody(t, env.get(t, "/v1/calls/"+created.CallID+"/metrics"), &metrics)
	if string(metrics["summary"]) != "null" || string(metrics["interactions"]) != "[]" {
		t.Fatalf("metrics = %s / %s, want null and []", metrics["summary"], metrics["interactions"])
	}

	csvRes := env.get(t, "/v1/calls/"+created.CallID+"/download-csv")
	if csvRes.StatusCode != http.StatusNotFound {
		t.Fatalf("download-csv status = %d, want 404 for an empty call", csvRes.StatusCode)
	}
	var errBody errorResponse
	decodeBody(t, csvRes, &errBody)
	if errBody.Error != noMetricsMessage {
		t.Fatalf("error = %q, want %q", errBody.Error, noMetricsMessage)
	}

	jsonRes := env.get(t, "/v1/calls/"+created.CallID+"/download-json")
	if jsonRes.StatusCode != http.StatusOK {
		t.Fatalf("download-json status = %d, want 200", jsonRes.StatusCode)
	}
	if cd := jsonRes.Header.Get("Content-Disposition"); !strings.Contains(cd, "voice_agent_metrics.json") {
		t.Fatalf("Content-Disposition = %q", cd)
	}

	endRes := env.post(t, "/v1/calls/"+created.CallID+"/end", nil)
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want 200", endRes.StatusCode)
	}
	var ended endCallResponse
	decodeBody(t, endRes, &ended)
	if ended.Call.Status != session.StatusEnded || ended.Call.EndReason != session.ReasonAPI {
		t.Fatalf("ended call = %+v", ended.Call)
	}
	if hung := env.dispatcher.HungUp(); len(hung) != 1 || hung[0] != created.RoomName {
		t.Fatalf("hung up rooms = %v, want [%s]", hung, created.RoomName)
	}

	again := env.post(t, "/v1/calls/"+created.CallID+"/end", nil)
	if again.StatusCode != http.StatusConflict {
		t.Fatalf("second end status = %d, want 409", again.StatusCode)
	}
}

func TestCreateCallRejectsBlockedNumbers(t *testing.T) {
	env := newTestEnv(t)
	res := env.post(t, "/v1/calls", map[string]string{"phone_number": "911"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", res.StatusCode)
	}
	res = env.post(t, "/v1/calls", nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status without number = %d, want 400", res.StatusCode)
	}
	if got := len(env.dispatcher.Placed()); got != 0 {
		t.Fatalf("placed calls = %d, want 0", got)
	}
}

func TestAttachRoom(t *testing.T) {
	env := newTestEnv(t)
	res := env.post(t, "/v1/rooms/inbound-42/session", map[string]string{"phone_number": "+15550001111"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("attach status = %d, want 201", res.StatusCode)
	}
	var created session.CreateResponse
	decodeBody(t, res, &created)
	if created.RoomName != "inbound-42" {
		t.Fatalf("room = %q, want inbound-42", created.RoomName)
	}
	dup := env.post(t, "/v1/rooms/inbound-42/session", nil)
	if dup.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate attach status = %d, want 409", dup.StatusCode)
	}
	if got := len(env.dispatcher.Placed()); got != 0 {
		t.Fatalf("attach should not dial, placed = %d", got)
	}
}

func TestUnknownCall(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/v1/calls/nope", "/v1/calls/nope/metrics", "/v1/calls/nope/download-csv"} {
		if res := env.get(t, path); res.StatusCode != http.StatusNotFound {
			t.Fatalf("GET %s status = %d, want 404", path, res.StatusCode)
		}
	}
	if res := env.post(t, "/v1/calls/nope/end", nil); res.StatusCode != http.StatusNotFound {
		t.Fatalf("end status = %d, want 404", res.StatusCode)
	}
}

func TestLatestCallAliases(t *testing.T) {
	env := newTestEnv(t)

	var current map[string]json.RawMessage
	decodeBody(t, env.get(t, "/v1/metrics/current"), &current)
	if string(current["summary"]) != "null" || string(current["interactions"]) != "[]" {
		t.Fatalf("current metrics without calls = %v", current)
	}
	if res := env.get(t, "/download-csv"); res.StatusCode != http.StatusNotFound {
		t.Fatalf("/download-csv without calls status = %d, want 404", res.StatusCode)
	}

	created := env.createCall(t)
	call, err := env.calls.Get(created.CallID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	start, _ := call.Recorder.SessionBounds()
	env.logTurn(t, call, *start+1)

	res := env.get(t, "/download-csv")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("/download-csv status = %d, want 200", res.StatusCode)
	}
	body, _ := io.ReadAll(res.Body)
	if !strings.HasPrefix(string(body), "session_id,timestamp,interaction_id,") {
		t.Fatalf("csv body = %q", body)
	}
	if res := env.get(t, "/download-json"); res.StatusCode != http.StatusOK {
		t.Fatalf("/download-json status = %d, want 200", res.StatusCode)
	}
}

func (e *testEnv) logTurn(t *testing.T, call *session.Call, start float64) {
	t.Helper()
	err := call.Recorder.LogInteraction(callmetricsTurn(start))
	if err != nil {
		t.Fatalf("LogInteraction() error = %v", err)
	}
}

func callmetricsTurn(start float64) callmetrics.Interaction {
	return callmetrics.Interaction{
		InteractionID:        "turn_1",
		SpeechStartTime:      start,
		SpeechEndTime:        start + 1,
		ResponseStartTime:    start + 1.5,
		AgentResponseEndTime: start + 3,
	}
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

func TestHealthAndPrometheus(t *testing.T) {
	env := newTestEnv(t)
	var health map[string]any
	decodeBody(t, env.get(t, "/healthz"), &health)
	if health["status"] != "ok" || health["telephony"] != "mock" {
		t.Fatalf("health = %+v", health)
	}

	env.createCall(t)
	res := env.get(t, "/metrics")
	body, _ := io.ReadAll(res.Body)
	for _, want := range []string{"test_httpapi_active_calls 1", `test_httpapi_call_events_total{event="created"} 1`} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}

	if res := env.get(t, "/v1/perf/latency"); res.StatusCode != http.StatusOK {
		t.Fatalf("perf status = %d, want 200", res.StatusCode)
	}
}

func TestPerfLatencyReset(t *testing.T) {
	env := newTestEnv(t)
	env.metrics.ObserveTurn(observability.TurnTiming{UserWait: 1, UserSpeaking: 2, AgentIdle: 0.5, AgentReply: 3})

	var snap observability.StageSnapshot
	decodeBody(t, env.get(t, "/v1/perf/latency"), &snap)
	if len(snap.Stages) != 4 {
		t.Fatalf("stages before reset = %d, want 4", len(snap.Stages))
	}

	req, err := http.NewRequest(http.MethodDelete, env.ts.URL+"/v1/perf/latency", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE perf error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reset status = %d, want 200", res.StatusCode)
	}
	var out struct {
		Reset   bool `json:"reset"`
		Dropped int  `json:"dropped_samples"`
	}
	decodeBody(t, res, &out)
	if !out.Reset || out.Dropped != 4 {
		t.Fatalf("reset response = %+v, want 4 dropped samples", out)
	}

	snap = observability.StageSnapshot{}
	decodeBody(t, env.get(t, "/v1/perf/latency"), &snap)
	if len(snap.Stages) != 0 {
		t.Fatalf("stages after reset = %d, want 0", len(snap.Stages))
	}
}

func TestCallWebSocketDrivesConversation(t *testing.T) {
	env := newTestEnv(t)
	created := env.createCall(t)
	call, _ := env.calls.Get(created.CallID)
	start, _ := call.Recorder.SessionBounds()
	base := *start

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/calls/" + created.CallID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	events := []string{
		`{"type":"bogus"}`,
		`{"type":"user_started_speaking","ts":` + ftoa(base+1) + `}`,
		`{"type":"user_stopped_speaking","ts":` + ftoa(base+2) + `}`,
		`{"type":"user_transcript","text":"hi","final":true,"ts":` + ftoa(base+2.1) + `}`,
		`{"type":"agent_started_speaking","ts":` + ftoa(base+3) + `}`,
		`{"type":"agent_stopped_speaking","ts":` + ftoa(base+5) + `}`,
		`{"type":"end_call"}`,
	}
	for _, ev := range events {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(ev)); err != nil {
			t.Fatalf("write %s: %v", ev, err)
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	seen := map[protocol.MessageType]bool{}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var envelope protocol.Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			t.Fatalf("decode outbound: %v", err)
		}
		seen[envelope.Type] = true
	}
	for _, want := range []protocol.MessageType{protocol.TypeErrorEvent, protocol.TypeCallSummary, protocol.TypeHangup} {
		if !seen[want] {
			t.Fatalf("did not receive %s; got %v", want, seen)
		}
	}

	ended, err := env.calls.Get(created.CallID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ended.Status != session.StatusEnded || ended.EndReason != session.ReasonHangup {
		t.Fatalf("call after end_call = %+v", ended)
	}
	if ended.Recorder.Len() != 1 {
		t.Fatalf("turns = %d, want 1", ended.Recorder.Len())
	}
	if hung := env.dispatcher.HungUp(); len(hung) != 1 {
		t.Fatalf("hung up rooms = %v, want one", hung)
	}
}
