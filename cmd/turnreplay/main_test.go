package main

import (
	"strings"
	"testing"
	"time"

	"github.com/voiceagent/turnmetrics/internal/callmetrics"
	"github.com/voiceagent/turnmetrics/internal/protocol"
)

func TestParseFlagsDefaults(t *testing.T) {
	cfg, err := parseFlags(nil)
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if cfg.turns != 4 || len(cfg.texts) != len(defaultUtterances) {
		t.Fatalf("unexpected defaults: turns=%d texts=%d", cfg.turns, len(cfg.texts))
	}
	if _, err := parseFlags([]string{"-turns", "0"}); err == nil {
		t.Fatalf("parseFlags(-turns 0) should fail")
	}
}

func TestParseTexts(t *testing.T) {
	got, err := parseTexts(" hello | | bye ")
	if err != nil {
		t.Fatalf("parseTexts() error = %v", err)
	}
	if len(got) != 2 || got[0] != "hello" || got[1] != "bye" {
		t.Fatalf("parseTexts() = %q", got)
	}
	if _, err := parseTexts(" | "); err == nil {
		t.Fatalf("parseTexts of only separators should fail")
	}
}

func TestTurnEventsTimeline(t *testing.T) {
	cfg := options{
		userWait:    time.Second,
		agentIdle:   500 * time.Millisecond,
		agentReply:  2 * time.Second,
		charSeconds: 0.1,
	}
	events, end := turnEvents(100, "hello", cfg)
	if len(events) != 5 {
		t.Fatalf("len(events) = %d, want 5", len(events))
	}
	wantTS := []float64{101, 101.5, 101.5, 102, 104}
	for i, ev := range events {
		if got := ev.EventTS(); got < wantTS[i]-1e-9 || got > wantTS[i]+1e-9 {
			t.Fatalf("event %d (%s) ts = %v, want %v", i, ev.MessageType(), got, wantTS[i])
		}
	}
	if end != 104 {
		t.Fatalf("end = %v, want 104", end)
	}

	cfg.noVAD = true
	events, _ = turnEvents(100, "hello", cfg)
	if len(events) != 3 || events[0].MessageType() != protocol.TypeUserTranscript {
		t.Fatalf("no-vad events = %+v", events)
	}
}

func TestWSURLForCall(t *testing.T) {
	got, err := wsURLForCall("https://metrics.example.com/base/", "abc")
	if err != nil {
		t.Fatalf("wsURLForCall() error = %v", err)
	}
	if got != "wss://metrics.example.com/base/v1/calls/abc/ws" {
		t.Fatalf("wsURLForCall() = %q", got)
	}
	if _, err := wsURLForCall("ftp://x", "abc"); err == nil {
		t.Fatalf("wsURLForCall(ftp) should fail")
	}
}

func TestFormatSummary(t *testing.T) {
	if got := formatSummary(nil); !strings.Contains(got, "no interactions") {
		t.Fatalf("formatSummary(nil) = %q", got)
	}
	got := formatSummary(&callmetrics.Summary{SessionID: "20240101_000000", TotalQuestions: 3, AverageAgentReplyTime: 1.25})
	if !strings.Contains(got, "questions           3") || !strings.Contains(got, "1.250s") {
		t.Fatalf("formatSummary() = %q", got)
	}
}
