package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voiceagent/turnmetrics/internal/callmetrics"
	"github.com/voiceagent/turnmetrics/internal/protocol"
)

type options struct {
	baseURL     string
	roomName    string
	turns       int
	userWait    time.Duration
	agentIdle   time.Duration
	agentReply  time.Duration
	charSeconds float64
	realtime    float64
	noVAD       bool
	timeout     time.Duration
	csvOut      string
	texts       []string
	verbose     bool
}

type createResponse struct {
	CallID    string `json:"call_id"`
	SessionID string `json:"session_id"`
}

type wsEnvelope struct {
	Type    protocol.MessageType `json:"type"`
	Code    string               `json:"code,omitempty"`
	Detail  string               `json:"detail,omitempty"`
	Text    string               `json:"text,omitempty"`
	Summary *callmetrics.Summary `json:"summary,omitempty"`
}

var defaultUtterances = []string{
	"What is the current value of my portfolio?",
	"Which asset performed best this quarter?",
	"Can you move ten percent into bonds?",
	"Thanks, that is all for today.",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "turnreplay: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "turnreplay: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	fs := flag.NewFlagSet("turnreplay", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8000", "turnmetrics service base URL")
	fs.StringVar(&cfg.roomName, "room", "", "room name to attach (default: replay-<unix>)")
	fs.IntVar(&cfg.turns, "turns", 4, "number of turns to replay")
	fs.DurationVar(&cfg.userWait, "user-wait", 800*time.Millisecond, "silence before each user utterance")
	fs.DurationVar(&cfg.agentIdle, "agent-idle", 600*time.Millisecond, "gap between end of user speech and agent reply")
	fs.DurationVar(&cfg.agentReply, "agent-reply", 2*time.Second, "length of each agent reply")
	fs.Float64Var(&cfg.charSeconds, "char-seconds", 0.05, "user speech seconds per transcript character")
	fs.Float64Var(&cfg.realtime, "realtime", 4.0, "pacing multiplier (1.0=realtime, 4.0=4x faster)")
	fs.BoolVar(&cfg.noVAD, "no-vad", false, "omit user_started/stopped_speaking and rely on transcripts")
	fs.DurationVar(&cfg.timeout, "timeout", 2*time.Minute, "overall replay timeout")
	fs.StringVar(&cfg.csvOut, "csv-out", "", "optional path to save the call's CSV export")
	fs.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if cfg.charSeconds <= 0 {
		return options{}, fmt.Errorf("char-seconds must be > 0")
	}
	texts, err := parseTexts(textsRaw)
	if err != nil {
		return options{}, err
	}
	cfg.texts = texts
	return cfg, nil
}

func parseTexts(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return append([]string(nil), defaultUtterances...), nil
	}
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("texts produced no non-empty utterances")
	}
	return out, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	if cfg.roomName == "" {
		cfg.roomName = fmt.Sprintf("replay-%d", time.Now().Unix())
	}
	client := &http.Client{Timeout: 30 * time.Second}
	created, err := attachRoom(ctx, client, cfg.baseURL, cfg.roomName)
	if err != nil {
		return fmt.Errorf("attach room: %w", err)
	}
	if cfg.verbose {
		fmt.Printf("turnreplay: call=%s session=%s turns=%d realtime=%.2f\n", created.CallID, created.SessionID, cfg.turns, cfg.realtime)
	}

	wsURL, err := wsURLForCall(cfg.baseURL, created.CallID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	summaryCh := make(chan *callmetrics.Summary, 1)
	readErrCh := make(chan error, 1)
	go readLoop(conn, summaryCh, readErrCh, cfg.verbose)

	clock := callmetrics.EpochSeconds(time.Now())
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		events, end := turnEvents(clock, text, cfg)
		if cfg.verbose {
			fmt.Printf("turnreplay: turn %d/%d text=%q\n", i+1, cfg.turns, text)
		}
		if err := sendPaced(ctx, conn, clock, events, cfg.realtime); err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		clock = end
	}
	if err := conn.WriteJSON(protocol.EndCall{Type: protocol.TypeEndCall, Reason: "replay complete"}); err != nil {
		return fmt.Errorf("send end_call: %w", err)
	}

	var summary *callmetrics.Summary
	select {
	case summary = <-summaryCh:
	case err := <-readErrCh:
		return fmt.Errorf("ws read before call_summary: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
	fmt.Print(formatSummary(summary))

	if cfg.csvOut != "" {
		if err := downloadCSV(ctx, client, cfg.baseURL, created.CallID, cfg.csvOut); err != nil {
			return fmt.Errorf("download csv: %w", err)
		}
		if cfg.verbose {
			fmt.Printf("turnreplay: csv saved to %s\n", cfg.csvOut)
		}
	}
	return nil
}

// turnEvents scripts one turn starting at epoch second start and returns
// the events plus the time the agent finished speaking.
func turnEvents(start float64, text string, cfg options) ([]protocol.Inbound, float64) {
	speechStart := start + cfg.userWait.Seconds()
	speechEnd := speechStart + float64(len(text))*cfg.charSeconds
	responseStart := speechEnd + cfg.agentIdle.Seconds()
	responseEnd := responseStart + cfg.agentReply.Seconds()

	var events []protocol.Inbound
	if !cfg.noVAD {
		events = append(events,
			protocol.UserStartedSpeaking{Type: protocol.TypeUserStartedSpeaking, TS: speechStart},
			protocol.UserStoppedSpeaking{Type: protocol.TypeUserStoppedSpeaking, TS: speechEnd},
		)
	}
	events = append(events,
		protocol.UserTranscript{Type: protocol.TypeUserTranscript, Text: text, Final: true, TS: speechEnd},
		protocol.AgentStartedSpeaking{Type: protocol.TypeAgentStartedSpeaking, TS: responseStart},
		protocol.AgentStoppedSpeaking{Type: protocol.TypeAgentStoppedSpeaking, TS: responseEnd},
	)
	return events, responseEnd
}

// sendPaced writes events in order, sleeping the scripted gap between them
// divided by realtime.
func sendPaced(ctx context.Context, conn *websocket.Conn, from float64, events []protocol.Inbound, realtime float64) error {
	prev := from
	for _, ev := range events {
		gap := time.Duration((ev.EventTS() - prev) / realtime * float64(time.Second))
		if gap > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(gap):
			}
		}
		if err := conn.WriteJSON(ev); err != nil {
			return err
		}
		prev = ev.EventTS()
	}
	return nil
}

func attachRoom(ctx context.Context, client *http.Client, baseURL, room string) (createResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/rooms/"+url.PathEscape(room)+"/session", bytes.NewReader([]byte("{}")))
	if err != nil {
		return createResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return createResponse{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return createResponse{}, err
	}
	if res.StatusCode != http.StatusCreated {
		return createResponse{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out createResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return createResponse{}, err
	}
	if out.CallID == "" {
		return createResponse{}, fmt.Errorf("missing call_id in response")
	}
	return out, nil
}

func downloadCSV(ctx context.Context, client *http.Client, baseURL, callID, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/calls/"+url.PathEscape(callID)+"/download-csv", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<16))
		return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, res.Body); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func wsURLForCall(baseURL, callID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/calls/" + url.PathEscape(callID) + "/ws"
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, summaryCh chan<- *callmetrics.Summary, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case protocol.TypeCallSummary:
			select {
			case summaryCh <- env.Summary:
			default:
			}
		case protocol.TypeAgentSay:
			if verbose {
				fmt.Printf("turnreplay: agent_say %q\n", env.Text)
			}
		case protocol.TypeErrorEvent:
			if verbose {
				fmt.Fprintf(os.Stderr, "turnreplay: error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
		}
	}
}

func formatSummary(s *callmetrics.Summary) string {
	if s == nil {
		return "turnreplay: no interactions recorded\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "turnreplay: session %s\n", s.SessionID)
	fmt.Fprintf(&b, "  questions           %d\n", s.TotalQuestions)
	fmt.Fprintf(&b, "  avg user speaking   %.3fs\n", s.AverageUserSpeakingTime)
	fmt.Fprintf(&b, "  avg agent idle      %.3fs\n", s.AverageAgentIdleTime)
	fmt.Fprintf(&b, "  avg agent reply     %.3fs\n", s.AverageAgentReplyTime)
	fmt.Fprintf(&b, "  session             %.3fs\n", s.TotalSessionTime)
	return b.String()
}
