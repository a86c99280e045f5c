package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voiceagent/turnmetrics/internal/config"
	"github.com/voiceagent/turnmetrics/internal/policy"
	"github.com/voiceagent/turnmetrics/internal/telephony"
)

type options struct {
	phone   string
	apiURL  string
	direct  bool
	timeout time.Duration
}

type placed struct {
	CallID    string `json:"call_id,omitempty"`
	RoomName  string `json:"room_name"`
	SessionID string `json:"session_id,omitempty"`
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "dialout: %v\n", err)
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dialout: config error: %v\n", err)
		os.Exit(1)
	}
	if opts.phone == "" {
		opts.phone = cfg.DefaultPhoneNumber
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	out, err := dial(ctx, opts, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dialout: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(describe(out, opts.apiURL))
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("dialout", flag.ContinueOnError)
	fs.StringVar(&opts.phone, "phone", "", "number to call in E.164 (default: PHONE_NUMBER)")
	fs.StringVar(&opts.apiURL, "api", "http://127.0.0.1:8000", "turnmetrics service base URL")
	fs.BoolVar(&opts.direct, "direct", false, "dial through the telephony API directly instead of the service")
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	opts.phone = strings.TrimSpace(opts.phone)
	opts.apiURL = strings.TrimRight(strings.TrimSpace(opts.apiURL), "/")
	if opts.timeout <= 0 {
		return options{}, fmt.Errorf("timeout must be > 0")
	}
	return opts, nil
}

func dial(ctx context.Context, opts options, cfg config.Config, logger logrus.FieldLogger) (placed, error) {
	if opts.phone == "" {
		return placed{}, telephony.ErrInvalidPhone
	}
	if decision := policy.DecideDial(opts.phone); !decision.Allowed {
		return placed{}, fmt.Errorf("refusing to dial %s: %s", policy.MaskPhoneNumber(opts.phone), decision.Reason)
	}
	if !opts.direct {
		return dialViaService(ctx, &http.Client{Timeout: opts.timeout}, opts.apiURL, opts.phone)
	}

	client, err := telephony.NewLiveKitClient(telephony.LiveKitConfig{
		URL:       cfg.LiveKitURL,
		APIKey:    cfg.LiveKitAPIKey,
		APISecret: cfg.LiveKitAPISecret,
		TrunkID:   cfg.SIPOutboundTrunkID,
		AgentName: cfg.AgentName,
		Timeout:   cfg.TelephonyReqTimeout,
	}, logger)
	if err != nil {
		return placed{}, err
	}
	p, err := client.PlaceCall(ctx, opts.phone)
	if err != nil {
		return placed{}, err
	}
	return placed{RoomName: p.RoomName}, nil
}

func dialViaService(ctx context.Context, client *http.Client, apiURL, phone string) (placed, error) {
	payload, err := json.Marshal(map[string]string{"phone_number": phone})
	if err != nil {
		return placed{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/v1/calls", bytes.NewReader(payload))
	if err != nil {
		return placed{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return placed{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return placed{}, err
	}
	if res.StatusCode != http.StatusCreated {
		return placed{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out placed
	if err := json.Unmarshal(body, &out); err != nil {
		return placed{}, err
	}
	return out, nil
}

func describe(p placed, apiURL string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Call initiated in room %s\n", p.RoomName)
	if p.CallID == "" {
		return b.String()
	}
	fmt.Fprintf(&b, "Call ID: %s (metrics session %s)\n", p.CallID, p.SessionID)
	fmt.Fprintf(&b, "Metrics:       %s/v1/calls/%s/metrics\n", apiURL, p.CallID)
	fmt.Fprintf(&b, "Download CSV:  %s/v1/calls/%s/download-csv\n", apiURL, p.CallID)
	fmt.Fprintf(&b, "Download JSON: %s/v1/calls/%s/download-json\n", apiURL, p.CallID)
	fmt.Fprintf(&b, "End call:      curl -X POST %s/v1/calls/%s/end\n", apiURL, p.CallID)
	return b.String()
}
