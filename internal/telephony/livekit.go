package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voiceagent/turnmetrics/internal/policy"
	"github.com/voiceagent/turnmetrics/internal/reliability"
)

const (
	participantIdentity = "phone_user"
	tokenTTL            = 10 * time.Minute
)

type LiveKitConfig struct {
	URL        string
	APIKey     string
	APISecret  string
	TrunkID    string
	AgentName  string
	Timeout    time.Duration
	MaxRetries int
}

// LiveKitClient drives the hosted voice platform's server API (Twirp over
// JSON) to dispatch the agent and dial out through a SIP trunk.
type LiveKitClient struct {
	cfg      LiveKitConfig
	baseURL  string
	http     *http.Client
	logger   logrus.FieldLogger
	observer Observer
	now      func() time.Time
}

type LiveKitOption func(*LiveKitClient)

func WithHTTPClient(c *http.Client) LiveKitOption {
	return func(l *LiveKitClient) { l.http = c }
}

func WithObserver(o Observer) LiveKitOption {
	return func(l *LiveKitClient) { l.observer = o }
}

func WithClock(now func() time.Time) LiveKitOption {
	return func(l *LiveKitClient) { l.now = now }
}

func NewLiveKitClient(cfg LiveKitConfig, logger logrus.FieldLogger, opts ...LiveKitOption) (*LiveKitClient, error) {
	if cfg.URL == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("livekit url, api key and api secret are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.AgentName == "" {
		cfg.AgentName = "asset_management_agent"
	}
	c := &LiveKitClient{
		cfg:     cfg,
		baseURL: httpBaseURL(cfg.URL),
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger.WithField("component", "livekit"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// httpBaseURL maps ws(s):// server URLs onto http(s)://.
func httpBaseURL(raw string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	switch {
	case strings.HasPrefix(raw, "wss://"):
		return "https://" + strings.TrimPrefix(raw, "wss://")
	case strings.HasPrefix(raw, "ws://"):
		return "http://" + strings.TrimPrefix(raw, "ws://")
	default:
		return raw
	}
}

// PlaceCall dispatches the agent into a fresh room, with the phone number as
// dispatch metadata, then dials the number into that room.
func (c *LiveKitClient) PlaceCall(ctx context.Context, phoneNumber string) (Placement, error) {
	phoneNumber = strings.TrimSpace(phoneNumber)
	if phoneNumber == "" {
		return Placement{}, ErrInvalidPhone
	}
	if err := ValidateTrunk(c.cfg.TrunkID); err != nil {
		c.logger.WithError(err).Error("cannot dial out")
		return Placement{}, err
	}

	room := RoomName(phoneNumber, c.now())
	logger := c.logger.WithFields(logrus.Fields{
		"room":  room,
		"phone": policy.MaskPhoneNumber(phoneNumber),
		"agent": c.cfg.AgentName,
	})
	placement := Placement{RoomName: room, PhoneNumber: phoneNumber}

	logger.Info("creating agent dispatch")
	var dispatch struct {
		ID string `json:"id"`
	}
	err := c.call(ctx, "create_dispatch", "livekit.AgentDispatchService", "CreateDispatch",
		map[string]any{
			"agent_name": c.cfg.AgentName,
			"room":       room,
			"metadata":   phoneNumber,
		},
		&VideoGrant{RoomAdmin: true, Room: room}, nil, true, &dispatch)
	if err != nil {
		return Placement{}, fmt.Errorf("create dispatch: %w", err)
	}
	placement.DispatchID = dispatch.ID

	logger.Info("dialing")
	var participant struct {
		ParticipantID       string `json:"participant_id"`
		ParticipantIdentity string `json:"participant_identity"`
		SIPCallID           string `json:"sip_call_id"`
	}
	// Not retried: a replayed request could ring the callee twice.
	err = c.call(ctx, "create_sip_participant", "livekit.SIP", "CreateSIPParticipant",
		map[string]any{
			"room_name":            room,
			"sip_trunk_id":         c.cfg.TrunkID,
			"sip_call_to":          phoneNumber,
			"participant_identity": participantIdentity,
		},
		&VideoGrant{RoomAdmin: true, Room: room}, &SIPGrant{Call: true}, false, &participant)
	if err != nil {
		return Placement{}, fmt.Errorf("create sip participant: %w", err)
	}
	placement.ParticipantID = participant.ParticipantID
	placement.SIPCallID = participant.SIPCallID

	logger.WithField("dispatch_id", placement.DispatchID).Info("outbound call initiated")
	return placement, nil
}

// Hangup deletes the room, disconnecting every participant in it.
func (c *LiveKitClient) Hangup(ctx context.Context, roomName string) error {
	err := c.call(ctx, "hangup", "livekit.RoomService", "DeleteRoom",
		map[string]any{"room": roomName},
		&VideoGrant{RoomCreate: true}, nil, true, nil)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	c.logger.WithField("room", roomName).Info("room deleted")
	return nil
}

// TwirpError is an error response from the server API.
type TwirpError struct {
	Status int
	Code   string `json:"code"`
	Msg    string `json:"msg"`
}

func (e *TwirpError) Error() string {
	return fmt.Sprintf("twirp %d %s: %s", e.Status, e.Code, e.Msg)
}

func (e *TwirpError) retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.Status) || reliability.IsRetryableTwirpCode(e.Code)
}

func (c *LiveKitClient) call(ctx context.Context, op, service, method string, body any, video *VideoGrant, sip *SIPGrant, retry bool, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	attempts := 1
	if retry {
		attempts = c.cfg.MaxRetries
	}

	started := time.Now()
	err = reliability.Retry(ctx, attempts, 200*time.Millisecond, 2*time.Second, func(attempt int) (bool, error) {
		err := c.do(ctx, service, method, payload, video, sip, out)
		if err == nil {
			return false, nil
		}
		var te *TwirpError
		var ne net.Error
		retryable := (errors.As(err, &te) && te.retryable()) || (errors.As(err, &ne) && ne.Timeout())
		if retryable {
			c.logger.WithError(err).WithFields(logrus.Fields{"operation": op, "attempt": attempt + 1}).Warn("telephony request failed, retrying")
		}
		return retryable, err
	})
	if c.observer != nil {
		c.observer.ObserveTelephony(op, err)
		c.observer.ObserveTelephonyLatency(op, time.Since(started))
	}
	return err
}

func (c *LiveKitClient) do(ctx context.Context, service, method string, payload []byte, video *VideoGrant, sip *SIPGrant, out any) error {
	token, err := signToken(c.cfg.APIKey, c.cfg.APISecret, c.now(), tokenTTL, video, sip)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}

	url := c.baseURL + "/twirp/" + service + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK {
		te := &TwirpError{Status: res.StatusCode}
		if jsonErr := json.Unmarshal(raw, te); jsonErr != nil || te.Code == "" {
			te.Code = "unknown"
			te.Msg = strings.TrimSpace(string(raw))
		}
		return te
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}
