package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/voiceagent/turnmetrics/internal/agent"
	"github.com/voiceagent/turnmetrics/internal/protocol"
	"github.com/voiceagent/turnmetrics/internal/session"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
)

// handleCallWS streams turn events from the voice pipeline into a
// Conversation for the call and relays the agent's instructions back.
func (s *Server) handleCallWS(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	call, err := s.calls.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	}
	if call.Status != session.StatusActive {
		respondError(w, http.StatusConflict, "call_already_ended", session.ErrAlreadyFinalized.Error())
		return
	}
	if s.conversation(id) != nil {
		respondError(w, http.StatusConflict, "stream_in_use", "call already has a connected pipeline")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	logger := s.logger.WithFields(logrus.Fields{"call_id": id, "room": call.RoomName})
	s.metrics.ObserveCallEvent("ws_connected")

	var writeMu sync.Mutex
	send := func(msg any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		if t, ok := messageTypeOf(msg); ok {
			s.metrics.ObserveWSMessage("outbound", string(t))
		}
		return nil
	}

	conv := agent.NewConversation(call, s.agentConfig(), agent.Deps{
		Calls:      s.calls,
		Dispatcher: s.dispatcher,
		Metrics:    s.metrics,
		Logger:     s.logger,
		Send:       send,
		Now:        s.now,
	})
	if !s.registerConversation(id, conv) {
		_ = send(protocol.ErrorEvent{
			Type:   protocol.TypeErrorEvent,
			CallID: id,
			Code:   "stream_in_use",
			Source: "gateway",
			Detail: "call already has a connected pipeline",
		})
		return
	}
	defer s.unregisterConversation(id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go conv.Monitor(ctx)

	// Once the conversation ends, close the socket so the read loop returns.
	go func() {
		select {
		case <-ctx.Done():
		case <-conv.Done():
			writeMu.Lock()
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
				time.Now().Add(time.Second),
			)
			writeMu.Unlock()
			_ = conn.SetReadDeadline(time.Now())
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.metrics.ObserveWSMessage("inbound", "invalid")
			_ = send(protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				CallID: id,
				Code:   "invalid_client_message",
				Source: "gateway",
				Detail: err.Error(),
			})
			continue
		}
		s.metrics.ObserveWSMessage("inbound", string(msg.MessageType()))
		conv.Handle(ctx, msg)
	}

	cancel()
	conv.Finish(context.WithoutCancel(r.Context()), session.ReasonDisconnected)
	s.metrics.ObserveCallEvent("ws_disconnected")
	logger.Info("pipeline stream closed")
}

func (s *Server) agentConfig() agent.Config {
	return agent.Config{
		IdlePromptAfter:  s.cfg.IdlePromptAfter,
		IdleHangupAfter:  s.cfg.IdleHangupAfter,
		GoodbyeDelay:     s.cfg.GoodbyeDelay,
		IdlePollInterval: s.cfg.IdlePollInterval,
		SecondsPerChar:   s.cfg.SpeechSecondsPerChr,
	}
}

func (s *Server) conversation(callID string) *agent.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversations[callID]
}

func (s *Server) registerConversation(callID string, conv *agent.Conversation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[callID]; ok {
		return false
	}
	s.conversations[callID] = conv
	return true
}

func (s *Server) unregisterConversation(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, callID)
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.AgentSay:
		return m.Type, true
	case protocol.Hangup:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	case protocol.CallSummary:
		return m.Type, true
	default:
		return "", false
	}
}
