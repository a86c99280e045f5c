package app

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voiceagent/turnmetrics/internal/messaging"
	"github.com/voiceagent/turnmetrics/internal/observability"
	"github.com/voiceagent/turnmetrics/internal/policy"
	"github.com/voiceagent/turnmetrics/internal/session"
	"github.com/voiceagent/turnmetrics/internal/store"
)

const hookTimeout = 5 * time.Second

func metricsHook(metrics *observability.Metrics, calls *session.Manager) session.FinalizeHook {
	return func(_ context.Context, call *session.Call, art session.Artifacts) {
		metrics.ActiveCalls.Set(float64(calls.ActiveCount()))
		metrics.ObserveCallEvent("finalized")
		metrics.ObserveExport("finalize", art.ExportErr)
	}
}

// persistHook stores the summary and turns. Phone numbers are masked before
// they reach the database.
func persistHook(st store.Store, logger logrus.FieldLogger) session.FinalizeHook {
	return func(ctx context.Context, call *session.Call, art session.Artifacts) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hookTimeout)
		defer cancel()

		entry := logger.WithFields(logrus.Fields{"call_id": call.ID, "session_id": art.SessionID})
		err := st.SaveSession(ctx, store.SessionRecord{
			SessionID:   art.SessionID,
			CallID:      call.ID,
			RoomName:    call.RoomName,
			PhoneNumber: policy.MaskPhoneNumber(call.PhoneNumber),
			EndReason:   call.EndReason,
			StartedAt:   call.StartedAt,
			EndedAt:     call.EndedAt,
			Summary:     art.Summary,
		})
		if err != nil {
			entry.WithError(err).Error("failed to persist call session")
			return
		}
		if err := st.SaveInteractions(ctx, call.ID, art.Interactions); err != nil {
			entry.WithError(err).Error("failed to persist interactions")
		}
	}
}

func publishHook(pub messaging.Publisher, logger logrus.FieldLogger) session.FinalizeHook {
	return func(ctx context.Context, call *session.Call, art session.Artifacts) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hookTimeout)
		defer cancel()
		err := pub.PublishSummary(ctx, messaging.SummaryMessage{
			CallID:       call.ID,
			SessionID:    art.SessionID,
			RoomName:     call.RoomName,
			EndReason:    call.EndReason,
			Summary:      art.Summary,
			Interactions: art.Interactions,
			PublishedAt:  time.Now().UTC(),
		})
		if err != nil {
			logger.WithError(err).WithField("call_id", call.ID).Warn("failed to publish call summary")
		}
	}
}

func reportHook(w io.Writer) session.FinalizeHook {
	return func(_ context.Context, call *session.Call, _ session.Artifacts) {
		call.Recorder.PrintReport(w)
	}
}
