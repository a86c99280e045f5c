package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/voiceagent/turnmetrics/internal/config"
	"github.com/voiceagent/turnmetrics/internal/httpapi"
	"github.com/voiceagent/turnmetrics/internal/messaging"
	"github.com/voiceagent/turnmetrics/internal/observability"
	"github.com/voiceagent/turnmetrics/internal/session"
	"github.com/voiceagent/turnmetrics/internal/store"
	"github.com/voiceagent/turnmetrics/internal/telemetry"
	"github.com/voiceagent/turnmetrics/internal/telephony"
)

type Options struct {
	Logger *logrus.Logger
	// Report receives the per-call metrics report on finalize. Defaults to
	// stdout.
	Report io.Writer
	// TraceOutput receives exported spans when tracing is enabled.
	TraceOutput io.Writer
}

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Calls      *session.Manager
	Metrics    *observability.Metrics
	Store      store.Store
	Publisher  messaging.Publisher
	Dispatcher telephony.Dispatcher

	// Cleanup should be called on shutdown to release external resources
	// (DB pool, broker connection, tracer).
	Cleanup func(ctx context.Context) error
}

func Build(ctx context.Context, cfg config.Config, opts Options) (*BuildResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.Report == nil {
		opts.Report = os.Stdout
	}

	var cleanups []func(context.Context) error
	cleanup := func(ctx context.Context) error {
		var errs []error
		for i := len(cleanups) - 1; i >= 0; i-- {
			if err := cleanups[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	if cfg.TracingEnabled {
		shutdown, err := telemetry.InitTracer(cfg.ServiceName, opts.TraceOutput, logger)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		cleanups = append(cleanups, shutdown)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	st, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = cleanup(ctx)
		return nil, fmt.Errorf("interaction store init failed: %w", err)
	}
	cleanups = append(cleanups, func(context.Context) error { return st.Close() })
	logger.WithField("backend", store.Backend(st)).Info("interaction store ready")

	pub, err := messaging.NewPublisher(logger, cfg.AMQPURL, cfg.AMQPQueueName)
	if err != nil {
		_ = cleanup(ctx)
		return nil, fmt.Errorf("summary publisher init failed: %w", err)
	}
	cleanups = append(cleanups, func(context.Context) error { return pub.Close() })

	dispatcher, err := newDispatcher(cfg, logger, metrics)
	if err != nil {
		_ = cleanup(ctx)
		return nil, err
	}

	calls := session.NewManager(session.Options{
		MetricsDir: cfg.MetricsDir,
		Policy:     cfg.TimestampPolicy,
		Retention:  cfg.SessionRetention,
		Logger:     logger,
	})
	calls.AddFinalizeHook(metricsHook(metrics, calls))
	calls.AddFinalizeHook(persistHook(st, logger))
	calls.AddFinalizeHook(publishHook(pub, logger))
	calls.AddFinalizeHook(reportHook(opts.Report))

	api := httpapi.New(cfg, calls, dispatcher, metrics, logger)

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Calls:      calls,
		Metrics:    metrics,
		Store:      st,
		Publisher:  pub,
		Dispatcher: dispatcher,
		Cleanup:    cleanup,
	}, nil
}

func newDispatcher(cfg config.Config, logger logrus.FieldLogger, metrics *observability.Metrics) (telephony.Dispatcher, error) {
	switch cfg.TelephonyBackend() {
	case "livekit":
		client, err := telephony.NewLiveKitClient(telephony.LiveKitConfig{
			URL:       cfg.LiveKitURL,
			APIKey:    cfg.LiveKitAPIKey,
			APISecret: cfg.LiveKitAPISecret,
			TrunkID:   cfg.SIPOutboundTrunkID,
			AgentName: cfg.AgentName,
			Timeout:   cfg.TelephonyReqTimeout,
		}, logger, telephony.WithObserver(metrics))
		if err != nil {
			return nil, fmt.Errorf("telephony init failed: %w", err)
		}
		logger.Info("telephony: livekit")
		return client, nil
	default:
		logger.Info("telephony: mock (calls are recorded, not dialed)")
		return telephony.NewMockDispatcher(), nil
	}
}
