package server

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"FinBacktest/pkg/config"
	xhttp "FinBacktest/pkg/http"
	pkgkafka "FinBacktest/pkg/kafka"
	applogger "FinBacktest/pkg/logger"
)

// App encapsulates the serve-mode lifecycle: the HTTP API and, when Kafka is enabled, the jobs
// consumer.
type App struct {
	cfg         *config.Config
	l           *applogger.Logger
	httpHandler xhttp.Handler
	consumer    *pkgkafka.Consumer
	jobs        pkgkafka.MessageHandler
	httpServer  *xhttp.Server
}

// New creates a new App. consumer and jobs may be nil.
func New(
	cfg *config.Config,
	l *applogger.Logger,
	httpHandler xhttp.Handler,
	consumer *pkgkafka.Consumer,
	jobs pkgkafka.MessageHandler,
) *App {
	if l == nil {
		l = applogger.Nop()
	}
	return &App{cfg: cfg, l: l, httpHandler: httpHandler, consumer: consumer, jobs: jobs}
}

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

// RunContext starts the application and blocks until ctx is done.
func (a *App) RunContext(ctx context.Context) error {
	opts := []xhttp.ServerOption{
		xhttp.WithPort(a.cfg.Server.Port),
		xhttp.WithTimeouts(a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout, a.cfg.Server.ShutdownTimeout),
		xhttp.WithCORS(a.cfg.Server.CORS, a.cfg.Server.CORSOrigins...),
		xhttp.WithServerLogger(a.l),
	}
	metricsPath := ""
	if a.cfg.Metrics.Enabled {
		metricsPath = a.cfg.Metrics.Path
	}
	opts = append(opts, xhttp.WithMetrics(metricsPath, nil, nil))
	a.httpServer = xhttp.NewServer(a.httpHandler, opts...)

	if a.consumer != nil && a.jobs != nil {
		a.consumer.RegisterHandler(a.jobs)
		if err := a.consumer.Start(); err != nil {
			return err
		}
		a.l.Info("jobs consumer started", applogger.String("topic", a.jobs.Topic()))
	}

	if err := a.httpServer.Start(); err != nil {
		a.l.Error("http server start error", applogger.Error(err))
		return errors.Join(err, a.shutdown())
	}

	<-ctx.Done()
	a.l.Info("shutdown signal received")
	return a.shutdown()
}

// shutdown gracefully stops all services. Stores and publishers are closed by the DI cleanup.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	var errs []error
	if err := a.httpServer.Stop(ctx); err != nil {
		a.l.Error("http shutdown error", applogger.Error(err))
		errs = append(errs, err)
	}
	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			a.l.Warn("kafka consumer stop error", applogger.Error(err))
			errs = append(errs, err)
		}
	}
	a.l.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 15 * time.Second
}
