package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/psds-microservice/escalation-service/internal/config"
	"github.com/psds-microservice/escalation-service/internal/database"
	"github.com/psds-microservice/escalation-service/internal/handler"
	"github.com/psds-microservice/escalation-service/internal/router"
	"github.com/psds-microservice/escalation-service/internal/scheduler"
	"golang.org/x/sync/errgroup"
)

// Имена задач планировщика.
const (
	JobRedistribute   = "redistribute"
	JobReconcileLoads = "reconcile-loads"
)

// API приложение: HTTP-сервер и планировщик фоновых задач (режим api).
type API struct {
	cfg       *config.Config
	comp      *Components
	httpSrv   *http.Server
	scheduler *scheduler.Service
}

// NewAPI создаёт приложение для режима api.
func NewAPI(cfg *config.Config, log *slog.Logger) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := database.MigrateUp(cfg.DatabaseURL()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	comp, err := Build(cfg, log)
	if err != nil {
		return nil, err
	}
	return newAPI(comp)
}

func newAPI(comp *Components) (*API, error) {
	sqlDB, err := comp.DB.DB()
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	h := router.New(router.Handlers{
		Tickets:     handler.NewTicketHandler(comp.Tickets, comp.Transfers, comp.Ratings),
		Escalations: handler.NewEscalationHandler(comp.Escalations),
		Agents:      handler.NewAgentHandler(comp.Tracker),
		Ready:       handler.Ready(sqlDB),
		Metrics:     promhttp.HandlerFor(comp.Registry, promhttp.HandlerOpts{}),
	})
	return &API{
		cfg:  comp.Config,
		comp: comp,
		httpSrv: &http.Server{
			Addr:              comp.Config.Addr(),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		scheduler: newScheduler(comp),
	}, nil
}

// newScheduler регистрирует перераспределение очереди и сверку счётчиков.
func newScheduler(comp *Components) *scheduler.Service {
	cfg := comp.Config
	s := scheduler.NewService(
		scheduler.WithLogger(comp.Log),
		scheduler.WithJobs([]*scheduler.Job{
			{Slug: JobRedistribute, Handler: JobRedistribute, Schedule: cfg.RedistributionSchedule, Timeout: time.Minute, RunOnStartup: true},
			{Slug: JobReconcileLoads, Handler: JobReconcileLoads, Schedule: cfg.ReconcileSchedule, Timeout: time.Minute},
		}),
	)
	s.RegisterHandler(JobRedistribute, func(ctx context.Context, _ *scheduler.Job) error {
		_, err := comp.Redistributor.Run(ctx)
		return err
	})
	s.RegisterHandler(JobReconcileLoads, func(ctx context.Context, _ *scheduler.Job) error {
		_, err := comp.Redistributor.Reconcile(ctx)
		return err
	})
	return s
}

// Run запускает HTTP-сервер и планировщик, блокируется до отмены ctx.
func (a *API) Run(ctx context.Context) error {
	defer a.comp.Close()
	log := a.comp.Log
	host := a.cfg.AppHost
	if host == "0.0.0.0" {
		host = "localhost"
	}
	base := "http://" + host + ":" + a.cfg.HTTPPort
	log.Info("HTTP server listening", "addr", a.httpSrv.Addr)
	log.Info("  Swagger UI:    " + base + "/swagger")
	log.Info("  Health:        " + base + "/health")
	log.Info("  Metrics:       " + base + "/metrics")
	log.Info("  API v1:        " + base + "/api/v1/")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
