package application

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/psds-microservice/escalation-service/internal/classifier"
	"github.com/psds-microservice/escalation-service/internal/config"
	"github.com/psds-microservice/escalation-service/internal/database"
	"github.com/psds-microservice/escalation-service/internal/kafka"
	"github.com/psds-microservice/escalation-service/internal/lifecycle"
	"github.com/psds-microservice/escalation-service/internal/lock"
	"github.com/psds-microservice/escalation-service/internal/metrics"
	"github.com/psds-microservice/escalation-service/internal/presence"
	"github.com/psds-microservice/escalation-service/internal/service"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Components — собранные зависимости; общие для режима api и CLI-команд.
type Components struct {
	Config   *config.Config
	Log      *slog.Logger
	DB       *gorm.DB
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Producer *kafka.Producer
	Tracker  *presence.Tracker

	Tickets       *service.TicketService
	Escalations   *service.EscalationService
	Transfers     *service.TransferService
	Ratings       *service.RatingService
	Redistributor *service.Redistributor

	redis *redis.Client
}

// Build открывает БД, Kafka и Redis и собирает сервисы. Миграции не запускает.
func Build(cfg *config.Config, log *slog.Logger) (*Components, error) {
	db, err := database.Open(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	return BuildWithDB(cfg, log, db), nil
}

// BuildWithDB собирает сервисы поверх готового соединения.
func BuildWithDB(cfg *config.Config, log *slog.Logger, db *gorm.DB) *Components {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicTicket, log)
	if !producer.Enabled() {
		log.Info("kafka: KAFKA_BROKERS not set, ticket events disabled")
	}

	var (
		locker      lock.Locker = lock.Noop{}
		redisClient *redis.Client
	)
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		locker = lock.NewRedisLocker(redisClient, "escalation-service:lock:")
	} else {
		log.Info("redis: REDIS_ADDR not set, redistribution lock is local")
	}

	cls := classifier.NewClient(classifier.Options{
		BaseURL:  cfg.Classifier.URL,
		APIKey:   cfg.Classifier.APIKey,
		Model:    cfg.Classifier.Model,
		Timeout:  cfg.Classifier.Timeout,
		MaxTurns: cfg.Classifier.MaxTurns,
		MaxChars: cfg.Classifier.MaxChars,
	})
	if cfg.Classifier.URL == "" {
		log.Warn("classifier: CLASSIFIER_URL not set, every escalation gets priority baixo")
	}
	policy := classifier.NewPolicy(cls, cfg.Classifier.Timeout, log).OnFallback(func(reason string) {
		m.ClassifierFallbacks.WithLabelValues(reason).Inc()
	})

	machine := lifecycle.New(db)
	tracker := presence.NewTracker(db, cfg.FreshnessWindow)

	return &Components{
		Config:   cfg,
		Log:      log,
		DB:       db,
		Registry: reg,
		Metrics:  m,
		Producer: producer,
		Tracker:  tracker,

		Tickets: service.NewTicketService(machine, producer, m),
		Escalations: service.NewEscalationService(machine, tracker, policy, producer, m, log, service.EscalationOptions{
			MaxActivePerAgent: cfg.MaxActivePerAgent,
			RetryAttempts:     cfg.StorageRetryAttempts,
			RetryBase:         cfg.StorageRetryBase,
		}),
		Transfers: service.NewTransferService(machine, tracker, producer, m, log),
		Ratings:   service.NewRatingService(db),
		Redistributor: service.NewRedistributor(machine, tracker, locker, producer, m, log, service.RedistributionOptions{
			MaxActivePerAgent: cfg.MaxActivePerAgent,
		}),

		redis: redisClient,
	}
}

// Close закрывает внешние соединения.
func (c *Components) Close() {
	if err := c.Producer.Close(); err != nil {
		c.Log.Warn("kafka: close", "error", err)
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.Log.Warn("redis: close", "error", err)
		}
	}
	if sqlDB, err := c.DB.DB(); err == nil {
		sqlDB.Close()
	}
}
