package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/psds-microservice/escalation-service/internal/application"
	"github.com/psds-microservice/escalation-service/internal/kafka"
	"github.com/psds-microservice/escalation-service/internal/model"
	"github.com/spf13/cobra"
)

var republishEventsCmd = &cobra.Command{
	Use:   "republish-events",
	Short: "Publish the current state of every open ticket to Kafka (consumer rebuild)",
	RunE:  runRepublishEvents,
}

// stateEvents — событие, которое описывает текущий статус тикета.
var stateEvents = map[model.TicketStatus]string{
	model.TicketStatusAIHandling: kafka.EventTicketCreated,
	model.TicketStatusEscalated:  kafka.EventTicketEscalated,
	model.TicketStatusAssigned:   kafka.EventTicketAssigned,
}

func runRepublishEvents(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	if len(cfg.KafkaBrokers) == 0 || cfg.KafkaTopicTicket == "" {
		return errors.New("republish-events: KAFKA_BROKERS and KAFKA_TOPIC_TICKET are required")
	}
	comp, err := application.Build(cfg, log)
	if err != nil {
		return err
	}
	defer comp.Close()

	var tickets []model.Ticket
	if err := comp.DB.Where("status <> ?", model.TicketStatusResolved).Order("created_at, id").Find(&tickets).Error; err != nil {
		return fmt.Errorf("list tickets: %w", err)
	}
	log.Info("republish-events: found open tickets", "count", len(tickets))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	for i := range tickets {
		t := &tickets[i]
		ev := kafka.NewTicketEvent(stateEvents[t.Status], t, map[string]string{"replay": "true"})
		if err := comp.Producer.Publish(ctx, ev); err != nil {
			return fmt.Errorf("publish %s: %w", t.ID, err)
		}
		if (i+1)%50 == 0 || i == len(tickets)-1 {
			log.Info("republish-events: progress", "sent", i+1, "total", len(tickets))
		}
	}
	log.Info("republish-events: done", "sent", len(tickets))
	return nil
}
