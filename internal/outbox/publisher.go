package outbox

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/adilkhanov/ride-match/internal/adapters/crdb"
	"github.com/adilkhanov/ride-match/internal/adapters/rabbit"
	"github.com/adilkhanov/ride-match/internal/observability"
)

const (
	pollInterval = 5 * time.Second
	batchSize    = 50
)

// Publisher drains NEW outbox rows into the rabbit topic exchange. Together
// with the transactional insert this is the change-notification channel:
// every committed order mutation eventually reaches feed consumers.
type Publisher struct {
	repo      *crdb.Repository
	rabbitPub *rabbit.Publisher
	logger    observability.Logger
}

func NewPublisher(repo *crdb.Repository, rabbitPub *rabbit.Publisher, logger observability.Logger) *Publisher {
	return &Publisher{repo: repo, rabbitPub: rabbitPub, logger: logger}
}

func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

func (p *Publisher) drain(ctx context.Context) {
	if lag, err := p.repo.OldestUnpublishedAge(ctx, time.Now()); err == nil {
		observability.OutboxLag.Set(lag.Seconds())
	}

	records, err := p.repo.GetUnpublishedOutbox(ctx, batchSize)
	if err != nil {
		p.logger.WithError(err).Error("failed to read outbox")
		return
	}
	for _, rec := range records {
		msg := amqp.Publishing{
			MessageId:   rec.DedupeKey,
			ContentType: "application/json",
			Body:        rec.Payload,
		}
		if err := p.rabbitPub.Publish(ctx, rec.EventType, msg); err != nil {
			p.logger.WithError(err).WithField("event", rec.EventType).Error("failed to publish outbox record")
			continue
		}
		if err := p.repo.MarkPublished(ctx, rec.ID, time.Now()); err != nil {
			// Next pass republishes; consumers dedupe on MessageId.
			p.logger.WithError(err).Error("failed to mark outbox record published")
		}
	}
}
