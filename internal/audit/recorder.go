package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"payfort-service/internal/db"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	ActionReceivedResponse      = "received_gateway_response"
	ActionBadResponseSignature  = "bad_response_signature"
	ActionResponseInvalidOrder  = "response_for_invalid_order"
	ActionResponseInvalidData   = "response_invalid_format"
	ActionDuplicateTransaction  = "duplicate_transaction_detected"
	ActionTransactionRolledBack = "transaction_rolled_back"
	ActionOrderFulfilled        = "order_fulfilled"
)

var (
	auditStoredCounter       = metrics.GetOrCreateCounter(`audit_events_total{result="stored"}`)
	auditStoreErrorCounter   = metrics.GetOrCreateCounter(`audit_events_total{result="store_failed"}`)
	auditPublishErrorCounter = metrics.GetOrCreateCounter(`audit_events_total{result="publish_failed"}`)
)

type event struct {
	ID      uuid.UUID      `json:"id"`
	Action  string         `json:"action"`
	OrderID *int64         `json:"orderId,omitempty"`
	Gateway string         `json:"gateway"`
	Context map[string]any `json:"context,omitempty"`
	At      time.Time      `json:"at"`
}

// Recorder appends audit events to the database and, when a writer is
// configured, mirrors them to Kafka for downstream reconciliation. Both sinks
// are fire-and-forget: a failed audit write never fails the callback flow.
type Recorder struct {
	repo    *db.AuditRepository
	writer  *kafka.Writer
	gateway string
	logger  *slog.Logger
}

func NewRecorder(repo *db.AuditRepository, writer *kafka.Writer, gateway string, logger *slog.Logger) *Recorder {
	return &Recorder{
		repo:    repo,
		writer:  writer,
		gateway: gateway,
		logger:  logger,
	}
}

func (r *Recorder) Record(ctx context.Context, action string, orderID *int64, eventContext map[string]any) {
	contextBytes, err := json.Marshal(eventContext)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error marshalling audit context", "action", action, "error", err)
		contextBytes = nil
	}

	entity := &db.AuditEventEntity{
		ID:      uuid.New(),
		Action:  action,
		OrderID: orderID,
		Gateway: r.gateway,
		Context: contextBytes,
	}

	if _, err := r.repo.Create(ctx, entity); err != nil {
		r.logger.ErrorContext(ctx, "Error storing audit event", "action", action, "error", err)
		auditStoreErrorCounter.Inc()
	} else {
		auditStoredCounter.Inc()
	}

	r.publish(ctx, entity, eventContext)
}

func (r *Recorder) publish(ctx context.Context, entity *db.AuditEventEntity, eventContext map[string]any) {
	if r.writer == nil {
		return
	}

	messageBytes, err := json.Marshal(event{
		ID:      entity.ID,
		Action:  entity.Action,
		OrderID: entity.OrderID,
		Gateway: entity.Gateway,
		Context: eventContext,
		At:      time.Now(),
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "Error marshalling audit event", "action", entity.Action, "error", err)
		auditPublishErrorCounter.Inc()
		return
	}

	// key by order so events for one order stay ordered per partition
	key := entity.Action
	if entity.OrderID != nil {
		key = entity.Gateway + "-" + strconv.FormatInt(*entity.OrderID, 10)
	}

	err = r.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: messageBytes,
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "Error publishing audit event", "action", entity.Action, "error", err)
		auditPublishErrorCounter.Inc()
	}
}
