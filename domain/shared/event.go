package shared

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DomainEvent 领域事件
// AggregateID 在提交事务内读取，因此新建聚合的事件也能拿到存储分配的 ID
type DomainEvent interface {
	EventType() string
	AggregateType() string
	AggregateID() int64
	OccurredAt() time.Time
	Payload() any
}

// EventRecorder is implemented by entities that raise domain events.
// The unit of work saves pending events to the outbox in the commit transaction and
// clears them only after the commit succeeds.
type EventRecorder interface {
	Events() []DomainEvent
	ClearEvents()
}

// Recorder is embedded by aggregates to collect events.
type Recorder struct {
	events []DomainEvent
}

func (r *Recorder) Record(event DomainEvent) {
	r.events = append(r.events, event)
}

func (r *Recorder) Events() []DomainEvent {
	events := make([]DomainEvent, len(r.events))
	copy(events, r.events)
	return events
}

func (r *Recorder) ClearEvents() {
	r.events = nil
}

// OutboxStatus outbox 事件状态
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"
)

// OutboxEvent 事务性 outbox 记录，与业务数据在同一事务中写入
type OutboxEvent struct {
	Model
	EventID       string       `gorm:"size:64;uniqueIndex;not null" json:"event_id"`
	AggregateType string       `gorm:"size:64;index:idx_outbox_aggregate;not null" json:"aggregate_type"`
	AggregateID   int64        `gorm:"index:idx_outbox_aggregate;not null" json:"aggregate_id"`
	EventType     string       `gorm:"size:100;index;not null" json:"event_type"`
	Payload       string       `gorm:"type:text;not null" json:"payload"`
	Status        OutboxStatus `gorm:"size:20;index;not null" json:"status"`
	Attempts      int          `gorm:"not null;default:0" json:"attempts"`
	OccurredAt    time.Time    `gorm:"precision:6;not null" json:"occurred_at"`
	PublishedAt   *time.Time   `gorm:"precision:6" json:"published_at,omitempty"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }

func (*OutboxEvent) EntityName() string { return "outbox_event" }

// NewOutboxEvent serializes a domain event into a pending outbox record.
func NewOutboxEvent(event DomainEvent) (*OutboxEvent, error) {
	if event == nil {
		return nil, fmt.Errorf("event cannot be nil")
	}
	if event.EventType() == "" {
		return nil, fmt.Errorf("event type cannot be empty")
	}
	if event.AggregateID() <= 0 {
		return nil, fmt.Errorf("event %s has no aggregate id", event.EventType())
	}

	payload, err := json.Marshal(event.Payload())
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event.EventType(), err)
	}

	return &OutboxEvent{
		EventID:       uuid.NewString(),
		AggregateType: event.AggregateType(),
		AggregateID:   event.AggregateID(),
		EventType:     event.EventType(),
		Payload:       string(payload),
		Status:        OutboxPending,
		OccurredAt:    event.OccurredAt(),
	}, nil
}

// MarkPublished 标记为已发布
func (e *OutboxEvent) MarkPublished(at time.Time) {
	e.Status = OutboxPublished
	e.PublishedAt = &at
}

// MarkAttemptFailed records a failed publish; the event is parked as FAILED once
// maxAttempts is reached.
func (e *OutboxEvent) MarkAttemptFailed(maxAttempts int) {
	e.Attempts++
	if e.Attempts >= maxAttempts {
		e.Status = OutboxFailed
	}
}
