package reconciler

import (
	"context"
	"sync"
	"testing"

	"reward-ledger-go/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

type recordingAcknowledger struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
}

func (a *recordingAcknowledger) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *recordingAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeue = requeue
	return nil
}

func (a *recordingAcknowledger) Reject(_ uint64, requeue bool) error {
	return a.Nack(0, false, requeue)
}

type queueProcessor struct {
	result models.ProcessResult
	paths  []string
}

func (p *queueProcessor) Process(ctx context.Context, event models.ExternalPurchaseEvent) models.ProcessResult {
	if dc := models.GetDeliveryContext(ctx); dc != nil {
		p.paths = append(p.paths, dc.Path)
	}
	return p.result
}

func delivery(body string, ack amqp.Acknowledger) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, Body: []byte(body), MessageId: "m-1"}
}

func TestHandleDeliveryAcksProcessed(t *testing.T) {
	processor := &queueProcessor{result: models.ProcessResult{Outcome: models.OutcomeCredited}}
	consumer := NewQueueConsumer(QueueConfig{Queue: "purchases"}, NewGenericAdapter("generic", nil), processor)
	ack := &recordingAcknowledger{}

	consumer.HandleDelivery(context.Background(), delivery(`{"id": "q-1", "amount": "2", "status": "completed"}`, ack))

	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 0, ack.nacks)
	assert.Equal(t, []string{"queue"}, processor.paths)
}

func TestHandleDeliveryDropsMalformed(t *testing.T) {
	processor := &queueProcessor{}
	consumer := NewQueueConsumer(QueueConfig{Queue: "purchases"}, NewGenericAdapter("generic", nil), processor)
	ack := &recordingAcknowledger{}

	consumer.HandleDelivery(context.Background(), delivery(`{broken`, ack))

	assert.Equal(t, 1, ack.nacks)
	assert.False(t, ack.requeue)
	assert.Empty(t, processor.paths)
}

func TestHandleDeliveryRequeuesRetryable(t *testing.T) {
	processor := &queueProcessor{result: models.ProcessResult{Outcome: models.OutcomeFailed, Retryable: true}}
	consumer := NewQueueConsumer(QueueConfig{Queue: "purchases"}, NewGenericAdapter("generic", nil), processor)
	ack := &recordingAcknowledger{}

	consumer.HandleDelivery(context.Background(), delivery(`{"events": [{"id": "q-1", "amount": "1", "status": "completed"}]}`, ack))

	assert.Equal(t, 1, ack.nacks)
	assert.True(t, ack.requeue)
}

func TestHandleDeliveryAcksUnmatched(t *testing.T) {
	processor := &queueProcessor{result: models.ProcessResult{Outcome: models.OutcomeUnmatched}}
	consumer := NewQueueConsumer(QueueConfig{Queue: "purchases"}, NewGenericAdapter("generic", nil), processor)
	ack := &recordingAcknowledger{}

	consumer.HandleDelivery(context.Background(), delivery(`{"id": "q-2", "amount": "1", "status": "completed"}`, ack))

	assert.Equal(t, 1, ack.acks)
}
