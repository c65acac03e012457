package events

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"kanban-api/domain"
)

// QueuePublisher appends events to an Azure Storage queue for downstream
// consumers.
type QueuePublisher struct {
	queue *azqueue.QueueClient
}

func NewQueuePublisher(queue *azqueue.QueueClient) *QueuePublisher {
	return &QueuePublisher{queue: queue}
}

func (p *QueuePublisher) Publish(ctx context.Context, ev domain.Event) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = p.queue.EnqueueMessage(ctx, string(data), nil)
	return err
}
