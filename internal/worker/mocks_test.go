package worker_test

import (
	"context"
	"sync"

	"convoline.app/worker/internal/chat"
	"convoline.app/worker/internal/queue"
)

// mockQueue records queue side effects in memory.
type mockQueue struct {
	mu sync.Mutex

	readFn    func(ctx context.Context) ([]queue.Message, error)
	ackFn     func(ctx context.Context, msg queue.Message) error
	requeueFn func(ctx context.Context, msg queue.Message, errMsg string) error
	sendDLQFn func(ctx context.Context, msg queue.Message, errMsg string) error

	acked    []string
	requeued []string
	dlq      []string
}

func (m *mockQueue) Read(ctx context.Context) ([]queue.Message, error) {
	if m.readFn != nil {
		return m.readFn(ctx)
	}
	return nil, nil
}

func (m *mockQueue) Ack(ctx context.Context, msg queue.Message) error {
	if m.ackFn != nil {
		return m.ackFn(ctx, msg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, msg.ID)
	return nil
}

func (m *mockQueue) Requeue(ctx context.Context, msg queue.Message, errMsg string) error {
	if m.requeueFn != nil {
		return m.requeueFn(ctx, msg, errMsg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requeued = append(m.requeued, msg.ID)
	return nil
}

func (m *mockQueue) SendDLQ(ctx context.Context, msg queue.Message, errMsg string) error {
	if m.sendDLQFn != nil {
		return m.sendDLQFn(ctx, msg, errMsg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dlq = append(m.dlq, msg.ID)
	return nil
}

// mockHandler implements worker.RecordHandler.
type mockHandler struct {
	handleFn func(ctx context.Context, env chat.Envelope) error
	handled  []chat.Envelope
}

func (m *mockHandler) Handle(ctx context.Context, env chat.Envelope) error {
	m.handled = append(m.handled, env)
	if m.handleFn != nil {
		return m.handleFn(ctx, env)
	}
	return nil
}
