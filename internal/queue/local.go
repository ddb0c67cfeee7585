package queue

import (
	"context"
	"log"
	"sync"
	"time"
)

// LocalQueue is a fallback retry queue used when Redis is not configured.
type LocalQueue struct {
	ch          chan RetryMessage
	maxAttempts int
	logger      *log.Logger

	dlqMu sync.Mutex
	dlq   []RetryMessage
}

func NewLocalQueue(bufferSize, maxAttempts int, logger *log.Logger) *LocalQueue {
	if bufferSize <= 0 {
		bufferSize = 512
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &LocalQueue{
		ch:          make(chan RetryMessage, bufferSize),
		maxAttempts: maxAttempts,
		logger:      logger,
		dlq:         make([]RetryMessage, 0),
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, message RetryMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- message:
		return nil
	}
}

func (q *LocalQueue) Consume(ctx context.Context, handler func(context.Context, RetryMessage) error) error {
	deliveries := make(map[string]int)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message := <-q.ch:
			err := handler(ctx, message)
			if err == nil {
				delete(deliveries, message.JobID)
				continue
			}

			deliveries[message.JobID]++
			if deliveries[message.JobID] >= q.maxAttempts {
				delete(deliveries, message.JobID)
				q.dlqMu.Lock()
				q.dlq = append(q.dlq, message)
				q.dlqMu.Unlock()
				if q.logger != nil {
					q.logger.Printf("local retry queue moved message to DLQ job_id=%s err=%v", message.JobID, err)
				}
				continue
			}

			delay := time.Duration(deliveries[message.JobID]) * 500 * time.Millisecond
			go func(redelivery RetryMessage) {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-ctx.Done():
					return
				case <-timer.C:
					q.ch <- redelivery
				}
			}(message)
		}
	}
}

func (q *LocalQueue) DLQSize() int {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	return len(q.dlq)
}
