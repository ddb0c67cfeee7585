package worker

import (
	"context"
	"log"
	"time"

	"github.com/brightlist/media-pipeline/internal/queue"
	"github.com/brightlist/media-pipeline/internal/service"
)

// RetryProcessor consumes scheduled retry messages and resubmits jobs
// through the normal submission path, so every retry re-runs the circuit
// breaker check.
type RetryProcessor struct {
	consumer   queue.Consumer
	submission *service.SubmissionService
	logger     *log.Logger

	// Base delay before a resubmission, multiplied by the attempt number.
	// The real backpressure comes from the breaker; this only keeps a
	// fast-failing provider from being hammered between callbacks.
	attemptDelay time.Duration
}

func NewRetryProcessor(
	consumer queue.Consumer,
	submission *service.SubmissionService,
	attemptDelay time.Duration,
	logger *log.Logger,
) *RetryProcessor {
	if attemptDelay < 0 {
		attemptDelay = 0
	}
	return &RetryProcessor{
		consumer:     consumer,
		submission:   submission,
		logger:       logger,
		attemptDelay: attemptDelay,
	}
}

func (p *RetryProcessor) Start(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consumer.Consume(ctx, p.processMessage)
		if err == nil || ctx.Err() != nil {
			return
		}
		if p.logger != nil {
			p.logger.Printf("retry consume loop error: %v", err)
		}

		timer := time.NewTimer(2 * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *RetryProcessor) processMessage(ctx context.Context, message queue.RetryMessage) error {
	if delay := time.Duration(message.Attempt) * p.attemptDelay; delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := p.submission.Resubmit(ctx, message.JobID); err != nil {
		return err
	}

	if p.logger != nil {
		p.logger.Printf(
			"retry processed job_id=%s attempt=%d reason=%q",
			message.JobID, message.Attempt, message.Reason,
		)
	}
	return nil
}
