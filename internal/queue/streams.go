package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type StreamsConfig struct {
	Addr        string
	Password    string
	DB          int
	Stream      string
	DLQStream   string
	Group       string
	Consumer    string
	MaxAttempts int
}

// StreamsQueue implements Producer+Consumer backed by Redis Streams, so
// scheduled retries survive a service restart.
type StreamsQueue struct {
	client      *redis.Client
	stream      string
	dlqStream   string
	group       string
	consumer    string
	maxAttempts int
}

func NewStreamsQueue(ctx context.Context, cfg StreamsConfig) (*StreamsQueue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "hdr_retries"
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = "hdr_retries_dlq"
	}
	if cfg.Group == "" {
		cfg.Group = "hdr_retry_workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "api-1"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	queue := &StreamsQueue{
		client:      client,
		stream:      cfg.Stream,
		dlqStream:   cfg.DLQStream,
		group:       cfg.Group,
		consumer:    cfg.Consumer,
		maxAttempts: cfg.MaxAttempts,
	}
	if err := queue.ensureGroup(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return queue, nil
}

func (q *StreamsQueue) Close() error {
	return q.client.Close()
}

func (q *StreamsQueue) Enqueue(ctx context.Context, message RetryMessage) error {
	_, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: retryMessageValues(message, 0),
	}).Result()
	if err != nil {
		return fmt.Errorf("enqueue retry to stream: %w", err)
	}
	return nil
}

func (q *StreamsQueue) Consume(ctx context.Context, handler func(context.Context, RetryMessage) error) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		for _, stream := range streams {
			for _, item := range stream.Messages {
				message, delivery, parseErr := parseRetryMessage(item)
				if parseErr != nil {
					_ = q.sendToDLQ(ctx, RetryMessage{}, item, parseErr.Error())
					_ = q.ackAndDelete(ctx, item.ID)
					continue
				}

				handleErr := handler(ctx, message)
				if handleErr == nil {
					_ = q.ackAndDelete(ctx, item.ID)
					continue
				}

				delivery++
				if delivery >= q.maxAttempts {
					_ = q.sendToDLQ(ctx, message, item, handleErr.Error())
					_ = q.ackAndDelete(ctx, item.ID)
					continue
				}

				if requeueErr := q.requeue(ctx, message, delivery); requeueErr != nil {
					_ = q.sendToDLQ(ctx, message, item, fmt.Sprintf("requeue failed: %v", requeueErr))
				}
				_ = q.ackAndDelete(ctx, item.ID)
			}
		}
	}
}

func (q *StreamsQueue) requeue(ctx context.Context, message RetryMessage, delivery int) error {
	_, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: retryMessageValues(message, delivery),
	}).Result()
	if err != nil {
		return fmt.Errorf("requeue retry: %w", err)
	}
	return nil
}

func (q *StreamsQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure stream group: %w", err)
}

func (q *StreamsQueue) ackAndDelete(ctx context.Context, streamID string) error {
	if err := q.client.XAck(ctx, q.stream, q.group, streamID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.client.XDel(ctx, q.stream, streamID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

func (q *StreamsQueue) sendToDLQ(
	ctx context.Context,
	message RetryMessage,
	item redis.XMessage,
	errorMessage string,
) error {
	values := map[string]any{
		"stream_id":    item.ID,
		"job_id":       message.JobID,
		"listing_id":   message.ListingID,
		"attempt":      message.Attempt,
		"reason":       message.Reason,
		"error":        errorMessage,
		"moved_at":     time.Now().UTC().Format(time.RFC3339Nano),
		"scheduled_at": message.ScheduledAt.Format(time.RFC3339Nano),
	}
	if _, err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.dlqStream, Values: values}).Result(); err != nil {
		return fmt.Errorf("send retry to dlq: %w", err)
	}
	return nil
}

func retryMessageValues(message RetryMessage, delivery int) map[string]any {
	return map[string]any{
		"job_id":       message.JobID,
		"listing_id":   message.ListingID,
		"attempt":      message.Attempt,
		"reason":       message.Reason,
		"scheduled_at": message.ScheduledAt.Format(time.RFC3339Nano),
		"delivery":     delivery,
	}
}

func parseRetryMessage(item redis.XMessage) (RetryMessage, int, error) {
	getString := func(key string) (string, error) {
		value, ok := item.Values[key]
		if !ok {
			return "", fmt.Errorf("missing field %s", key)
		}
		switch casted := value.(type) {
		case string:
			return casted, nil
		case []byte:
			return string(casted), nil
		default:
			return fmt.Sprintf("%v", casted), nil
		}
	}

	jobID, err := getString("job_id")
	if err != nil {
		return RetryMessage{}, 0, err
	}
	listingID, err := getString("listing_id")
	if err != nil {
		return RetryMessage{}, 0, err
	}
	reason, err := getString("reason")
	if err != nil {
		return RetryMessage{}, 0, err
	}

	attemptString, err := getString("attempt")
	if err != nil {
		return RetryMessage{}, 0, err
	}
	attempt, err := strconv.Atoi(attemptString)
	if err != nil {
		return RetryMessage{}, 0, fmt.Errorf("invalid attempt: %w", err)
	}

	deliveryString, err := getString("delivery")
	if err != nil {
		return RetryMessage{}, 0, err
	}
	delivery, err := strconv.Atoi(deliveryString)
	if err != nil {
		return RetryMessage{}, 0, fmt.Errorf("invalid delivery: %w", err)
	}

	scheduledAtString, err := getString("scheduled_at")
	if err != nil {
		return RetryMessage{}, 0, err
	}
	scheduledAt, err := time.Parse(time.RFC3339Nano, scheduledAtString)
	if err != nil {
		return RetryMessage{}, 0, fmt.Errorf("invalid scheduled_at: %w", err)
	}

	return RetryMessage{
		JobID:       jobID,
		ListingID:   listingID,
		Attempt:     attempt,
		Reason:      reason,
		ScheduledAt: scheduledAt,
	}, delivery, nil
}
