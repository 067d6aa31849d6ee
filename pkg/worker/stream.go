package worker

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linuxmuster/lmn-authority/internal/logger"
)

// Stream and consumer group names. Producers push jobs onto StreamName;
// permanently failed jobs land on DLQStream.
const (
	StreamName    = "linbo:jobs"
	ConsumerGroup = "dc-workers"
	DLQStream     = "linbo:jobs:dlq"

	blockTimeout = 5 * time.Second
	batchSize    = 10
	minIdleTime  = 5 * time.Minute
)

// Job is one message read from the job stream.
type Job struct {
	ID     string
	Fields map[string]string
}

// Type returns the job type field.
func (j Job) Type() string { return j.Fields["type"] }

// OperationID returns the operation id field.
func (j Job) OperationID() string { return j.Fields["operation_id"] }

// StreamClient wraps the Redis connection and the consumer group
// operations the worker needs.
type StreamClient struct {
	client   *redis.Client
	consumer string
}

// NewStreamClient creates a stream client for the given Redis address.
func NewStreamClient(addr, password string, db int, consumer string) *StreamClient {
	return &StreamClient{
		client: redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     password,
			DB:           db,
			DialTimeout:  10 * time.Second,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}),
		consumer: consumer,
	}
}

// Ping verifies the connection.
func (s *StreamClient) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying connection.
func (s *StreamClient) Close() error {
	return s.client.Close()
}

// EnsureGroup creates the consumer group, creating the stream if needed.
// An already existing group is not an error.
func (s *StreamClient) EnsureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, StreamName, ConsumerGroup, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			logger.Debug("consumer group already exists", "group", ConsumerGroup)
			return nil
		}
		return err
	}
	logger.Info("created consumer group", "group", ConsumerGroup)
	return nil
}

// ReadJobs blocks up to the block timeout waiting for new jobs.
func (s *StreamClient) ReadJobs(ctx context.Context) ([]Job, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: s.consumer,
		Streams:  []string{StreamName, ">"},
		Count:    batchSize,
		Block:    blockTimeout,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	return flatten(streams), nil
}

// DrainJobs reads up to count pending jobs without blocking. Drained jobs
// stay in the pending entries list until acknowledged.
func (s *StreamClient) DrainJobs(ctx context.Context, count int) ([]Job, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: s.consumer,
		Streams:  []string{StreamName, ">"},
		Count:    int64(count),
		Block:    -1,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	return flatten(streams), nil
}

// Ack acknowledges one processed job.
func (s *StreamClient) Ack(ctx context.Context, msgID string) {
	if err := s.client.XAck(ctx, StreamName, ConsumerGroup, msgID).Err(); err != nil {
		logger.Error("failed to ack job", "msg_id", msgID, logger.KeyError, err)
	}
}

// AckBatch acknowledges multiple jobs at once.
func (s *StreamClient) AckBatch(ctx context.Context, msgIDs []string) {
	if len(msgIDs) == 0 {
		return
	}
	if err := s.client.XAck(ctx, StreamName, ConsumerGroup, msgIDs...).Err(); err != nil {
		logger.Error("failed to ack batch", "count", len(msgIDs), logger.KeyError, err)
	}
}

// MoveToDLQ copies a failed job onto the dead letter stream with the
// final error attached.
func (s *StreamClient) MoveToDLQ(ctx context.Context, job Job, lastError string) {
	fields := make(map[string]any, len(job.Fields)+2)
	for k, v := range job.Fields {
		fields[k] = v
	}
	fields["last_error"] = lastError
	fields["failed_at"] = time.Now().UTC().Format(time.RFC3339)

	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DLQStream,
		Values: fields,
	}).Err(); err != nil {
		logger.Error("failed to move job to DLQ", "msg_id", job.ID, logger.KeyError, err)
	}
}

// ClaimStuck claims jobs pending on other consumers for longer than the
// idle threshold.
func (s *StreamClient) ClaimStuck(ctx context.Context) []Job {
	messages, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   StreamName,
		Group:    ConsumerGroup,
		Consumer: s.consumer,
		MinIdle:  minIdleTime,
		Start:    "0-0",
		Count:    batchSize,
	}).Result()
	if err != nil {
		logger.Warn("error claiming stuck jobs", logger.KeyError, err)
		return nil
	}

	jobs := make([]Job, 0, len(messages))
	for _, msg := range messages {
		jobs = append(jobs, toJob(msg))
	}
	return jobs
}

func flatten(streams []redis.XStream) []Job {
	var jobs []Job
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			jobs = append(jobs, toJob(msg))
		}
	}
	return jobs
}

func toJob(msg redis.XMessage) Job {
	fields := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		if s, ok := v.(string); ok {
			fields[k] = s
		}
	}
	return Job{ID: msg.ID, Fields: fields}
}
