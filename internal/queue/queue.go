// Package queue schedules file processing on a Redis list and drains it with
// a pool of workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Task asks a worker to process one file
type Task struct {
	ID         string    `json:"id"`
	FileID     int64     `json:"file_id"`
	Product    string    `json:"product,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewTask builds a task with a fresh id
func NewTask(fileID int64, product string) Task {
	return Task{
		ID:         uuid.NewString(),
		FileID:     fileID,
		Product:    product,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Encode serializes t for the wire
func (t Task) Encode() ([]byte, error) {
	return json.Marshal(t)
}

// DecodeTask parses a task read from the queue
func DecodeTask(data []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("invalid task payload: %w", err)
	}
	if t.FileID <= 0 {
		return Task{}, fmt.Errorf("invalid task payload: missing file id")
	}
	return t, nil
}

// Config contains the queue settings
type Config struct {
	KeyPrefix   string
	Key         string
	PollTimeout time.Duration
}

// RedisQueue is a FIFO of tasks stored in a Redis list
type RedisQueue struct {
	client *redis.Client
	key    string
	poll   time.Duration
	logger *zap.Logger
}

// NewRedisQueue creates a queue on client
func NewRedisQueue(client *redis.Client, config Config, logger *zap.Logger) *RedisQueue {
	key := config.Key
	if key == "" {
		key = "tasks"
	}
	if config.KeyPrefix != "" {
		key = config.KeyPrefix + ":" + key
	}
	poll := config.PollTimeout
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &RedisQueue{
		client: client,
		key:    key,
		poll:   poll,
		logger: logger,
	}
}

// Enqueue pushes a task for fileID and returns its id
func (q *RedisQueue) Enqueue(ctx context.Context, fileID int64, product string) (string, error) {
	task := NewTask(fileID, product)
	data, err := task.Encode()
	if err != nil {
		return "", err
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	q.logger.Debug("Task enqueued",
		zap.String("task_id", task.ID),
		zap.Int64("file_id", fileID),
		zap.String("product", product))
	return task.ID, nil
}

// Pop waits up to the poll timeout for a task. It returns nil when none
// arrived.
func (q *RedisQueue) Pop(ctx context.Context) (*Task, error) {
	result, err := q.client.BRPop(ctx, q.poll, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BRPOP replies with the key followed by the value
	task, err := DecodeTask([]byte(result[1]))
	if err != nil {
		q.logger.Warn("Dropping malformed task", zap.String("payload", result[1]), zap.Error(err))
		return nil, nil
	}
	return &task, nil
}

// Len returns the number of queued tasks
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
