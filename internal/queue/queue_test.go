package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/datamask/internal/lifecycle"
)

func TestTaskEncoding(t *testing.T) {
	task := NewTask(42, "voip")
	if task.ID == "" {
		t.Fatal("Task id not set")
	}

	data, err := task.Encode()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeTask(data)
	if err != nil {
		t.Fatalf("DecodeTask failed: %v", err)
	}
	if decoded.ID != task.ID || decoded.FileID != 42 || decoded.Product != "voip" {
		t.Errorf("Unexpected task %+v", decoded)
	}

	for _, payload := range []string{"not json", `{"id":"x"}`, `{"file_id":-1}`} {
		if _, err := DecodeTask([]byte(payload)); err == nil {
			t.Errorf("Expected error for %q", payload)
		}
	}
}

type chanSource struct {
	tasks chan *Task
}

func (s *chanSource) Pop(ctx context.Context) (*Task, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case task := <-s.tasks:
		return task, nil
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

type recordingProcessor struct {
	mu      sync.Mutex
	seen    map[int64]string
	results map[int64]error
	done    chan struct{}
}

func (p *recordingProcessor) ProcessProduct(ctx context.Context, fileID int64, product string) (*lifecycle.LogicalFile, error) {
	p.mu.Lock()
	p.seen[fileID] = product
	err := p.results[fileID]
	p.mu.Unlock()
	p.done <- struct{}{}

	f := &lifecycle.LogicalFile{ID: fileID, Filename: "f", Status: lifecycle.StatusDone}
	if err != nil {
		if errors.Is(err, lifecycle.ErrAlreadyStarted) {
			return nil, err
		}
		f.Status = lifecycle.StatusError
	}
	return f, err
}

func TestWorkerPool(t *testing.T) {
	source := &chanSource{tasks: make(chan *Task, 8)}
	processor := &recordingProcessor{
		seen: make(map[int64]string),
		results: map[int64]error{
			2: errors.New("boom"),
			3: lifecycle.ErrAlreadyStarted,
		},
		done: make(chan struct{}, 8),
	}
	pool := NewWorkerPool(source, processor, 3, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(finished)
	}()

	for _, id := range []int64{1, 2, 3, 4} {
		task := NewTask(id, "default")
		source.tasks <- &task
	}
	for i := 0; i < 4; i++ {
		select {
		case <-processor.done:
		case <-time.After(5 * time.Second):
			t.Fatal("Timed out waiting for tasks")
		}
	}

	cancel()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("Pool did not stop")
	}

	if len(processor.seen) != 4 || processor.seen[4] != "default" {
		t.Errorf("Unexpected processed set %v", processor.seen)
	}
	stats := pool.Stats()
	if stats.Processed != 2 || stats.Failed != 1 || stats.Skipped != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

type failingSource struct {
	calls int
	mu    sync.Mutex
}

func (s *failingSource) Pop(ctx context.Context) (*Task, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return nil, errors.New("connection refused")
}

func TestWorkerPoolBacksOffOnSourceErrors(t *testing.T) {
	source := &failingSource{}
	pool := NewWorkerPool(source, nil, 1, zap.NewNop())
	pool.backoff = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	pool.Run(ctx)

	source.mu.Lock()
	defer source.mu.Unlock()
	if source.calls < 1 || source.calls > 4 {
		t.Errorf("Expected a handful of attempts with backoff, got %d", source.calls)
	}
}

func TestNewRedisQueueKey(t *testing.T) {
	q := NewRedisQueue(nil, Config{KeyPrefix: "datamask"}, zap.NewNop())
	if q.key != "datamask:tasks" {
		t.Errorf("Unexpected key %q", q.key)
	}
	if q.poll != 5*time.Second {
		t.Errorf("Unexpected poll timeout %v", q.poll)
	}

	q = NewRedisQueue(nil, Config{Key: "jobs", PollTimeout: time.Second}, zap.NewNop())
	if q.key != "jobs" || q.poll != time.Second {
		t.Errorf("Unexpected queue %q %v", q.key, q.poll)
	}
}
