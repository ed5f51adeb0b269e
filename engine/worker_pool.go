// Package engine provides the bounded worker pool that runs caller-supplied
// verification functions off the consensus coordination path.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWorkers is the default pool width for local verification.
const DefaultWorkers = 8

// Common errors for pool operations
var (
	ErrPoolShutdown = errors.New("verify pool is shut down")
	ErrQueueFull    = errors.New("verify queue is full")
	ErrNoVerifyFunc = errors.New("no verify function defined")
)

// VerifyFunc is the caller-supplied verification check. It receives the
// opaque payload and returns the node's boolean vote.
type VerifyFunc func(payload map[string]interface{}) (bool, error)

// Job is a single local verification to be run on the pool.
type Job struct {
	ID      string
	Payload map[string]interface{}
	Run     VerifyFunc
	Ctx     context.Context

	done chan *JobResult
}

// NewJob creates a verification job with its own result channel.
func NewJob(id string, payload map[string]interface{}, run VerifyFunc) *Job {
	return &Job{
		ID:      id,
		Payload: payload,
		Run:     run,
		Ctx:     context.Background(),
		done:    make(chan *JobResult, 1),
	}
}

// Wait blocks until the job's result is available or the context expires.
func (j *Job) Wait(ctx context.Context) (*JobResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-j.done:
		return res, nil
	}
}

// JobResult is the outcome of one verification job.
type JobResult struct {
	JobID    string
	Passed   bool
	Err      error
	Duration time.Duration
	WorkerID int
}

// PoolStats contains verify pool statistics.
type PoolStats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Pending   int    `json:"pending"`
}

// VerifyPool is a fixed-width pool of goroutine workers. The caller-supplied
// verification function may be CPU-bound and of unbounded duration; bounding
// the width keeps a slow check from stalling concurrent verifications for
// other requests.
type VerifyPool struct {
	name    string
	workers int
	jobChan chan *Job
	wg      sync.WaitGroup

	// Atomic counters for thread-safe statistics
	active    int64
	completed int64
	failed    int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.RWMutex
}

// NewVerifyPool creates a verify pool with the specified number of workers.
func NewVerifyPool(name string, workers int) *VerifyPool {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &VerifyPool{
		name:    name,
		workers: workers,
		jobChan: make(chan *Job, workers*100),
		ctx:     ctx,
		cancel:  cancel,
		running: true,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	return pool
}

// worker is the goroutine that runs verification jobs.
func (p *VerifyPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.jobChan:
			if !ok {
				return
			}
			p.runJob(id, job)
		}
	}
}

// runJob executes a single verification and delivers its result.
func (p *VerifyPool) runJob(workerID int, job *Job) {
	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)

	start := time.Now()

	result := &JobResult{
		JobID:    job.ID,
		WorkerID: workerID,
	}

	// A panicking verification function must not take the pool down; it
	// surfaces as a failed job, which the bridge turns into a false vote.
	defer func() {
		if r := recover(); r != nil {
			result.Passed = false
			result.Err = errors.New("panic in verify function: " + panicToString(r))
			result.Duration = time.Since(start)
			atomic.AddInt64(&p.failed, 1)
			job.done <- result
		}
	}()

	if job.Ctx != nil {
		select {
		case <-job.Ctx.Done():
			result.Err = job.Ctx.Err()
			result.Duration = time.Since(start)
			atomic.AddInt64(&p.failed, 1)
			job.done <- result
			return
		default:
		}
	}

	if job.Run != nil {
		passed, err := job.Run(job.Payload)
		result.Passed = passed
		result.Err = err
	} else {
		result.Err = ErrNoVerifyFunc
	}

	result.Duration = time.Since(start)

	if result.Err == nil {
		atomic.AddInt64(&p.completed, 1)
	} else {
		atomic.AddInt64(&p.failed, 1)
	}

	job.done <- result
}

// panicToString converts a recovered panic value to a string.
func panicToString(r interface{}) string {
	switch v := r.(type) {
	case string:
		return v
	case error:
		return v.Error()
	default:
		return "unknown panic"
	}
}

// Submit queues a job for verification.
func (p *VerifyPool) Submit(job *Job) error {
	p.mu.RLock()
	running := p.running
	p.mu.RUnlock()

	if !running {
		return ErrPoolShutdown
	}

	select {
	case p.jobChan <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitAndWait submits a job and waits for its result within the timeout.
func (p *VerifyPool) SubmitAndWait(job *Job, timeout time.Duration) (*JobResult, error) {
	if err := p.Submit(job); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return job.Wait(ctx)
}

// GetStats returns current pool statistics.
func (p *VerifyPool) GetStats() PoolStats {
	return PoolStats{
		Name:      p.name,
		Workers:   p.workers,
		Active:    atomic.LoadInt64(&p.active),
		Completed: atomic.LoadInt64(&p.completed),
		Failed:    atomic.LoadInt64(&p.failed),
		Pending:   len(p.jobChan),
	}
}

// Shutdown gracefully shuts down the pool. Safe to call more than once.
func (p *VerifyPool) Shutdown() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	close(p.jobChan)
	p.wg.Wait()
}

// ShutdownWithTimeout shuts down, waiting at most timeout for workers.
func (p *VerifyPool) ShutdownWithTimeout(timeout time.Duration) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	close(p.jobChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("shutdown timeout")
	}
}

// IsRunning returns true if the pool is still accepting jobs.
func (p *VerifyPool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}
