// Package queue serializes sync runs per repository, branch and connection
// while running different keys concurrently.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	metasyncd "github.com/schaermu/metasyncd/internal/sync"
)

// ErrClosed is returned for work submitted to or still pending in a closed queue.
var ErrClosed = errors.New("queue closed")

// Key identifies a lane of the queue. At most one run per key is in flight.
type Key struct {
	Repository string
	Branch     string
	Connection string
}

// KeyOf returns the lane a request belongs to.
func KeyOf(req metasyncd.CommitRequest) Key {
	return Key{
		Repository: req.Repository,
		Branch:     req.Target.Branch,
		Connection: req.Target.Connection,
	}
}

func (k Key) String() string {
	s := k.Repository + "@" + k.Branch
	if k.Connection != "" {
		s += "/" + k.Connection
	}
	return s
}

// Runner executes one commit request.
type Runner interface {
	Run(ctx context.Context, req metasyncd.CommitRequest) error
}

// FuncRunner runs requests in-process. A panic is returned as an error.
type FuncRunner func(ctx context.Context, req metasyncd.CommitRequest) error

func (f FuncRunner) Run(ctx context.Context, req metasyncd.CommitRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run panicked: %v", r)
		}
	}()
	return f(ctx, req)
}

// Ticket tracks one submitted request
type Ticket struct {
	Key Key
	Req metasyncd.CommitRequest

	done chan struct{}
	err  error
}

func newTicket(key Key, req metasyncd.CommitRequest) *Ticket {
	return &Ticket{Key: key, Req: req, done: make(chan struct{})}
}

func (t *Ticket) finish(err error) {
	t.err = err
	close(t.done)
}

// Done is closed once the request ran or was dropped.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the request finished and returns its error.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return t.err
	}
}

type lane struct {
	pending []*Ticket
	running *Ticket
	cancel  context.CancelFunc
}

// Queue dispatches requests to a Runner.
type Queue struct {
	runner Runner
	sem    *semaphore.Weighted
	logger *slog.Logger

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex // guards lanes and closed
	lanes  map[Key]*lane
	closed bool
}

// New creates a queue running at most maxConcurrent requests at once.
func New(runner Runner, maxConcurrent int, logger *slog.Logger) *Queue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Queue{
		runner: runner,
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		logger: logger,
		ctx:    ctx,
		stop:   stop,
		lanes:  make(map[Key]*lane),
	}
}

// Submit enqueues a request and returns immediately.
func (q *Queue) Submit(req metasyncd.CommitRequest) *Ticket {
	key := KeyOf(req)
	t := newTicket(key, req)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		t.finish(ErrClosed)
		return t
	}

	l, ok := q.lanes[key]
	if !ok {
		l = &lane{}
		q.lanes[key] = l
	}
	l.pending = append(l.pending, t)
	if l.running == nil {
		q.dispatch(key, l)
	} else {
		q.logger.Info("run already in progress, queued request", "key", key.String(), "pending", len(l.pending))
	}
	return t
}

// dispatch starts the next pending ticket of a lane. q.mu must be held.
func (q *Queue) dispatch(key Key, l *lane) {
	t := l.pending[0]
	l.pending = l.pending[1:]
	ctx, cancel := context.WithCancel(q.ctx)
	l.running, l.cancel = t, cancel

	q.wg.Add(1)
	go q.work(ctx, key, l, t)
}

func (q *Queue) work(ctx context.Context, key Key, l *lane, t *Ticket) {
	defer q.wg.Done()

	err := q.sem.Acquire(ctx, 1)
	if err == nil {
		q.logger.Info("starting run", "key", key.String())
		err = q.runner.Run(ctx, t.Req)
		q.sem.Release(1)
	}
	if err != nil {
		q.logger.Error("run failed", "key", key.String(), "error", err)
	} else {
		q.logger.Info("run finished", "key", key.String())
	}

	q.mu.Lock()
	l.cancel()
	l.running, l.cancel = nil, nil
	switch {
	case len(l.pending) > 0 && !q.closed:
		q.dispatch(key, l)
	case len(l.pending) == 0:
		delete(q.lanes, key)
	}
	q.mu.Unlock()

	t.finish(err)
}

// Pending returns the number of queued requests of a key, excluding the
// running one.
func (q *Queue) Pending(key Key) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[key]; ok {
		return len(l.pending)
	}
	return 0
}

// Running reports whether a run of key is in flight.
func (q *Queue) Running(key Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[key]
	return ok && l.running != nil
}

// Cancel cancels the in-flight run of key. Pending requests stay queued.
func (q *Queue) Cancel(key Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[key]
	if !ok || l.cancel == nil {
		return false
	}
	q.logger.Warn("cancelling run", "key", key.String())
	l.cancel()
	return true
}

// Close drops pending requests and waits for running ones. When ctx ends
// first, running requests are cancelled.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	var dropped []*Ticket
	for key, l := range q.lanes {
		dropped = append(dropped, l.pending...)
		l.pending = nil
		if l.running == nil {
			delete(q.lanes, key)
		}
	}
	q.mu.Unlock()

	for _, t := range dropped {
		t.finish(ErrClosed)
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.stop()
		return nil
	case <-ctx.Done():
		q.stop()
		<-done
		return ctx.Err()
	}
}
