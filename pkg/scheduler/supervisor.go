package scheduler

import (
	"context"
	"log/slog"
	"sync"
)

// Supervisor tracks background passes so shutdown (and tests) can wait for
// them to drain. Panics in a pass are recovered and logged rather than
// crashing the process.
type Supervisor struct {
	logger *slog.Logger

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// NewSupervisor creates a supervisor.
func NewSupervisor(logger *slog.Logger) *Supervisor {
	return &Supervisor{logger: logger}
}

// Go runs fn on a new goroutine tracked by the supervisor. After Shutdown, Go
// is a no-op and reports false.
func (s *Supervisor) Go(ctx context.Context, name string, fn func(ctx context.Context)) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("background pass panicked", "pass", name, "panic", r)
			}
		}()
		fn(ctx)
	}()
	return true
}

// Wait blocks until all currently running passes finish.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Shutdown stops accepting new passes and waits for running ones.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}
