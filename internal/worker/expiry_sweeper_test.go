package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exam-session-backend/internal/config"
	"github.com/stemsi/exam-session-backend/internal/lock"
)

type scriptedSweeper struct {
	mu      sync.Mutex
	results []int
	err     error
	calls   int
	limits  []int
}

func (s *scriptedSweeper) SweepExpired(_ context.Context, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = append(s.limits, limit)
	if s.calls >= len(s.results) {
		s.calls++
		return 0, s.err
	}
	n := s.results[s.calls]
	s.calls++
	return n, nil
}

func (s *scriptedSweeper) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestExpirySweeper_RunOnceDrainsFullBatches(t *testing.T) {
	sw := &scriptedSweeper{results: []int{3, 3, 1}}
	w := NewExpirySweeper(sw, lock.NewKeyedMutex(), time.Minute, 3, zerolog.Nop())

	got := w.RunOnce(context.Background())
	if got != 7 {
		t.Fatalf("expected 7 expired, got %d", got)
	}
	if sw.callCount() != 3 {
		t.Fatalf("expected 3 sweep calls, got %d", sw.callCount())
	}
	for _, l := range sw.limits {
		if l != 3 {
			t.Fatalf("expected batch limit 3, got %d", l)
		}
	}
}

func TestExpirySweeper_RunOnceStopsOnError(t *testing.T) {
	sw := &scriptedSweeper{results: []int{2}, err: errors.New("db down")}
	w := NewExpirySweeper(sw, lock.NewKeyedMutex(), time.Minute, 2, zerolog.Nop())

	if got := w.RunOnce(context.Background()); got != 2 {
		t.Fatalf("expected 2 expired before the error, got %d", got)
	}
	if sw.callCount() != 2 {
		t.Fatalf("expected 2 sweep calls, got %d", sw.callCount())
	}
}

func TestExpirySweeper_SkipsWhenLockHeld(t *testing.T) {
	locker := lock.NewKeyedMutex()
	unlock, err := locker.Lock(context.Background(), config.CacheKey.ExpirySweepLockKey())
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	sw := &scriptedSweeper{results: []int{1}}
	w := NewExpirySweeper(sw, locker, time.Minute, 10, zerolog.Nop())

	if got := w.RunOnce(context.Background()); got != 0 {
		t.Fatalf("expected no work while the lock is held, got %d", got)
	}
	if sw.callCount() != 0 {
		t.Fatalf("sweeper should not run, got %d calls", sw.callCount())
	}
}

func TestExpirySweeper_StartStopsOnCancel(t *testing.T) {
	sw := &scriptedSweeper{}
	w := NewExpirySweeper(sw, lock.NewKeyedMutex(), 10*time.Millisecond, 5, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for sw.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("sweeper never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
