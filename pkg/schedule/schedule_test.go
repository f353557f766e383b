package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvery(t *testing.T) {
	s := Every(5 * time.Minute)
	now := time.Now()

	assert.Equal(t, now.Add(5*time.Minute), s.Next(now))
}

func TestEvery_MultipleNext(t *testing.T) {
	s := Every(time.Hour)
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	next1 := s.Next(start)
	next2 := s.Next(next1)

	assert.Equal(t, time.Date(2026, 8, 1, 13, 0, 0, 0, time.UTC), next1)
	assert.Equal(t, time.Date(2026, 8, 1, 14, 0, 0, 0, time.UTC), next2)
}

func TestDaily(t *testing.T) {
	s := Daily(3, 30)
	from := time.Date(2026, 8, 1, 2, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 8, 1, 3, 30, 0, 0, time.UTC), s.Next(from))
}

func TestDaily_NextDay(t *testing.T) {
	s := Daily(3, 30)
	from := time.Date(2026, 8, 1, 4, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 8, 2, 3, 30, 0, 0, time.UTC), s.Next(from))
}

func TestCron(t *testing.T) {
	s := Cron("0 3 * * *")
	from := time.Date(2026, 8, 1, 2, 0, 0, 0, time.UTC)

	next := s.Next(from)
	assert.Equal(t, 3, next.Hour())
	assert.Equal(t, 0, next.Minute())
}

func TestCron_InvalidExpressionPanics(t *testing.T) {
	assert.Panics(t, func() {
		Cron("not a cron expression")
	})
}

func TestRun_FiresAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fired atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(ctx, Every(10*time.Millisecond), func(ctx context.Context) {
			if fired.Add(1) >= 3 {
				cancel()
			}
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}
	assert.GreaterOrEqual(t, fired.Load(), int32(3))
}
