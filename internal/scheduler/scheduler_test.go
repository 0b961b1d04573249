package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GiampaoloGabba/taskengine/internal/cancelreg"
	"github.com/GiampaoloGabba/taskengine/internal/clock"
)

func TestDefault_DrainDue_FiresOnlyPastItems(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	s := NewDefault(fc, cancelreg.New(), time.Second)

	var fired []string
	var mu sync.Mutex
	record := func(name string) EnqueueFunc {
		return func(ctx context.Context) error {
			mu.Lock()
			fired = append(fired, name)
			mu.Unlock()
			return nil
		}
	}

	s.Schedule(uuid.New(), fc.Now().Add(1*time.Second), record("one-second"))
	s.Schedule(uuid.New(), fc.Now().Add(5*time.Second), record("five-seconds"))

	fc.Advance(2 * time.Second)
	s.ctx = context.Background()
	s.drainDue()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one-second"}, fired)
}

func TestDefault_DrainDue_FIFOAtEqualExecutionTime(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	s := NewDefault(fc, cancelreg.New(), time.Second)

	var fired []int
	due := fc.Now().Add(time.Second)
	for i := 0; i < 5; i++ {
		n := i
		s.Schedule(uuid.New(), due, func(ctx context.Context) error {
			fired = append(fired, n)
			return nil
		})
	}

	fc.Advance(time.Second)
	s.ctx = context.Background()
	s.drainDue()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, fired)
}

func TestDefault_Cancel_DelegatesToRegistry(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	reg := cancelreg.New()
	s := NewDefault(fc, reg, time.Second)

	id := uuid.New()
	wasInFlight := s.Cancel(id)
	assert.False(t, wasInFlight)
	assert.True(t, reg.IsBlacklisted(id))
}

func TestSharded_DistributesAcrossShards(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	s := NewSharded(fc, cancelreg.New(), time.Second, 4)

	due := fc.Now().Add(time.Second)
	for i := 0; i < 20; i++ {
		s.Schedule(uuid.New(), due, func(context.Context) error { return nil })
	}

	total := 0
	for _, sh := range s.shards {
		total += sh.heap.Len()
	}
	assert.Equal(t, 20, total)
}

func TestSharded_DrainShardDue(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	s := NewSharded(fc, cancelreg.New(), time.Second, 2)
	s.ctx = context.Background()

	var fired int
	var mu sync.Mutex
	id := uuid.New()
	s.Schedule(id, fc.Now().Add(time.Second), func(context.Context) error {
		mu.Lock()
		fired++
		mu.Unlock()
		return nil
	})

	fc.Advance(2 * time.Second)
	for _, sh := range s.shards {
		s.drainShardDue(sh)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, fired)
}

func TestStart_Stop_NoLeaks(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	s := NewDefault(fc, cancelreg.New(), 10*time.Millisecond)
	ctx := context.Background()
	s.Start(ctx)
	s.Stop()
}

func TestSharded_ShardForIsDeterministic(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	s := NewSharded(fc, cancelreg.New(), time.Second, 8)
	id := uuid.New()
	sh1 := s.shardFor(id)
	sh2 := s.shardFor(id)
	require.Same(t, sh1, sh2)
}
