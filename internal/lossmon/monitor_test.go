package lossmon

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestTickCountsGaps(t *testing.T) {
	tests := []struct {
		name        string
		ids         []uint64
		wantGaps    int
		wantSkipped uint64
	}{
		// 2..4 misses one id, 4..7 misses two
		{"two holes", []uint64{1, 2, 4, 7}, 2, 3},
		{"unordered", []uint64{7, 1, 4, 2}, 2, 3},
		{"contiguous", []uint64{10, 11, 12, 13}, 0, 0},
		{"duplicates", []uint64{5, 5, 6}, 0, 0},
		{"single", []uint64{99}, 0, 0},
		{"empty", nil, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{t: time.Unix(1000, 0)}
			m := New(WithClock(clock.Now))
			for _, id := range tt.ids {
				m.Record(id)
			}
			clock.Advance(5 * time.Second)

			r := m.Tick()
			if r.Gaps != tt.wantGaps {
				t.Errorf("Gaps = %d, want %d", r.Gaps, tt.wantGaps)
			}
			if r.Skipped != tt.wantSkipped {
				t.Errorf("Skipped = %d, want %d", r.Skipped, tt.wantSkipped)
			}
			if r.Sent != len(tt.ids) {
				t.Errorf("Sent = %d, want %d", r.Sent, len(tt.ids))
			}
			if r.Elapsed != 5*time.Second {
				t.Errorf("Elapsed = %v, want 5s", r.Elapsed)
			}
			wantRate := float64(tt.wantSkipped) / 5
			if r.SkipRate != wantRate {
				t.Errorf("SkipRate = %v, want %v", r.SkipRate, wantRate)
			}
		})
	}
}

func TestTickClearsWindow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	m := New(WithClock(clock.Now), WithHistory(4))

	m.Record(1)
	m.Record(5)
	clock.Advance(time.Second)
	first := m.Tick()

	// 6 follows 5 but 5 belongs to the previous window
	m.Record(6)
	clock.Advance(2 * time.Second)
	second := m.Tick()

	if first.Skipped != 3 {
		t.Fatalf("first window skipped = %d, want 3", first.Skipped)
	}
	if second.Sent != 1 || second.Skipped != 0 {
		t.Fatalf("second window = %+v, want one id and no skips", second)
	}
	if second.Elapsed != 2*time.Second {
		t.Fatalf("second window elapsed = %v, want 2s", second.Elapsed)
	}

	h := m.History(10)
	if len(h) != 2 || h[0].Sent != 1 || h[1].Sent != 2 {
		t.Fatalf("History = %+v, want newest first", h)
	}
}

func TestRecordConcurrentWithTick(t *testing.T) {
	m := New()
	const writers, perWriter = 4, 500

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(base uint64) {
			defer wg.Done()
			for i := uint64(0); i < perWriter; i++ {
				m.Record(base + i)
			}
		}(uint64(w * perWriter))
	}

	total := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-done:
			total += m.Tick().Sent
			if total != writers*perWriter {
				t.Fatalf("counted %d ids, want %d", total, writers*perWriter)
			}
			return
		default:
			total += m.Tick().Sent
		}
	}
}

func TestRunReportsNonEmptyWindows(t *testing.T) {
	m := New()
	m.Record(1)
	m.Record(3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reports := make(chan Report, 1)
	go m.Run(ctx, 10*time.Millisecond, func(r Report) {
		select {
		case reports <- r:
		default:
		}
	})

	select {
	case r := <-reports:
		if r.Skipped != 1 {
			t.Fatalf("Skipped = %d, want 1", r.Skipped)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no report within 2s")
	}
}
