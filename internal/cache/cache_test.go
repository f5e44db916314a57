package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mfnews-scraper/internal/news"
	"github.com/JakeFAU/mfnews-scraper/internal/publisher/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingCollector returns a distinct aggregate per call and can block until released.
type countingCollector struct {
	calls   atomic.Int32
	budgets []int
	mu      sync.Mutex
	gate    chan struct{}
	during  func()
}

func (c *countingCollector) Collect(ctx context.Context, budget int) news.Aggregate {
	n := c.calls.Add(1)
	c.mu.Lock()
	c.budgets = append(c.budgets, budget)
	c.mu.Unlock()
	if c.gate != nil {
		<-c.gate
	}
	if c.during != nil {
		c.during()
	}
	records := make([]news.Record, n)
	for i := range records {
		records[i] = news.Record{Title: "t", Link: "l"}
	}
	return news.Aggregate{Records: records, StopReason: news.PageStatusEmpty}
}

func TestReadColdCacheRefreshes(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	collector := &countingCollector{}
	c := New(Config{TTL: 15 * time.Minute, PageBudget: 5}, collector, WithClock(clock))

	require.True(t, c.Peek().ProducedAt.IsZero())
	snap := c.Read(context.Background())
	require.EqualValues(t, 1, collector.calls.Load())
	require.Equal(t, []int{5}, collector.budgets)
	require.Len(t, snap.Data.Records, 1)
	require.Equal(t, clock.Now(), snap.ProducedAt)
}

func TestReadFreshReturnsSameSnapshot(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	collector := &countingCollector{}
	c := New(Config{TTL: 15 * time.Minute, PageBudget: 5}, collector, WithClock(clock))

	first := c.Read(context.Background())
	clock.Advance(15 * time.Minute)
	second := c.Read(context.Background())

	require.EqualValues(t, 1, collector.calls.Load())
	require.Equal(t, first, second)
}

func TestReadStaleRefreshesExactlyOnce(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	collector := &countingCollector{}
	c := New(Config{TTL: 15 * time.Minute, PageBudget: 5}, collector, WithClock(clock))

	c.Read(context.Background())
	clock.Advance(15*time.Minute + time.Second)

	snap := c.Read(context.Background())
	require.EqualValues(t, 2, collector.calls.Load())
	require.Len(t, snap.Data.Records, 2)
	require.Equal(t, clock.Now(), snap.ProducedAt)

	again := c.Read(context.Background())
	require.EqualValues(t, 2, collector.calls.Load())
	require.Equal(t, snap, again)
}

func TestProducedAtIsRefreshStart(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	start := clock.Now()
	collector := &countingCollector{during: func() { clock.Advance(40 * time.Second) }}
	c := New(Config{TTL: time.Minute, PageBudget: 1}, collector, WithClock(clock))

	snap := c.Read(context.Background())
	require.Equal(t, start, snap.ProducedAt)
}

func TestConcurrentStaleReadersShareOneRefresh(t *testing.T) {
	t.Parallel()

	collector := &countingCollector{gate: make(chan struct{})}
	c := New(Config{TTL: time.Minute, PageBudget: 5}, collector, WithClock(newFakeClock()))

	const readers = 20
	results := make([]news.Snapshot, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Read(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return collector.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(collector.gate)
	wg.Wait()

	require.EqualValues(t, 1, collector.calls.Load())
	for _, snap := range results {
		assert.Equal(t, results[0], snap)
	}
}

func TestAbandonedReaderDoesNotCancelRefresh(t *testing.T) {
	t.Parallel()

	collector := &countingCollector{gate: make(chan struct{})}
	c := New(Config{TTL: time.Minute, PageBudget: 5}, collector, WithClock(newFakeClock()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan news.Snapshot, 1)
	go func() { done <- c.Read(ctx) }()

	require.Eventually(t, func() bool { return collector.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	snap := <-done
	require.True(t, snap.ProducedAt.IsZero())

	close(collector.gate)
	require.Eventually(t, func() bool { return !c.Peek().ProducedAt.IsZero() }, time.Second, time.Millisecond)
	require.Len(t, c.Peek().Data.Records, 1)
}

func TestRefreshForcesRecompute(t *testing.T) {
	t.Parallel()

	collector := &countingCollector{}
	c := New(Config{TTL: time.Hour, PageBudget: 5}, collector, WithClock(newFakeClock()))

	c.Read(context.Background())
	snap := c.Refresh(context.Background())
	require.EqualValues(t, 2, collector.calls.Load())
	require.Len(t, snap.Data.Records, 2)
	require.Equal(t, snap, c.Peek())
}

// scriptedClock returns times in call order, repeating the last one. The
// call at pauseAt blocks until release is closed.
type scriptedClock struct {
	mu      sync.Mutex
	times   []time.Time
	calls   int
	pauseAt int
	paused  chan struct{}
	release chan struct{}
}

func (c *scriptedClock) Now() time.Time {
	c.mu.Lock()
	i := c.calls
	c.calls++
	now := c.times[min(i, len(c.times)-1)]
	c.mu.Unlock()
	if i == c.pauseAt {
		close(c.paused)
		<-c.release
	}
	return now
}

func TestRefreshDoesNotSettleForUnrecomputedFlight(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)
	clock := &scriptedClock{
		// Stale for the reader's first check, fresh inside its flight.
		times:   []time.Time{base.Add(2 * time.Minute), base.Add(30 * time.Second)},
		pauseAt: 1,
		paused:  make(chan struct{}),
		release: make(chan struct{}),
	}
	collector := &countingCollector{}
	c := New(Config{TTL: time.Minute, PageBudget: 5}, collector, WithClock(clock))
	primed := news.Snapshot{ProducedAt: base, Data: news.Aggregate{Records: []news.Record{{Title: "old"}}}}
	c.entry = primed

	readDone := make(chan news.Snapshot, 1)
	go func() { readDone <- c.Read(context.Background()) }()
	<-clock.paused

	refreshDone := make(chan news.Snapshot, 1)
	go func() { refreshDone <- c.Refresh(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	close(clock.release)

	require.Equal(t, primed, <-readDone)
	snap := <-refreshDone
	require.EqualValues(t, 1, collector.calls.Load())
	require.Equal(t, base.Add(30*time.Second), snap.ProducedAt)
	require.Equal(t, snap, c.Peek())
}

type staticIDs struct{ err error }

func (s staticIDs) NewID() (string, error) { return "evt-1", s.err }

type failingPublisher struct{ calls atomic.Int32 }

func (p *failingPublisher) Publish(context.Context, string, any) (string, error) {
	p.calls.Add(1)
	return "", errors.New("unavailable")
}

func TestRefreshPublishesEvent(t *testing.T) {
	t.Parallel()

	pub := memory.New(10)
	clock := newFakeClock()
	c := New(Config{TTL: time.Minute, PageBudget: 3, Topic: "mfnews-refresh"}, &countingCollector{},
		WithClock(clock), WithPublisher(pub, staticIDs{}))

	c.Read(context.Background())
	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "mfnews-refresh", msgs[0].Topic)

	event, ok := msgs[0].Payload.(news.RefreshEvent)
	require.True(t, ok)
	require.Equal(t, "evt-1", event.ID)
	require.Equal(t, 1, event.Records)
	require.Equal(t, news.PageStatusEmpty, event.StopReason)
	require.Equal(t, clock.Now(), event.ProducedAt)
}

func TestPublishFailureDoesNotAffectRead(t *testing.T) {
	t.Parallel()

	pub := &failingPublisher{}
	c := New(Config{TTL: time.Minute, PageBudget: 1}, &countingCollector{},
		WithClock(newFakeClock()), WithPublisher(pub, staticIDs{err: errors.New("entropy")}))

	snap := c.Read(context.Background())
	require.Len(t, snap.Data.Records, 1)
	require.EqualValues(t, 1, pub.calls.Load())
}

func TestFresh(t *testing.T) {
	t.Parallel()

	c := New(Config{TTL: time.Minute}, &countingCollector{})
	now := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)

	require.False(t, c.Fresh(news.Snapshot{}, now))
	require.True(t, c.Fresh(news.Snapshot{ProducedAt: now.Add(-time.Minute)}, now))
	require.False(t, c.Fresh(news.Snapshot{ProducedAt: now.Add(-time.Minute - time.Nanosecond)}, now))
	require.Equal(t, time.Minute, c.TTL())
}
