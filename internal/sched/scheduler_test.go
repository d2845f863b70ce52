package sched

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshboard/internal/link"
	"meshboard/internal/observability"
	"meshboard/internal/testutil/testlog"
)

type recordedSubmit struct {
	req link.Request
	at  time.Time
}

type recordingForwarder struct {
	mu     sync.Mutex
	subs   []recordedSubmit
	refuse bool
}

func (f *recordingForwarder) Submit(req link.Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return false
	}
	f.subs = append(f.subs, recordedSubmit{req: req, at: time.Now()})
	return true
}

func (f *recordingForwarder) snapshot() []recordedSubmit {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedSubmit, len(f.subs))
	copy(out, f.subs)
	return out
}

func testConfig() Config {
	return Config{
		Tick:          10 * time.Millisecond,
		MaxDepth:      64,
		AgeThreshold:  time.Hour,
		StatsInterval: time.Hour,
	}
}

func newIdle(t *testing.T, cfg Config, fwd Forwarder) (*Scheduler, *observability.Counters) {
	t.Helper()
	testlog.Start(t)
	counters := observability.NewCounters()
	return New(cfg, fwd, counters), counters
}

func msg(content string) link.Request {
	return link.Request{Msg: link.OutgoingMessage{Dest: 0x22, Content: content}}
}

func TestDispatchPrefersPriorityOverEarliest(t *testing.T) {
	fwd := &recordingForwarder{}
	s, _ := newIdle(t, testConfig(), fwd)

	now := time.Now()
	// The low-priority envelope is both older and eligible earlier.
	s.admit(Envelope{Priority: PriorityLow, Earliest: now.Add(-time.Second), Req: msg("B")})
	s.admit(Envelope{Priority: PriorityHigh, Earliest: now, Req: msg("A")})

	s.dispatchOne(now)
	s.dispatchOne(now.Add(time.Second))

	subs := fwd.snapshot()
	require.Len(t, subs, 2)
	require.Equal(t, "A", subs[0].req.Msg.Content)
	require.Equal(t, "B", subs[1].req.Msg.Content)
}

func TestDispatchTieBreaksOnArrivalOrder(t *testing.T) {
	fwd := &recordingForwarder{}
	s, _ := newIdle(t, testConfig(), fwd)

	now := time.Now()
	s.admit(Envelope{Priority: PriorityNormal, Earliest: now, Req: msg("first")})
	s.admit(Envelope{Priority: PriorityNormal, Earliest: now, Req: msg("second")})

	s.dispatchOne(now.Add(time.Millisecond))
	require.Equal(t, "first", fwd.snapshot()[0].req.Msg.Content)
}

func TestDispatchHonorsEarliest(t *testing.T) {
	fwd := &recordingForwarder{}
	s, _ := newIdle(t, testConfig(), fwd)

	now := time.Now()
	s.admit(Envelope{Priority: PriorityHigh, Earliest: now.Add(time.Hour), Req: msg("later")})

	s.dispatchOne(now)
	require.Empty(t, fwd.snapshot(), "envelope dispatched before its earliest time")

	s.dispatchOne(now.Add(2 * time.Hour))
	require.Len(t, fwd.snapshot(), 1)
}

func TestMinSendGapBetweenDispatches(t *testing.T) {
	fwd := &recordingForwarder{}
	cfg := testConfig()
	cfg.MinSendGap = 150 * time.Millisecond
	s, _ := newIdle(t, cfg, fwd)
	go s.Run()
	defer func() { <-s.Shutdown() }()

	require.True(t, s.Enqueue(Envelope{Priority: PriorityHigh, Req: msg("one")}))
	require.True(t, s.Enqueue(Envelope{Priority: PriorityHigh, Req: msg("two")}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(fwd.snapshot()) < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	subs := fwd.snapshot()
	require.Len(t, subs, 2)
	gap := subs[1].at.Sub(subs[0].at)
	require.GreaterOrEqual(t, gap, 140*time.Millisecond, "dispatches closer than the minimum send gap")
}

func TestOverflowEvictsLowestPriorityOldest(t *testing.T) {
	fwd := &recordingForwarder{}
	cfg := testConfig()
	cfg.MaxDepth = 2
	s, counters := newIdle(t, cfg, fwd)

	now := time.Now()
	s.admit(Envelope{Priority: PriorityLow, Earliest: now, Req: msg("low-old")})
	s.admit(Envelope{Priority: PriorityLow, Earliest: now, Req: msg("low-new")})
	s.admit(Envelope{Priority: PriorityHigh, Earliest: now, Req: msg("high")})

	require.Len(t, s.queue, 2)
	require.Equal(t, uint64(1), counters.Snapshot().Dropped)

	contents := []string{s.queue[0].Req.Msg.Content, s.queue[1].Req.Msg.Content}
	require.NotContains(t, contents, "low-old", "oldest low-priority entry must be the eviction victim")
	require.Contains(t, contents, "high")
}

func TestOverflowRejectsIncomingWhenItIsWorst(t *testing.T) {
	fwd := &recordingForwarder{}
	cfg := testConfig()
	cfg.MaxDepth = 1
	s, counters := newIdle(t, cfg, fwd)

	now := time.Now()
	s.admit(Envelope{Priority: PriorityHigh, Earliest: now, Req: msg("keep")})
	s.admit(Envelope{Priority: PriorityLow, Earliest: now, Req: msg("reject")})

	require.Len(t, s.queue, 1)
	require.Equal(t, "keep", s.queue[0].Req.Msg.Content)
	require.Equal(t, uint64(1), counters.Snapshot().Dropped)
}

func TestAgingPromotesOneTierAtATime(t *testing.T) {
	fwd := &recordingForwarder{}
	cfg := testConfig()
	cfg.AgeThreshold = 30 * time.Millisecond
	s, _ := newIdle(t, cfg, fwd)

	s.admit(Envelope{Priority: PriorityLow, Earliest: time.Now(), Req: msg("starved")})

	base := s.queue[0].enqueuedAt
	s.promoteAged(base.Add(cfg.AgeThreshold))
	require.Equal(t, PriorityNormal, s.queue[0].Priority)

	s.promoteAged(s.queue[0].enqueuedAt.Add(cfg.AgeThreshold))
	require.Equal(t, PriorityHigh, s.queue[0].Priority)

	s.promoteAged(s.queue[0].enqueuedAt.Add(cfg.AgeThreshold))
	require.Equal(t, PriorityHigh, s.queue[0].Priority, "promotion must stop at the top tier")
}

func TestWriterRefusalDropsEnvelope(t *testing.T) {
	fwd := &recordingForwarder{refuse: true}
	s, counters := newIdle(t, testConfig(), fwd)

	now := time.Now()
	s.admit(Envelope{Priority: PriorityHigh, Earliest: now, Req: msg("doomed")})
	s.dispatchOne(now)

	require.Empty(t, s.queue)
	require.Equal(t, uint64(1), counters.Snapshot().Dropped)
	require.Equal(t, uint64(0), counters.Snapshot().Dispatched)
}

func TestEnqueueRefusedAfterShutdown(t *testing.T) {
	fwd := &recordingForwarder{}
	s, _ := newIdle(t, testConfig(), fwd)
	go s.Run()

	select {
	case <-s.Shutdown():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not shut down")
	}
	require.False(t, s.Enqueue(Envelope{Priority: PriorityHigh, Req: msg("late")}))
}

func TestEnqueueRetryIsImmediateHighPriority(t *testing.T) {
	fwd := &recordingForwarder{}
	s, _ := newIdle(t, testConfig(), fwd)

	require.True(t, s.EnqueueRetry(link.Request{PacketID: 77, Retry: true, Msg: link.OutgoingMessage{Dest: 5, Content: "again", Reliable: true}}))
	s.drainIntake()

	require.Len(t, s.queue, 1)
	env := s.queue[0]
	require.Equal(t, PriorityHigh, env.Priority)
	require.True(t, env.Req.Retry)
	require.EqualValues(t, 77, env.Req.PacketID)
	require.False(t, env.Earliest.After(time.Now()))
}
