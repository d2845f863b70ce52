package sched

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"meshboard/internal/link"
	"meshboard/internal/observability"
)

const inQueueSize = 256

// Priority orders envelopes; lower values win.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Category names the traffic class an envelope belongs to. It only feeds
// logging; the pacing consequences live in Earliest and in the writer.
type Category string

const (
	CategoryDirect    Category = "direct"
	CategoryBroadcast Category = "broadcast"
	CategoryControl   Category = "control"
)

// Envelope wraps one outgoing request with its scheduling policy. Earliest
// is the soonest the scheduler may dispatch it; the zero value means
// immediately.
type Envelope struct {
	Category Category
	Priority Priority
	Earliest time.Time
	Req      link.Request

	seq        uint64
	enqueuedAt time.Time
}

// Forwarder is the downstream the scheduler dispatches into.
type Forwarder interface {
	Submit(link.Request) bool
}

// Config is pre-sanitized by the config layer.
type Config struct {
	Tick          time.Duration
	MinSendGap    time.Duration
	MaxDepth      int
	AgeThreshold  time.Duration
	StatsInterval time.Duration
}

// Scheduler holds pending envelopes ordered by (priority, earliest, arrival)
// and dispatches at most one per tick, honoring the global minimum send gap.
// Queue state is confined to the Run goroutine.
type Scheduler struct {
	cfg     Config
	out     Forwarder
	metrics observability.Sink

	in       chan Envelope
	shutdown chan chan struct{}
	closed   atomic.Bool

	queue        []*Envelope
	seq          uint64
	lastDispatch time.Time
	dispatched   uint64
	dropped      uint64

	log zerolog.Logger
}

func New(cfg Config, out Forwarder, metrics observability.Sink) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		out:      out,
		metrics:  metrics,
		in:       make(chan Envelope, inQueueSize),
		shutdown: make(chan chan struct{}, 1),
		log:      log.With().Str("comp", "sched").Logger(),
	}
}

// Enqueue accepts an envelope without blocking. It reports false when the
// scheduler is shut down or its intake is full; the drop is counted either
// way, callers never see a hard error.
func (s *Scheduler) Enqueue(env Envelope) bool {
	if s.closed.Load() {
		s.metrics.Dropped("shutdown")
		return false
	}
	select {
	case s.in <- env:
		return true
	default:
		s.metrics.Dropped("intake_full")
		s.log.Warn().Msg("scheduler intake full, envelope dropped")
		return false
	}
}

// EnqueueRetry re-admits a writer retransmission at high priority with no
// extra delay, so retries share the dispatch pacing clock.
func (s *Scheduler) EnqueueRetry(req link.Request) bool {
	cat := CategoryDirect
	if req.Msg.IsBroadcast() {
		cat = CategoryBroadcast
	}
	return s.Enqueue(Envelope{Category: cat, Priority: PriorityHigh, Req: req})
}

// Shutdown stops the loop. The returned channel closes once the loop has
// acknowledged; envelopes still queued at that point are dropped.
func (s *Scheduler) Shutdown() <-chan struct{} {
	done := make(chan struct{})
	s.closed.Store(true)
	select {
	case s.shutdown <- done:
	default:
		close(done)
	}
	return done
}

// Run drives the tick loop until shutdown.
func (s *Scheduler) Run() {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	stats := time.NewTicker(s.cfg.StatsInterval)
	defer stats.Stop()

	for {
		select {
		case env := <-s.in:
			s.admit(env)
		case now := <-ticker.C:
			s.drainIntake()
			s.promoteAged(now)
			s.dispatchOne(now)
		case <-stats.C:
			s.logStats()
		case done := <-s.shutdown:
			s.drainIntake()
			if n := len(s.queue); n > 0 {
				s.log.Info().Int("pending", n).Msg("scheduler stopping with envelopes queued")
				for range s.queue {
					s.metrics.Dropped("shutdown")
				}
			}
			close(done)
			return
		}
	}
}

func (s *Scheduler) drainIntake() {
	for {
		select {
		case env := <-s.in:
			s.admit(env)
		default:
			return
		}
	}
}

// admit stamps arrival order and inserts, evicting on overflow. The victim
// is the worst entry by (priority, arrival): overflow sheds the lowest
// priority tier first and the oldest entry within it.
func (s *Scheduler) admit(env Envelope) {
	s.seq++
	env.seq = s.seq
	env.enqueuedAt = time.Now()

	if len(s.queue) >= s.cfg.MaxDepth {
		victim := s.worstIndex(&env)
		if victim < 0 {
			// Incoming envelope is itself the worst entry.
			s.dropped++
			s.metrics.Dropped("overflow")
			s.log.Warn().Stringer("priority", env.Priority).Msg("queue full, envelope rejected")
			return
		}
		evicted := s.queue[victim]
		s.queue = append(s.queue[:victim], s.queue[victim+1:]...)
		s.dropped++
		s.metrics.Dropped("overflow")
		s.log.Warn().Stringer("priority", evicted.Priority).Msg("queue full, oldest low-priority envelope evicted")
	}

	e := env
	s.queue = append(s.queue, &e)
	s.metrics.QueueDepth(len(s.queue))
}

// worstIndex returns the queue index of the entry worse than the incoming
// envelope, or -1 when the incoming envelope loses to everything queued.
// Worse means lower priority, then earlier arrival within the tier.
func (s *Scheduler) worstIndex(incoming *Envelope) int {
	worst := -1
	worse := func(a, b *Envelope) bool { // a worse than b
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.seq < b.seq
	}
	cand := incoming
	for i, e := range s.queue {
		if worse(e, cand) {
			worst = i
			cand = e
		}
	}
	return worst
}

// promoteAged lifts envelopes stuck beyond the age threshold one priority
// tier, resetting their age so promotion is gradual.
func (s *Scheduler) promoteAged(now time.Time) {
	if s.cfg.AgeThreshold <= 0 {
		return
	}
	for _, e := range s.queue {
		if e.Priority > PriorityHigh && now.Sub(e.enqueuedAt) >= s.cfg.AgeThreshold {
			e.Priority--
			e.enqueuedAt = now
			s.log.Debug().Stringer("priority", e.Priority).Msg("starved envelope promoted")
		}
	}
}

// dispatchOne forwards the best eligible envelope, unless the minimum send
// gap since the previous dispatch has not yet elapsed.
func (s *Scheduler) dispatchOne(now time.Time) {
	best := s.bestEligible(now)
	if best < 0 {
		return
	}
	if !s.lastDispatch.IsZero() && now.Sub(s.lastDispatch) < s.cfg.MinSendGap {
		return
	}

	env := s.queue[best]
	s.queue = append(s.queue[:best], s.queue[best+1:]...)
	s.metrics.QueueDepth(len(s.queue))

	if !s.out.Submit(env.Req) {
		s.dropped++
		s.metrics.Dropped("writer_unavailable")
		s.log.Warn().
			Stringer("priority", env.Priority).
			Str("category", string(env.Category)).
			Msg("writer refused envelope, dropped")
		return
	}
	s.lastDispatch = now
	s.dispatched++
	s.metrics.Dispatched(env.Priority.String())
}

// bestEligible picks the index of the winning eligible envelope by
// (priority, earliest, arrival), or -1 when nothing is eligible yet.
func (s *Scheduler) bestEligible(now time.Time) int {
	best := -1
	for i, e := range s.queue {
		if e.Earliest.After(now) {
			continue
		}
		if best < 0 || betterThan(e, s.queue[best]) {
			best = i
		}
	}
	return best
}

func betterThan(a, b *Envelope) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.Earliest.Equal(b.Earliest) {
		return a.Earliest.Before(b.Earliest)
	}
	return a.seq < b.seq
}

func (s *Scheduler) logStats() {
	s.metrics.QueueDepth(len(s.queue))
	s.log.Info().
		Int("depth", len(s.queue)).
		Uint64("dispatched", s.dispatched).
		Uint64("dropped", s.dropped).
		Msg("scheduler stats")
}
