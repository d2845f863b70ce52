package gateway

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"meshboard/internal/config"
	"meshboard/internal/link"
	"meshboard/internal/observability"
	"meshboard/internal/sched"
	"meshboard/internal/wire"
)

const (
	heartbeatFast = 3 * time.Second
	heartbeatSlow = 30 * time.Second

	nodeSweepInterval = time.Hour
)

// Gateway wires the device link, the scheduler, and the node cache into one
// unit behind a small application-facing surface.
type Gateway struct {
	cfg      config.Config
	link     *link.Link
	sched    *sched.Scheduler
	counters *observability.Counters

	started   time.Time
	sweepDone chan struct{}
}

// New builds a gateway over an already-open device port. The metrics fan out
// to prometheus and to an atomic snapshot used by status reporting.
func New(cfg config.Config, port io.ReadWriter) (*Gateway, error) {
	codec, err := codecFor(cfg.Device.Framing)
	if err != nil {
		return nil, err
	}

	counters := observability.NewCounters()
	metrics := observability.Fanout{observability.NewPromSink(), counters}

	nodes := link.LoadNodeCache(cfg.Device.NodeCachePath)

	lk := link.New(port, codec, link.Config{
		Writer: link.WriterConfig{
			MinSendGap:             cfg.MinSendGap(),
			PostDirectBroadcastGap: cfg.PostDirectBroadcastGap(),
			DirectToDirectGap:      cfg.DirectToDirectGap(),
			Backoff:                cfg.ResendBackoff(),
		},
		Reader: link.ReaderConfig{
			ResendInterval: cfg.ConfigResendInterval(),
			HeartbeatFast:  heartbeatFast,
			HeartbeatSlow:  heartbeatSlow,
		},
	}, metrics, nodes)

	s := sched.New(sched.Config{
		Tick:          cfg.SchedulerTick(),
		MinSendGap:    cfg.MinSendGap(),
		MaxDepth:      cfg.Scheduler.MaxQueueDepth,
		AgeThreshold:  cfg.AgeThreshold(),
		StatsInterval: cfg.StatsInterval(),
	}, lk.Writer(), metrics)

	return &Gateway{
		cfg:       cfg,
		link:      lk,
		sched:     s,
		counters:  counters,
		sweepDone: make(chan struct{}),
	}, nil
}

// Start launches the link tasks, the scheduler, and the node cache sweep,
// and installs the retry back-reference so writer retransmissions re-enter
// through the scheduler.
func (g *Gateway) Start() {
	g.started = time.Now()
	g.link.Start()
	go g.sched.Run()
	g.link.Writer().InstallScheduler(g.sched)
	go g.sweepLoop()
	log.Info().Str("gateway", g.cfg.Gateway.Name).Msg("gateway running")
}

// Enqueue admits one envelope into the scheduler. Non-blocking; a false
// return means the envelope was dropped and counted.
func (g *Gateway) Enqueue(env sched.Envelope) bool {
	return g.sched.Enqueue(env)
}

// SendDirect queues a text message to one node at high priority.
func (g *Gateway) SendDirect(dest uint32, text string, reliable bool) bool {
	return g.Enqueue(sched.Envelope{
		Category: sched.CategoryDirect,
		Priority: sched.PriorityHigh,
		Req: link.Request{Msg: link.OutgoingMessage{
			Dest:     dest,
			Content:  text,
			Reliable: reliable,
		}},
	})
}

// SendBroadcast queues a channel-wide text message at normal priority,
// held for the configured broadcast delay.
func (g *Gateway) SendBroadcast(text string) bool {
	return g.Enqueue(sched.Envelope{
		Category: sched.CategoryBroadcast,
		Priority: sched.PriorityNormal,
		Earliest: time.Now().Add(g.cfg.BroadcastDelay()),
		Req:      link.Request{Msg: link.OutgoingMessage{Dest: wire.Broadcast, Content: text}},
	})
}

// Events is the stream of decoded inbound events.
func (g *Gateway) Events() <-chan link.Event {
	return g.link.Events()
}

// Errs surfaces fatal link task errors. The remaining tasks keep running;
// the owner decides whether to restart.
func (g *Gateway) Errs() <-chan error {
	return g.link.Errs()
}

func (g *Gateway) Nodes() *link.NodeCache {
	return g.link.Nodes()
}

// NodeID is the attached device's id, zero until the handshake delivers it.
func (g *Gateway) NodeID() uint32 {
	return g.link.NodeID()
}

// Synced reports whether the initial device handshake has completed.
func (g *Gateway) Synced() bool {
	return g.link.Synced()
}

func (g *Gateway) Stats() observability.Snapshot {
	return g.counters.Snapshot()
}

func (g *Gateway) Uptime() time.Duration {
	if g.started.IsZero() {
		return 0
	}
	return time.Since(g.started)
}

// Shutdown stops the scheduler first so nothing new reaches the writer,
// then the link tasks, bounded by the context deadline.
func (g *Gateway) Shutdown(ctx context.Context) {
	close(g.sweepDone)

	select {
	case <-g.sched.Shutdown():
	case <-ctx.Done():
		log.Warn().Msg("scheduler shutdown cut short")
	}

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < grace {
			grace = rem
		}
	}
	g.link.Shutdown(grace)
	log.Info().Msg("gateway stopped")
}

func (g *Gateway) sweepLoop() {
	ticker := time.NewTicker(nodeSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.link.Nodes().Sweep(g.cfg.NodeMaxAge())
		case <-g.sweepDone:
			return
		}
	}
}

func codecFor(framing string) (wire.Codec, error) {
	switch framing {
	case "length-prefix":
		return wire.NewLengthPrefixCodec(), nil
	case "slip":
		return wire.NewSlipCodec(), nil
	default:
		return nil, fmt.Errorf("gateway: unknown framing %q", framing)
	}
}
