package health

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"wharf/api/model"
)

// Sink receives the status envelope after every completed cycle.
type Sink interface {
	BroadcastStatus(model.ServerStatusUpdate)
}

// SnapshotSource provides the descriptor list to probe each tick.
// *discovery.Discoverer satisfies it.
type SnapshotSource interface {
	Snapshot() []model.ServerDescriptor
}

// Prober TCP-connects to every discovered server on a fixed tick and
// publishes the results. Probes within a tick run with bounded
// concurrency and each carries its own timeout, so one hanging server
// can never stall the rest of the cycle. Probing is driven only by the
// ticker; request handlers read the retained envelope via Latest and
// never dial anything themselves.
type Prober struct {
	Discovery SnapshotSource
	Sink      Sink

	Interval    time.Duration
	Timeout     time.Duration
	Concurrency int

	// DialContext is swappable for tests; nil means a plain net.Dialer.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	mu     sync.RWMutex
	latest model.ServerStatusUpdate
	primed bool
}

func NewProber(disc SnapshotSource, sink Sink, interval, timeout time.Duration, concurrency int) *Prober {
	return &Prober{
		Discovery:   disc,
		Sink:        sink,
		Interval:    interval,
		Timeout:     timeout,
		Concurrency: concurrency,
	}
}

// Run executes probe cycles until ctx is cancelled. Cycles run one at a
// time; if a cycle overruns the interval, the ticker's coalescing means
// the next tick is skipped rather than run concurrently.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	p.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single probe cycle immediately. Run calls it on
// every tick.
func (p *Prober) RunOnce(ctx context.Context) {
	p.cycle(ctx)
}

func (p *Prober) cycle(ctx context.Context) {
	snapshot := p.Discovery.Snapshot()

	statuses := make([]model.ServerStatus, len(snapshot))
	sem := make(chan struct{}, p.Concurrency)
	var wg sync.WaitGroup

	for i, desc := range snapshot {
		wg.Add(1)
		go func(i int, desc model.ServerDescriptor) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			statuses[i] = p.probe(ctx, desc)
		}(i, desc)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return
	}

	update := model.NewStatusUpdate(statuses)
	p.mu.Lock()
	p.latest = update
	p.primed = true
	p.mu.Unlock()

	if p.Sink != nil {
		p.Sink.BroadcastStatus(update)
	}
}

// Latest returns the envelope from the most recently completed cycle.
// The second value is false until a first cycle has finished.
func (p *Prober) Latest() (model.ServerStatusUpdate, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, p.primed
}

func (p *Prober) probe(ctx context.Context, desc model.ServerDescriptor) model.ServerStatus {
	status := model.ServerStatus{
		ServerDescriptor: desc,
		CheckedAt:        time.Now().UTC(),
	}

	addr := desc.Endpoint()
	if addr == "" {
		status.HealthMessage = "no endpoint"
		return status
	}

	dial := p.DialContext
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	start := time.Now()
	conn, err := dial(probeCtx, "tcp", addr)
	if err != nil {
		status.HealthMessage = classify(err)
		return status
	}
	conn.Close()

	status.IsHealthy = true
	status.LatencyMs = time.Since(start).Milliseconds()
	return status
}

// classify buckets a dial failure into the categories subscribers
// display: timeout, refused, unresolved, or the raw error text.
func classify(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "address could not be resolved"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "connection timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "connection timed out"
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return "connection refused"
	}
	return err.Error()
}
