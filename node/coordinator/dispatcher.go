package coordinator

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/fedrun/internal/eventbus"
)

// Dispatcher starts one goroutine per run-start event. A duplicate event for
// a run whose pipeline is still in flight is dropped; a later one (a run
// restarted from error) runs again. There is no admission limit.
type Dispatcher struct {
	base   context.Context
	coords map[string]Coordinator
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]string // key -> run id
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher routes events by topic. Pipelines run under base, which is
// normally never cancelled: runs are not interrupted cooperatively.
func NewDispatcher(base context.Context, logger *zap.Logger, coords ...Coordinator) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		base:   base,
		coords: make(map[string]Coordinator, len(coords)),
		logger: logger.With(zap.String("component", "dispatcher")),
		active: make(map[string]string),
	}
	for _, c := range coords {
		d.coords[c.Topic()] = c
	}
	return d
}

// Topics lists the topics to subscribe to.
func (d *Dispatcher) Topics() []string {
	out := make([]string, 0, len(d.coords))
	for t := range d.coords {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Dispatch starts the pipeline for ev. It reports whether a pipeline was
// started.
func (d *Dispatcher) Dispatch(ev eventbus.Event) bool {
	coord, ok := d.coords[ev.Topic]
	if !ok {
		return false
	}
	runID := ev.String("run_id")
	key := ev.Topic + "/" + runID

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn("not accepting new runs", zap.String("run_id", runID))
		return false
	}
	if _, busy := d.active[key]; busy {
		d.mu.Unlock()
		d.logger.Info("duplicate run start ignored", zap.String("run_id", runID), zap.String("topic", ev.Topic))
		return false
	}
	d.active[key] = runID
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.active, key)
			d.mu.Unlock()
			d.wg.Done()
		}()
		if err := coord.Handle(d.base, ev); err != nil {
			d.logger.Warn("run pipeline ended with error",
				zap.String("coordinator", coord.Name()),
				zap.String("run_id", runID),
				zap.Error(err),
			)
		}
	}()
	return true
}

// InFlight returns the ids of runs with a pipeline in progress.
func (d *Dispatcher) InFlight() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := make(map[string]bool, len(d.active))
	out := make([]string, 0, len(d.active))
	for _, runID := range d.active {
		if !seen[runID] {
			seen[runID] = true
			out = append(out, runID)
		}
	}
	sort.Strings(out)
	return out
}

// Close stops accepting new events. Running pipelines continue.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

// Wait blocks until every pipeline has returned or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
