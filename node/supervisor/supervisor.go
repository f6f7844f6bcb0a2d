// Package supervisor owns a node's long-lived state: the event-stream client,
// its access token, the running-unit table and the run dispatcher. It also
// implements the node's two-phase shutdown.
package supervisor

import (
	"context"
	"errors"
	"maps"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/fedrun/internal/eventbus"
	"github.com/BaSui01/fedrun/internal/runstate"
	"github.com/BaSui01/fedrun/node/coordinator"
	"github.com/BaSui01/fedrun/node/launcher"
	"github.com/BaSui01/fedrun/node/stream"
	"github.com/BaSui01/fedrun/types"
)

// Units is the node's launcher.
type Units interface {
	Units() *launcher.UnitTable
	StopAll(ctx context.Context, grace time.Duration) error
}

// Dispatcher routes run-start events to coordinators.
type Dispatcher interface {
	Topics() []string
	Dispatch(ev eventbus.Event) bool
	InFlight() []string
	Close()
	Wait(ctx context.Context) error
}

var _ Dispatcher = (*coordinator.Dispatcher)(nil)

// RunReader returns a run's stored state. A metadata reporter that also
// implements it has the going-offline report merged into the run's current
// metadata, so central keeps the last progress summary.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*runstate.Run, error)
}

// Config configures a Supervisor.
type Config struct {
	StreamURL string
	Token     string
	// GracePeriod bounds how long each unit gets to stop before it is killed.
	GracePeriod time.Duration
	// DrainTimeout bounds the wait for pipelines after their units stopped.
	DrainTimeout  time.Duration
	StreamOptions []stream.Option
}

// Supervisor runs a node until shutdown.
type Supervisor struct {
	cfg        Config
	dispatcher Dispatcher
	units      Units
	reporter   coordinator.MetadataReporter
	logger     *zap.Logger
	base       *zap.Logger

	mu       sync.Mutex
	token    string
	client   *stream.Client
	signals  int
	disposed bool
}

func New(cfg Config, dispatcher Dispatcher, units Units, reporter coordinator.MetadataReporter, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	s := &Supervisor{
		cfg:        cfg,
		dispatcher: dispatcher,
		units:      units,
		reporter:   reporter,
		logger:     logger.With(zap.String("component", "supervisor")),
		base:       logger,
		token:      cfg.Token,
	}
	s.client = s.newClient(cfg.Token)
	return s
}

// Token returns the current access token. Central and file-storage clients
// read it on every request.
func (s *Supervisor) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// SetToken stores a new credential and resubscribes with it. The old client
// is closed and replaced as a whole.
func (s *Supervisor) SetToken(token string) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.token = token
	old := s.client
	s.client = s.newClient(token)
	s.mu.Unlock()

	old.Close()
	s.logger.Info("access token replaced, resubscribing")
}

func (s *Supervisor) newClient(token string) *stream.Client {
	return stream.NewClient(s.cfg.StreamURL, token, s.dispatcher.Topics(), s.handle, s.base, s.cfg.StreamOptions...)
}

func (s *Supervisor) handle(ev eventbus.Event) {
	if !s.dispatcher.Dispatch(ev) {
		s.logger.Debug("event not dispatched", zap.String("topic", ev.Topic), zap.String("event_id", ev.ID))
	}
}

func (s *Supervisor) current() *stream.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil
	}
	return s.client
}

// Run serves the event stream until an accepted signal completes shutdown or
// ctx ends.
func (s *Supervisor) Run(ctx context.Context, signals <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.serveStream(gctx) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case sig := <-signals:
				if !s.HandleSignal(sig) {
					continue
				}
				err := s.Shutdown(context.WithoutCancel(gctx))
				cancel()
				return err
			}
		}
	})
	return g.Wait()
}

func (s *Supervisor) serveStream(ctx context.Context) error {
	for {
		c := s.current()
		if c == nil {
			<-ctx.Done()
			return nil
		}
		err := c.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		// a nil error or ErrClosed means SetToken or Shutdown closed it
		if err != nil && !errors.Is(err, stream.ErrClosed) {
			return err
		}
	}
}

// HandleSignal reports whether sig should shut the node down. The first
// signal while units are running is refused; a second one is always accepted.
func (s *Supervisor) HandleSignal(sig os.Signal) bool {
	s.mu.Lock()
	s.signals++
	n := s.signals
	s.mu.Unlock()

	running := s.units.Units().Len()
	if n == 1 && running > 0 {
		s.logger.Warn("shutdown refused: units still running; send the signal again to stop them",
			zap.Stringer("signal", sig),
			zap.Int("running_units", running),
		)
		return false
	}
	s.logger.Info("shutting down", zap.Stringer("signal", sig), zap.Int("running_units", running))
	return true
}

// Shutdown stops accepting work, tells central each in-flight run is going
// offline, stops every unit and disposes the stream client. Failures are
// logged; shutdown always completes.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.dispatcher.Close()

	runs := s.inFlightRuns()
	for _, runID := range runs {
		rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.reporter.ReportMetadata(rctx, runID, s.offlineMetadata(rctx, runID))
		cancel()
		if err != nil {
			s.logger.Warn("failed to report going offline", zap.String("run_id", runID), zap.Error(err))
		}
	}

	var shutdownErr error
	if err := s.units.StopAll(ctx, s.cfg.GracePeriod); err != nil {
		shutdownErr = types.NewError(types.ErrShutdownFailed, "units could not be stopped").WithCause(err)
		s.logger.Warn("unit stop failed", zap.Error(err))
	}

	s.mu.Lock()
	s.disposed = true
	client := s.client
	s.mu.Unlock()
	client.Close()

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	defer cancel()
	if err := s.dispatcher.Wait(dctx); err != nil {
		s.logger.Warn("pipelines still running at exit", zap.Strings("run_ids", s.dispatcher.InFlight()))
	}
	s.logger.Info("node offline", zap.Int("runs", len(runs)))
	return shutdownErr
}

// offlineMetadata adds the going-offline keys to the run's last known
// metadata. Metadata reports replace the stored blob, so without a RunReader
// earlier keys are lost.
func (s *Supervisor) offlineMetadata(ctx context.Context, runID string) map[string]any {
	md := map[string]any{}
	if reader, ok := s.reporter.(RunReader); ok {
		run, err := reader.GetRun(ctx, runID)
		if err != nil {
			s.logger.Warn("could not read run metadata; offline report replaces it",
				zap.String("run_id", runID), zap.Error(err))
		} else if run.Metadata != nil {
			md = maps.Clone(run.Metadata)
		}
	}
	md["node_status"] = "offline"
	md["message"] = "node going offline"
	md["offline_at"] = time.Now().UTC().Format(time.RFC3339)
	return md
}

func (s *Supervisor) inFlightRuns() []string {
	seen := make(map[string]bool)
	for _, runID := range s.dispatcher.InFlight() {
		seen[runID] = true
	}
	for _, u := range s.units.Units().Runs() {
		seen[u.RunID] = true
	}
	out := make([]string, 0, len(seen))
	for runID := range seen {
		out = append(out, runID)
	}
	sort.Strings(out)
	return out
}
