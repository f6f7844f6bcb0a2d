package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Summary is the condensed FL server status forwarded as run metadata.
type Summary struct {
	Phase            string   `json:"phase"`
	ServerStatus     string   `json:"server_status"`
	ConnectedClients []string `json:"connected_clients"`
	ClientCount      int      `json:"client_count"`
}

func (s Summary) equal(o Summary) bool {
	return s.Phase == o.Phase &&
		s.ServerStatus == o.ServerStatus &&
		s.ClientCount == o.ClientCount &&
		slices.Equal(s.ConnectedClients, o.ConnectedClients)
}

func (s Summary) metadata(at time.Time) map[string]any {
	clients := make([]any, len(s.ConnectedClients))
	for i, c := range s.ConnectedClients {
		clients[i] = c
	}
	return map[string]any{
		"progress": map[string]any{
			"phase":             s.Phase,
			"server_status":     s.ServerStatus,
			"connected_clients": clients,
			"client_count":      s.ClientCount,
		},
		"progress_updated_at": at.UTC().Format(time.RFC3339),
	}
}

// StatusProbe fetches the current FL server status.
type StatusProbe interface {
	Probe(ctx context.Context) (Summary, error)
}

// CommandProbe runs an admin-status command and parses its JSON stdout. The
// last line that decodes as a JSON object wins, so banners are tolerated.
type CommandProbe struct {
	Command []string
	Env     map[string]string
	Timeout time.Duration
}

func (p CommandProbe) Probe(ctx context.Context) (Summary, error) {
	if len(p.Command) == 0 {
		return Summary{}, errors.New("progress: no status command configured")
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, p.Command[0], p.Command[1:]...)
	cmd.Env = os.Environ()
	for k, v := range p.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return Summary{}, fmt.Errorf("status command: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return ParseSummary(out)
}

// ParseSummary decodes the last JSON object line of out.
func ParseSummary(out []byte) (Summary, error) {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var s Summary
		if err := json.Unmarshal([]byte(line), &s); err == nil {
			if s.ClientCount == 0 {
				s.ClientCount = len(s.ConnectedClients)
			}
			return s, nil
		}
	}
	var s Summary
	if err := json.Unmarshal(out, &s); err != nil {
		return Summary{}, fmt.Errorf("status output is not a JSON summary: %w", err)
	}
	if s.ClientCount == 0 {
		s.ClientCount = len(s.ConnectedClients)
	}
	return s, nil
}

// MetadataReporter receives progress summaries.
type MetadataReporter interface {
	ReportMetadata(ctx context.Context, runID string, metadata map[string]any) error
}

// ProgressWatcher polls a StatusProbe and forwards changed summaries as run
// metadata. Its failures never fail the run: they are logged and published on
// Errors, which drops when nobody is reading.
type ProgressWatcher struct {
	probe    StatusProbe
	reporter MetadataReporter
	interval time.Duration
	dedupe   time.Duration
	limiter  *rate.Limiter
	errs     chan error
	now      func() time.Time
	logger   *zap.Logger
}

type ProgressOption func(*ProgressWatcher)

// WithDedupeWindow suppresses an identical summary sent within d of the
// previous one.
func WithDedupeWindow(d time.Duration) ProgressOption {
	return func(w *ProgressWatcher) { w.dedupe = d }
}

// WithForwardLimit caps forwarded reports per second.
func WithForwardLimit(perSecond float64, burst int) ProgressOption {
	return func(w *ProgressWatcher) { w.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

func NewProgressWatcher(probe StatusProbe, reporter MetadataReporter, interval time.Duration, logger *zap.Logger, opts ...ProgressOption) *ProgressWatcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &ProgressWatcher{
		probe:    probe,
		reporter: reporter,
		interval: interval,
		dedupe:   time.Minute,
		limiter:  rate.NewLimiter(rate.Every(interval/2), 1),
		errs:     make(chan error, 16),
		now:      time.Now,
		logger:   logger.With(zap.String("component", "progress")),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Errors returns the watcher's error channel.
func (w *ProgressWatcher) Errors() <-chan error { return w.errs }

// Watch polls until ctx is done.
func (w *ProgressWatcher) Watch(ctx context.Context, runID string) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var (
		last     Summary
		lastSent time.Time
		sent     bool
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s, err := w.probe.Probe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.fail(runID, fmt.Errorf("probe: %w", err))
			continue
		}
		now := w.now()
		if sent && s.equal(last) && now.Sub(lastSent) < w.dedupe {
			continue
		}
		if !w.limiter.Allow() {
			continue
		}
		if err := w.reporter.ReportMetadata(ctx, runID, s.metadata(now)); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.fail(runID, fmt.Errorf("report: %w", err))
			continue
		}
		last, lastSent, sent = s, now, true
	}
}

func (w *ProgressWatcher) fail(runID string, err error) {
	w.logger.Debug("progress update skipped", zap.String("run_id", runID), zap.Error(err))
	select {
	case w.errs <- err:
	default:
	}
}
