package coordinator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/fedrun/api"
	"github.com/BaSui01/fedrun/node/launcher"
)

type reportCall struct {
	Op       string
	RunID    string
	Message  string
	Metadata map[string]any
}

type fakeReporter struct {
	mu    sync.Mutex
	calls []reportCall
	fail  map[string]error
}

func (r *fakeReporter) record(c reportCall) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	return r.fail[c.Op]
}

func (r *fakeReporter) MarkReady(_ context.Context, runID string) error {
	return r.record(reportCall{Op: "ready", RunID: runID})
}

func (r *fakeReporter) ReportError(_ context.Context, runID, message string) error {
	return r.record(reportCall{Op: "error", RunID: runID, Message: message})
}

func (r *fakeReporter) ReportComplete(_ context.Context, runID string) error {
	return r.record(reportCall{Op: "complete", RunID: runID})
}

func (r *fakeReporter) ReportMetadata(_ context.Context, runID string, md map[string]any) error {
	return r.record(reportCall{Op: "metadata", RunID: runID, Metadata: md})
}

func (r *fakeReporter) ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		out = append(out, c.Op)
	}
	return out
}

func (r *fakeReporter) only(op string) []reportCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []reportCall
	for _, c := range r.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// fakeTransfer writes kit into destDir on DownloadKit. Result transfers
// carrying a token listed in expired fail the way file storage does.
type fakeTransfer struct {
	mu          sync.Mutex
	kit         map[string]string
	downloadErr error
	uploadedKit map[string]string
	results     []string
	resultToken string
	pulled      []string
	pullToken   string
	expired     map[string]bool
}

var errTokenExpired = errors.New("file storage: 401 token is expired")

func (f *fakeTransfer) UploadKit(_ context.Context, consortiumID, runID, userID, kitDir string) (*api.UploadResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadedKit == nil {
		f.uploadedKit = map[string]string{}
	}
	f.uploadedKit[userID] = kitDir
	return &api.UploadResponse{Key: consortiumID + "/" + runID + "/kits/" + userID + ".tar.gz"}, nil
}

func (f *fakeTransfer) DownloadKit(_ context.Context, _, _, destDir string) error {
	if f.downloadErr != nil {
		return f.downloadErr
	}
	for name, content := range f.kit {
		p := filepath.Join(destDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeTransfer) UploadResults(_ context.Context, _, _, srcDir, token string) (*api.UploadResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resultToken = token
	if f.expired[token] {
		return nil, errTokenExpired
	}
	f.results = append(f.results, srcDir)
	return &api.UploadResponse{}, nil
}

func (f *fakeTransfer) DownloadResults(_ context.Context, _, _, destDir, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullToken = token
	if f.expired[token] {
		return errTokenExpired
	}
	f.pulled = append(f.pulled, destDir)
	return os.WriteFile(filepath.Join(destDir, "global_model.pt"), []byte("aggregate"), 0o644)
}

// fakeCredentials mints one token per call.
type fakeCredentials struct {
	mu    sync.Mutex
	token string
	err   error
	runs  []string
}

func (c *fakeCredentials) RunToken(_ context.Context, runID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = append(c.runs, runID)
	return c.token, c.err
}

// scriptedUnit exits with code after running act against its spec.
type scriptedUnit struct {
	code int
	tail string
	act  func(spec launcher.Spec) error
	hold chan struct{}
}

type fakeBackend struct {
	name     string
	startErr error
	mu       sync.Mutex
	started  []launcher.Spec
	script   func(spec launcher.Spec) scriptedUnit
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Start(_ context.Context, _ string, spec launcher.Spec) (launcher.Process, error) {
	if b.startErr != nil {
		return nil, b.startErr
	}
	b.mu.Lock()
	b.started = append(b.started, spec)
	b.mu.Unlock()

	unit := scriptedUnit{}
	if b.script != nil {
		unit = b.script(spec)
	}
	if unit.act != nil {
		if err := unit.act(spec); err != nil {
			return nil, err
		}
	}
	return &fakeProc{unit: unit, stopped: make(chan struct{})}, nil
}

func (b *fakeBackend) specs() []launcher.Spec {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]launcher.Spec(nil), b.started...)
}

type fakeProc struct {
	unit     scriptedUnit
	stopOnce sync.Once
	stopped  chan struct{}
}

func (p *fakeProc) Wait(ctx context.Context) (int, string, error) {
	if p.unit.hold != nil {
		select {
		case <-p.unit.hold:
		case <-p.stopped:
			return 143, "terminated", nil
		case <-ctx.Done():
			return -1, "", ctx.Err()
		}
	}
	return p.unit.code, p.unit.tail, nil
}

func (p *fakeProc) Stop(context.Context, time.Duration) error {
	p.stopOnce.Do(func() { close(p.stopped) })
	return nil
}

func (p *fakeProc) Kill(ctx context.Context) error { return p.Stop(ctx, 0) }

func newLauncher(t *testing.T, backends ...*fakeBackend) *launcher.Launcher {
	t.Helper()
	opts := make([]launcher.Option, 0, len(backends))
	for _, b := range backends {
		opts = append(opts, launcher.WithBackend(b))
	}
	return launcher.New(launcher.NewUnitTable(), zaptest.NewLogger(t), opts...)
}

func writeFiles(dir string, files map[string]string) error {
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// hostOf returns the host path mounted at container path ctr.
func hostOf(t *testing.T, spec launcher.Spec, ctr string) string {
	t.Helper()
	for _, m := range spec.Mounts {
		if m.Container == ctr {
			return m.Host
		}
	}
	require.FailNow(t, "mount not found", ctr)
	return ""
}

var errBoom = errors.New("boom")
