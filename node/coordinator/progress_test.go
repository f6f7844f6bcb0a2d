package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParseSummary(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		want    Summary
		wantErr bool
	}{
		{
			name: "single object",
			out:  `{"phase":"training","server_status":"started","connected_clients":["alice","bob"]}`,
			want: Summary{Phase: "training", ServerStatus: "started", ConnectedClients: []string{"alice", "bob"}, ClientCount: 2},
		},
		{
			name: "banner before json",
			out:  "admin console v2\nconnecting...\n{\"phase\":\"aggregating\",\"client_count\":3}\n",
			want: Summary{Phase: "aggregating", ClientCount: 3},
		},
		{
			name: "last line wins",
			out:  "{\"phase\":\"a\"}\n{\"phase\":\"b\"}",
			want: Summary{Phase: "b"},
		},
		{
			name:    "not json",
			out:     "server not running",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSummary([]byte(tt.out))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type scriptedProbe struct {
	mu    sync.Mutex
	steps []func() (Summary, error)
	calls int
}

func (p *scriptedProbe) Probe(context.Context) (Summary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.steps[min(p.calls, len(p.steps)-1)]
	p.calls++
	return next()
}

func (p *scriptedProbe) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func step(s Summary) func() (Summary, error) {
	return func() (Summary, error) { return s, nil }
}

func watch(t *testing.T, w *ProgressWatcher, until func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Watch(ctx, "r1")
	}()
	require.Eventually(t, until, 2*time.Second, 2*time.Millisecond)
	cancel()
	<-done
}

func TestProgressWatcher_ForwardsChangesOnly(t *testing.T) {
	rep := &fakeReporter{}
	training := Summary{Phase: "training", ClientCount: 2}
	probe := &scriptedProbe{steps: []func() (Summary, error){
		step(training), step(training), step(training),
		step(Summary{Phase: "aggregating", ClientCount: 2}),
	}}
	w := NewProgressWatcher(probe, rep, time.Millisecond, zaptest.NewLogger(t), WithForwardLimit(1000, 10))

	watch(t, w, func() bool { return probe.count() >= 6 })

	md := rep.only("metadata")
	require.Len(t, md, 2)
	assert.Equal(t, "training", md[0].Metadata["progress"].(map[string]any)["phase"])
	assert.Equal(t, "aggregating", md[1].Metadata["progress"].(map[string]any)["phase"])
	assert.Contains(t, md[1].Metadata, "progress_updated_at")
	assert.Equal(t, "r1", md[1].RunID)
}

func TestProgressWatcher_ResendsAfterDedupeWindow(t *testing.T) {
	rep := &fakeReporter{}
	probe := &scriptedProbe{steps: []func() (Summary, error){step(Summary{Phase: "training"})}}
	w := NewProgressWatcher(probe, rep, time.Millisecond, zaptest.NewLogger(t),
		WithDedupeWindow(0), WithForwardLimit(1000, 10))

	watch(t, w, func() bool { return len(rep.only("metadata")) >= 3 })
}

func TestProgressWatcher_ErrorsDoNotStopWatching(t *testing.T) {
	rep := &fakeReporter{}
	probe := &scriptedProbe{steps: []func() (Summary, error){
		func() (Summary, error) { return Summary{}, errors.New("admin port closed") },
		step(Summary{Phase: "training"}),
	}}
	w := NewProgressWatcher(probe, rep, time.Millisecond, zaptest.NewLogger(t), WithForwardLimit(1000, 10))

	watch(t, w, func() bool { return len(rep.only("metadata")) >= 1 })

	select {
	case err := <-w.Errors():
		assert.ErrorContains(t, err, "admin port closed")
	default:
		t.Fatal("probe failure not published")
	}
}

func TestProgressWatcher_ReportFailurePublished(t *testing.T) {
	rep := &fakeReporter{fail: map[string]error{"metadata": errors.New("central 503")}}
	probe := &scriptedProbe{steps: []func() (Summary, error){step(Summary{Phase: "training"})}}
	w := NewProgressWatcher(probe, rep, time.Millisecond, zaptest.NewLogger(t), WithForwardLimit(1000, 10))

	watch(t, w, func() bool { return len(w.Errors()) > 0 })
	assert.ErrorContains(t, <-w.Errors(), "central 503")
}

func TestProgressWatcher_FullErrorChannelDrops(t *testing.T) {
	probe := &scriptedProbe{steps: []func() (Summary, error){
		func() (Summary, error) { return Summary{}, errors.New("down") },
	}}
	w := NewProgressWatcher(probe, &fakeReporter{}, time.Millisecond, zaptest.NewLogger(t))

	watch(t, w, func() bool { return probe.count() > cap(w.errs)+4 })
	assert.Len(t, w.errs, cap(w.errs))
}
