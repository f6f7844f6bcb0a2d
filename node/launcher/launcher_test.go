package launcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/fedrun/node/role"
)

type fakeProcess struct {
	exit     chan int
	tail     string
	stopErr  error
	stopped  bool
	killed   bool
	mu       sync.Mutex
	waitErr  error
	exitOnce sync.Once
}

func newFakeProcess() *fakeProcess { return &fakeProcess{exit: make(chan int, 1)} }

func (p *fakeProcess) finish(code int) { p.exitOnce.Do(func() { p.exit <- code }) }

func (p *fakeProcess) Wait(ctx context.Context) (int, string, error) {
	select {
	case code := <-p.exit:
		return code, p.tail, p.waitErr
	case <-ctx.Done():
		return -1, "", ctx.Err()
	}
}

func (p *fakeProcess) Stop(ctx context.Context, grace time.Duration) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	if p.stopErr != nil {
		return p.stopErr
	}
	p.finish(143)
	return nil
}

func (p *fakeProcess) Kill(ctx context.Context) error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.finish(137)
	return nil
}

type fakeBackend struct {
	name     string
	startErr error
	mu       sync.Mutex
	procs    []*fakeProcess
	specs    []Spec
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Start(ctx context.Context, unitID string, spec Spec) (Process, error) {
	if b.startErr != nil {
		return nil, b.startErr
	}
	p := newFakeProcess()
	b.mu.Lock()
	b.procs = append(b.procs, p)
	b.specs = append(b.specs, spec)
	b.mu.Unlock()
	return p, nil
}

type countSpy struct {
	mu   sync.Mutex
	last map[string]int
}

func (c *countSpy) SetRunningUnits(backend string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		c.last = map[string]int{}
	}
	c.last[backend] = n
}

func (c *countSpy) get(backend string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last[backend]
}

func newTestLauncher(t *testing.T, b *fakeBackend) (*Launcher, *countSpy) {
	t.Helper()
	spy := &countSpy{}
	return New(NewUnitTable(), zaptest.NewLogger(t), WithBackend(b), WithObserver(spy)), spy
}

func TestSpec_Validate(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		want error
	}{
		{
			name: "no mounts",
			spec: Spec{Role: role.Observer},
		},
		{
			name: "empty host path",
			spec: Spec{Role: role.Contributor, Mounts: []Mount{{Host: " ", Container: "/data", Data: true}}},
			want: ErrEmptyMountPath,
		},
		{
			name: "observer with data mount",
			spec: Spec{Role: role.Observer, Mounts: []Mount{{Host: "/srv/data", Container: "/data", Data: true}}},
			want: ErrObserverDataMount,
		},
		{
			name: "unset role with data mount",
			spec: Spec{Mounts: []Mount{{Host: "/srv/data", Container: "/data", Data: true}}},
			want: ErrObserverDataMount,
		},
		{
			name: "observer with kit mount",
			spec: Spec{Role: role.Observer, Mounts: []Mount{{Host: "/srv/kit", Container: "/kit", ReadOnly: true}}},
		},
		{
			name: "contributor with data mount",
			spec: Spec{Role: role.Contributor, Mounts: []Mount{{Host: "/srv/data", Container: "/data", Data: true}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLauncher_GuardsRegisterNothing(t *testing.T) {
	b := &fakeBackend{name: BackendDocker}
	l, _ := newTestLauncher(t, b)

	_, err := l.Launch(context.Background(), Spec{
		Backend: BackendDocker,
		Role:    role.Observer,
		Mounts:  []Mount{{Host: "/srv/data", Container: "/data", Data: true}},
	})
	require.ErrorIs(t, err, ErrObserverDataMount)
	assert.Empty(t, b.specs, "backend must not be reached")
	assert.Equal(t, 0, l.Units().Len())

	b.startErr = ErrRuntimeUnreachable
	_, err = l.Launch(context.Background(), Spec{Backend: BackendDocker, Image: "img"})
	require.ErrorIs(t, err, ErrRuntimeUnreachable)
	assert.Equal(t, 0, l.Units().Len())

	_, err = l.Launch(context.Background(), Spec{Backend: "vm"})
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestLauncher_OutcomeAndUnitTable(t *testing.T) {
	b := &fakeBackend{name: BackendDocker}
	l, spy := newTestLauncher(t, b)

	h, err := l.Launch(context.Background(), Spec{Backend: BackendDocker, Image: "img", RunID: "r1", ConsortiumID: "c1"})
	require.NoError(t, err)
	assert.NotEmpty(t, h.Unit.ID)

	u, ok := l.Units().Get(h.Unit.ID)
	require.True(t, ok)
	assert.Equal(t, "r1", u.RunID)
	assert.Equal(t, 1, spy.get(BackendDocker))

	b.procs[0].tail = "Traceback\nValueError: boom"
	b.procs[0].finish(2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out := h.Wait(ctx)
	assert.Equal(t, 2, out.ExitCode)
	assert.Error(t, out.Err)
	assert.Contains(t, out.OutputTail, "ValueError")

	require.Eventually(t, func() bool { return l.Units().Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, spy.get(BackendDocker))
}

func TestLauncher_SuccessfulExit(t *testing.T) {
	b := &fakeBackend{name: BackendProcess}
	l, _ := newTestLauncher(t, b)

	h, err := l.Launch(context.Background(), Spec{Backend: BackendProcess, Name: "observer-r1"})
	require.NoError(t, err)
	assert.Equal(t, "observer-r1", h.Unit.ID)
	b.procs[0].finish(0)

	out := <-h.Done()
	assert.NoError(t, out.Err)
	assert.Equal(t, "observer-r1", out.UnitID)
}

func TestHandle_WaitHonoursContext(t *testing.T) {
	b := &fakeBackend{name: BackendDocker}
	l, _ := newTestLauncher(t, b)
	h, err := l.Launch(context.Background(), Spec{Backend: BackendDocker, Image: "img"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := h.Wait(ctx)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, 1, l.Units().Len(), "unit keeps running")

	require.NoError(t, l.StopAll(context.Background(), time.Second))
}

func TestLauncher_StopAll(t *testing.T) {
	b := &fakeBackend{name: BackendDocker}
	l, _ := newTestLauncher(t, b)

	for range 3 {
		_, err := l.Launch(context.Background(), Spec{Backend: BackendDocker, Image: "img"})
		require.NoError(t, err)
	}
	b.procs[1].stopErr = errors.New("timeout")

	require.NoError(t, l.StopAll(context.Background(), 10*time.Millisecond))
	for i, p := range b.procs {
		assert.True(t, p.stopped, "proc %d stopped", i)
	}
	assert.False(t, b.procs[0].killed)
	assert.True(t, b.procs[1].killed)
	require.Eventually(t, func() bool { return l.Units().Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestLauncher_StopUnknownUnit(t *testing.T) {
	l, _ := newTestLauncher(t, &fakeBackend{name: BackendDocker})
	assert.ErrorIs(t, l.Stop(context.Background(), "nope", time.Second), ErrUnitNotFound)
}

func TestUnitTable_Runs(t *testing.T) {
	tbl := NewUnitTable()
	now := time.Now()
	tbl.Add(Unit{ID: "a", RunID: "r1", StartedAt: now}, nil)
	tbl.Add(Unit{ID: "b", RunID: "r1", StartedAt: now.Add(time.Second)}, nil)
	tbl.Add(Unit{ID: "c", RunID: "r2", StartedAt: now.Add(2 * time.Second)}, nil)

	runs := tbl.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, "a", runs[0].ID)
	assert.Equal(t, "r2", runs[1].RunID)

	tbl.Remove("a")
	tbl.Remove("missing")
	assert.Equal(t, 2, tbl.Len())
}

func TestPorts_Reserve(t *testing.T) {
	p := NewPorts(0, 0)
	ports, err := p.Reserve(3)
	require.NoError(t, err)
	require.Len(t, ports, 3)
	assert.NotEqual(t, ports[0], ports[1])
	assert.NotEqual(t, ports[1], ports[2])

	port, err := ReservePort(0, 0)
	require.NoError(t, err)
	assert.Greater(t, port, 0)
}

func TestPorts_RangeExhausted(t *testing.T) {
	base, err := ReservePort(0, 0)
	require.NoError(t, err)

	p := NewPorts(base, base)
	got, err := p.Reserve(1)
	if err != nil {
		// something else grabbed the port in between
		t.Skipf("port %d no longer free: %v", base, err)
	}
	assert.Equal(t, []int{base}, got)

	_, err = p.Reserve(1)
	assert.ErrorIs(t, err, ErrNoFreePort)

	p.Release(base)
	_, err = p.Reserve(1)
	assert.NoError(t, err)
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(2)
	tb.Write([]byte("one\ntwo\nthr"))
	tb.Write([]byte("ee\nfour"))
	assert.Equal(t, "three\nfour", tb.String())
}
