package launcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/fedrun/node/role"
)

// scriptedDocker answers docker CLI invocations by subcommand.
type scriptedDocker struct {
	mu    sync.Mutex
	calls [][]string
	reply map[string]func(args []string) ([]byte, error)
}

func newScriptedDocker() *scriptedDocker {
	return &scriptedDocker{reply: map[string]func([]string) ([]byte, error){}}
}

func (s *scriptedDocker) on(sub string, out string, err error) {
	s.reply[sub] = func([]string) ([]byte, error) { return []byte(out), err }
}

func (s *scriptedDocker) run(_ context.Context, name string, args ...string) ([]byte, error) {
	s.mu.Lock()
	s.calls = append(s.calls, append([]string{name}, args...))
	s.mu.Unlock()
	if f, ok := s.reply[args[0]]; ok {
		return f(args)
	}
	return nil, nil
}

func (s *scriptedDocker) called(sub string) [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]string
	for _, c := range s.calls {
		if c[1] == sub {
			out = append(out, c)
		}
	}
	return out
}

func newScriptedBackend(t *testing.T, s *scriptedDocker, opts ...DockerOption) *DockerBackend {
	t.Helper()
	d, err := NewDockerBackend("docker", zaptest.NewLogger(t), append(opts, withRunner(s.run))...)
	require.NoError(t, err)
	return d
}

func TestDockerBackend_RunArgs(t *testing.T) {
	d := newScriptedBackend(t, newScriptedDocker(), WithHostAlias("host.docker.internal"))

	args := d.runArgs("fedrun-abc", Spec{
		Image:        "fedrun/fedavg:1",
		Path:         "/var/fedrun/runs/r1/kit",
		RunID:        "r1",
		ConsortiumID: "c1",
		Role:         role.Contributor,
		Mounts: []Mount{
			{Host: "/srv/data", Container: "/data", ReadOnly: true, Data: true},
		},
		Ports:   []int{8002, 8003},
		Env:     map[string]string{"B": "2", "A": "1"},
		Command: []string{"start.sh"},
	})

	joined := strings.Join(args, " ")
	assert.True(t, strings.HasPrefix(joined, "run --detach --name fedrun-abc"))
	assert.Contains(t, joined, "--label fedrun.run_id=r1")
	assert.Contains(t, joined, "--label fedrun.consortium_id=c1")
	assert.Contains(t, joined, "--add-host host.docker.internal:host-gateway")
	assert.Contains(t, joined, "-v /var/fedrun/runs/r1/kit:/workspace --workdir /workspace")
	assert.Contains(t, joined, "-v /srv/data:/data:ro")
	assert.Contains(t, joined, "-p 8002:8002 -p 8003:8003")
	assert.Contains(t, joined, "-e A=1 -e B=2")
	assert.True(t, strings.HasSuffix(joined, "fedrun/fedavg:1 start.sh"))
}

func TestDockerBackend_StartErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(s *scriptedDocker)
		image string
		want  error
	}{
		{
			name: "daemon down",
			setup: func(s *scriptedDocker) {
				s.on("info", "Cannot connect to the Docker daemon", errors.New("exit status 1"))
			},
			image: "img",
			want:  ErrRuntimeUnreachable,
		},
		{
			name: "image missing",
			setup: func(s *scriptedDocker) {
				s.on("image", "Error: No such image: img", errors.New("exit status 1"))
			},
			image: "img",
			want:  ErrImageNotFound,
		},
		{
			name: "object missing",
			setup: func(s *scriptedDocker) {
				s.on("image", "Error: No such object: img", errors.New("exit status 1"))
			},
			image: "img",
			want:  ErrImageNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newScriptedDocker()
			tt.setup(s)
			d := newScriptedBackend(t, s)

			_, err := d.Start(context.Background(), "u1", Spec{Image: tt.image})
			require.ErrorIs(t, err, tt.want)
			assert.Empty(t, s.called("run"), "no container may be created")
		})
	}
}

func TestDockerBackend_ImageRequired(t *testing.T) {
	s := newScriptedDocker()
	d := newScriptedBackend(t, s)
	_, err := d.Start(context.Background(), "u1", Spec{})
	assert.Error(t, err)
	assert.Empty(t, s.calls)
}

func TestDockerBackend_WaitCollectsTailAndRemoves(t *testing.T) {
	s := newScriptedDocker()
	s.on("image", "sha256:abc", nil)
	s.on("wait", "3\n", nil)
	s.on("logs", "line1\nKeyError: 'weights'\n", nil)
	d := newScriptedBackend(t, s, WithTailLines(5))

	proc, err := d.Start(context.Background(), "u1", Spec{Image: "img"})
	require.NoError(t, err)

	code, tail, err := proc.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, "line1\nKeyError: 'weights'", tail)

	logs := s.called("logs")
	require.Len(t, logs, 1)
	assert.Equal(t, []string{"docker", "logs", "--tail", "5", "u1"}, logs[0])
	assert.Len(t, s.called("rm"), 1)
}

func TestDockerBackend_WaitGarbage(t *testing.T) {
	s := newScriptedDocker()
	s.on("wait", "not-a-number", nil)
	d := newScriptedBackend(t, s)

	_, _, err := (&container{backend: d, name: "u1"}).Wait(context.Background())
	assert.Error(t, err)
}

func TestDockerBackend_StopAndKill(t *testing.T) {
	s := newScriptedDocker()
	d := newScriptedBackend(t, s)
	c := &container{backend: d, name: "u1"}

	require.NoError(t, c.Stop(context.Background(), 10*time.Second))
	assert.Equal(t, []string{"docker", "stop", "--time", "10", "u1"}, s.called("stop")[0])

	s.on("kill", "No such container", errors.New("exit status 1"))
	assert.Error(t, c.Kill(context.Background()))
}

func TestDockerBackend_WithLauncher(t *testing.T) {
	s := newScriptedDocker()
	s.on("image", "sha256:abc", nil)
	release := make(chan struct{})
	s.reply["wait"] = func([]string) ([]byte, error) {
		<-release
		return []byte("0"), nil
	}
	l := New(NewUnitTable(), zaptest.NewLogger(t), WithBackend(newScriptedBackend(t, s)))

	h, err := l.Launch(context.Background(), Spec{Backend: BackendDocker, Image: "img", RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, 1, l.Units().CountBackend(BackendDocker))

	close(release)
	out := h.Wait(context.Background())
	assert.NoError(t, out.Err)
	assert.Equal(t, 0, out.ExitCode)
}
