package transfer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/fedrun/api/handlers"
	"github.com/BaSui01/fedrun/internal/auth"
	"github.com/BaSui01/fedrun/internal/filestore"
	"github.com/BaSui01/fedrun/types"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		raw, alias, want string
	}{
		{"http://localhost:8081/download/c1/r1/bob", "host.docker.internal", "http://host.docker.internal:8081/download/c1/r1/bob"},
		{"http://127.0.0.1:8081/x", "host.docker.internal", "http://host.docker.internal:8081/x"},
		{"https://localhost/x?token=t", "gw", "https://gw/x?token=t"},
		{"http://files.example.org:8081/x", "gw", "http://files.example.org:8081/x"},
		{"http://localhost:8081/x", "", "http://localhost:8081/x"},
		{"", "gw", ""},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeURL(tt.raw, tt.alias))
		})
	}
}

type storageFixture struct {
	srv     *httptest.Server
	issuer  *auth.Issuer
	central string
}

func newStorageFixture(t *testing.T) *storageFixture {
	t.Helper()
	backend, err := filestore.NewDiskBackend(t.TempDir())
	require.NoError(t, err)
	store := filestore.NewService(backend, zaptest.NewLogger(t), filestore.WithSpoolDir(t.TempDir()))

	mux := http.NewServeMux()
	handlers.NewFileHandler(store, auth.NewVerifier("secret", "fedrun"), 0, zaptest.NewLogger(t)).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	issuer := auth.NewIssuer("secret", "fedrun", time.Hour)
	central, err := issuer.IssueCentral()
	require.NoError(t, err)
	return &storageFixture{srv: srv, issuer: issuer, central: central}
}

func (f *storageFixture) client(t *testing.T, token string) *Client {
	t.Helper()
	return NewClient(f.srv.Client(), Config{
		BaseURL:  f.srv.URL,
		Attempts: 3,
		Delay:    10 * time.Millisecond,
		Token:    func() string { return token },
	}, zaptest.NewLogger(t))
}

func TestClient_KitRoundTrip(t *testing.T) {
	f := newStorageFixture(t)
	kit := t.TempDir()
	writeTree(t, kit, map[string]string{
		"startup/participant_role.json": `{"role":"contributor"}`,
		"app/train.py":                  "pass\n",
	})

	central := f.client(t, f.central)
	resp, err := central.UploadKit(context.Background(), "c1", "r1", "bob", kit)
	require.NoError(t, err)
	assert.Equal(t, "c1/r1/kits/bob.tar.gz", resp.Key)
	assert.Positive(t, resp.Size)

	token, err := f.issuer.IssueDownload("bob", "c1", "r1", time.Minute)
	require.NoError(t, err)
	dest := filepath.Join(t.TempDir(), "kit")

	node := f.client(t, "")
	require.NoError(t, node.DownloadKit(context.Background(), f.srv.URL+"/download/c1/r1/bob", token, dest))
	assert.FileExists(t, filepath.Join(dest, "startup", "participant_role.json"))
	assert.FileExists(t, filepath.Join(dest, "app", "train.py"))
	assert.NoFileExists(t, filepath.Join(dest, "kit.tar.gz"), "archive is deleted after unpack")
}

func TestClient_DownloadKitForbiddenIsNotRetried(t *testing.T) {
	f := newStorageFixture(t)
	var hits atomic.Int32
	counting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		f.srv.Config.Handler.ServeHTTP(w, r)
	}))
	defer counting.Close()

	token, err := f.issuer.IssueDownload("mallory", "c1", "r1", time.Minute)
	require.NoError(t, err)

	err = f.client(t, "").DownloadKit(context.Background(), counting.URL+"/download/c1/r1/bob", token, t.TempDir())
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrProvisioningFailed))
	assert.Equal(t, int32(1), hits.Load())
}

func TestClient_DownloadRetriesThenSucceeds(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"model.pt": "weights"})
	archive := filepath.Join(t.TempDir(), "results.tar.gz")
	_, _, err := Archive(src, archive)
	require.NoError(t, err)
	body, err := os.ReadFile(archive)
	require.NoError(t, err)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "node-token", r.Header.Get("x-access-token"))
		switch hits.Add(1) {
		case 1:
			w.WriteHeader(http.StatusNotFound)
		case 2:
			w.WriteHeader(http.StatusOK) // zero bytes
		default:
			w.Write(body)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), Config{BaseURL: srv.URL, Attempts: 3, Delay: time.Millisecond, Token: func() string { return "node-token" }}, zaptest.NewLogger(t))
	dest := t.TempDir()
	require.NoError(t, c.DownloadResults(context.Background(), "c1", "r1", dest, ""))
	assert.Equal(t, int32(3), hits.Load())
	assert.FileExists(t, filepath.Join(dest, "model.pt"))
}

func TestClient_DownloadExhaustsAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), Config{BaseURL: srv.URL, Attempts: 2, Delay: time.Millisecond}, zaptest.NewLogger(t))
	err := c.DownloadResults(context.Background(), "c1", "r1", t.TempDir(), "tok")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrTransferFailed))
	assert.Equal(t, int32(2), hits.Load())
}

func TestClient_ResultsUploadAndDownload(t *testing.T) {
	f := newStorageFixture(t)
	out := t.TempDir()
	writeTree(t, out, map[string]string{"global_model.pt": "aggregate"})

	_, err := f.client(t, f.central).UploadResults(context.Background(), "c1", "r1", out, "")
	require.NoError(t, err)

	token, err := f.issuer.IssueDownload("bob", "c1", "r1", time.Minute)
	require.NoError(t, err)
	dest := t.TempDir()
	require.NoError(t, f.client(t, "").DownloadResults(context.Background(), "c1", "r1", dest, token))
	got, err := os.ReadFile(filepath.Join(dest, "global_model.pt"))
	require.NoError(t, err)
	assert.Equal(t, "aggregate", string(got))

	_, err = f.client(t, "").UploadResults(context.Background(), "c1", "r1", out, "bogus")
	assert.True(t, types.IsErrorCode(err, types.ErrTransferFailed))
}
