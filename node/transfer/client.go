package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/BaSui01/fedrun/api"
	"github.com/BaSui01/fedrun/types"
)

const (
	headerAccessToken   = "x-access-token"
	headerContentSHA256 = "x-content-sha256"

	defaultAttempts = 5
	defaultDelay    = 3 * time.Second
)

// ErrEmptyArchive is returned when the server answers 2xx with no body.
var ErrEmptyArchive = errors.New("transfer: zero-byte archive")

// Config configures a Client.
type Config struct {
	// BaseURL of the file-storage service, e.g. http://files:8081.
	BaseURL string
	// HostAlias replaces localhost hosts in URLs handed to the node; empty
	// leaves them alone.
	HostAlias string
	// Attempts and Delay bound download retries.
	Attempts int
	Delay    time.Duration
	// Token returns the node's credential for uploads and result downloads.
	Token func() string
}

// Client talks to the file-storage service.
type Client struct {
	http   *http.Client
	cfg    Config
	logger *zap.Logger
}

func NewClient(httpClient *http.Client, cfg Config, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.Delay <= 0 {
		cfg.Delay = defaultDelay
	}
	if cfg.Token == nil {
		cfg.Token = func() string { return "" }
	}
	cfg.BaseURL = strings.TrimRight(NormalizeURL(cfg.BaseURL, cfg.HostAlias), "/")
	return &Client{
		http:   httpClient,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "transfer")),
	}
}

// NormalizeURL rewrites a localhost or 127.0.0.1 host to alias, keeping the
// port. Other URLs, and any URL when alias is empty, are returned unchanged.
func NormalizeURL(raw, alias string) string {
	if alias == "" || raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	host := u.Hostname()
	if host != "localhost" && host != "127.0.0.1" {
		return raw
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(alias, port)
	} else {
		u.Host = alias
	}
	return u.String()
}

// UploadKit archives kitDir and uploads it as userID's kit for the run.
func (c *Client) UploadKit(ctx context.Context, consortiumID, runID, userID, kitDir string) (*api.UploadResponse, error) {
	archive, digest, cleanup, err := c.pack(kitDir)
	if err != nil {
		return nil, types.NewError(types.ErrProvisioningFailed, "failed to archive kit for "+userID).WithCause(err)
	}
	defer cleanup()

	target := fmt.Sprintf("%s/upload/%s/%s", c.cfg.BaseURL, url.PathEscape(consortiumID), url.PathEscape(runID))
	resp, err := c.postMultipart(ctx, target, c.cfg.Token(), archive, digest, map[string]string{"user_id": userID})
	if err != nil {
		return nil, types.NewError(types.ErrProvisioningFailed, "kit upload failed for "+userID).WithCause(err)
	}
	c.logger.Info("kit uploaded",
		zap.String("run_id", runID),
		zap.String("user_id", userID),
		zap.Int64("size", resp.Size),
	)
	return resp, nil
}

// DownloadKit fetches the kit at rawURL with the download token, unpacks it
// into destDir and deletes the archive. Failures after the configured
// attempts are PROVISIONING_FAILED.
func (c *Client) DownloadKit(ctx context.Context, rawURL, token, destDir string) error {
	target := NormalizeURL(rawURL, c.cfg.HostAlias)
	if err := c.fetchAndExtract(ctx, target, token, destDir, "kit.tar.gz"); err != nil {
		return types.NewError(types.ErrProvisioningFailed, "kit download failed").WithCause(err)
	}
	return nil
}

// UploadResults archives srcDir and uploads it as the run's results. With the
// central credential this is the aggregate; with a run-scoped token it is the
// caller's own. An empty token uses the configured credential.
func (c *Client) UploadResults(ctx context.Context, consortiumID, runID, srcDir, token string) (*api.UploadResponse, error) {
	archive, digest, cleanup, err := c.pack(srcDir)
	if err != nil {
		return nil, types.NewError(types.ErrTransferFailed, "failed to archive results").WithCause(err)
	}
	defer cleanup()

	target := fmt.Sprintf("%s/upload_results/%s/%s", c.cfg.BaseURL, url.PathEscape(consortiumID), url.PathEscape(runID))
	resp, err := c.postMultipart(ctx, target, c.token(token), archive, digest, nil)
	if err != nil {
		return nil, types.NewError(types.ErrTransferFailed, "results upload failed").WithCause(err)
	}
	c.logger.Info("results uploaded", zap.String("run_id", runID), zap.Int64("size", resp.Size))
	return resp, nil
}

// DownloadResults fetches the aggregate results of a run into destDir,
// retrying while they are not yet available.
func (c *Client) DownloadResults(ctx context.Context, consortiumID, runID, destDir, token string) error {
	target := fmt.Sprintf("%s/download_results/%s/%s", c.cfg.BaseURL, url.PathEscape(consortiumID), url.PathEscape(runID))
	if err := c.fetchAndExtract(ctx, target, c.token(token), destDir, "results.tar.gz"); err != nil {
		return types.NewError(types.ErrTransferFailed, "results download failed").WithCause(err)
	}
	return nil
}

func (c *Client) token(override string) string {
	if override != "" {
		return override
	}
	return c.cfg.Token()
}

func (c *Client) pack(dir string) (archive, digest string, cleanup func(), err error) {
	tmp, err := os.MkdirTemp("", "fedrun-archive-")
	if err != nil {
		return "", "", nil, err
	}
	cleanup = func() { os.RemoveAll(tmp) }
	archive = filepath.Join(tmp, "archive.tar.gz")
	digest, _, err = Archive(dir, archive)
	if err != nil {
		cleanup()
		return "", "", nil, err
	}
	return archive, digest, cleanup, nil
}

func (c *Client) postMultipart(ctx context.Context, target, token, archive, digest string, fields map[string]string) (*api.UploadResponse, error) {
	f, err := os.Open(archive)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		for k, v := range fields {
			if err := mw.WriteField(k, v); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		part, err := mw.CreateFormFile("file", filepath.Base(archive))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(headerAccessToken, token)
	req.Header.Set(headerContentSHA256, digest)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp)
	}

	var env api.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	var out api.UploadResponse
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &out); err != nil {
			return nil, fmt.Errorf("decode upload response: %w", err)
		}
	}
	return &out, nil
}

// fetchAndExtract downloads target with bounded fixed-delay retries, then
// unpacks it into destDir. 401 and 403 are not retried.
func (c *Client) fetchAndExtract(ctx context.Context, target, token, destDir, name string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	archive := filepath.Join(destDir, name)
	defer os.Remove(archive)

	attempt := 0
	size, err := backoff.Retry(ctx, func() (int64, error) {
		attempt++
		n, err := c.fetch(ctx, target, token, archive)
		if err != nil {
			var se *statusErr
			if errors.As(err, &se) && (se.code == http.StatusUnauthorized || se.code == http.StatusForbidden) {
				return 0, backoff.Permanent(err)
			}
			return 0, err
		}
		return n, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.Delay)),
		backoff.WithMaxTries(uint(c.cfg.Attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("download failed, retrying",
				zap.String("url", redact(target)),
				zap.Int("attempt", attempt),
				zap.Duration("next", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		return fmt.Errorf("after %d attempts: %w", attempt, err)
	}

	if err := Extract(archive, destDir); err != nil {
		return err
	}
	c.logger.Debug("archive extracted", zap.String("dest", destDir), zap.Int64("size", size))
	return nil
}

func (c *Client) fetch(ctx context.Context, target, token, dst string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, backoff.Permanent(err)
	}
	if token != "" {
		req.Header.Set(headerAccessToken, token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, statusError(resp)
	}

	out, err := os.Create(dst)
	if err != nil {
		return 0, backoff.Permanent(err)
	}
	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrEmptyArchive
	}
	return n, nil
}

type statusErr struct {
	code int
	body string
}

func (e *statusErr) Error() string {
	if e.body == "" {
		return fmt.Sprintf("unexpected status %d", e.code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))
	var env api.Envelope
	if json.Unmarshal(body, &env) == nil && env.Error != nil {
		msg = env.Error.Code + ": " + env.Error.Message
	}
	return &statusErr{code: resp.StatusCode, body: msg}
}

// redact drops the query string, which may carry a token.
func redact(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
