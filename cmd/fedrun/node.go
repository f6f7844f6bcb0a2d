package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/BaSui01/fedrun/config"
	"github.com/BaSui01/fedrun/internal/metrics"
	"github.com/BaSui01/fedrun/internal/server"
	"github.com/BaSui01/fedrun/internal/tlsutil"
	"github.com/BaSui01/fedrun/node/centralclient"
	"github.com/BaSui01/fedrun/node/coordinator"
	"github.com/BaSui01/fedrun/node/launcher"
	"github.com/BaSui01/fedrun/node/role"
	"github.com/BaSui01/fedrun/node/stream"
	"github.com/BaSui01/fedrun/node/supervisor"
	"github.com/BaSui01/fedrun/node/transfer"
)

// Node is one central-launcher, edge or vault process.
type Node struct {
	cfg    *config.Config
	logger *zap.Logger

	collector      *metrics.Collector
	launcher       *launcher.Launcher
	dispatcher     *coordinator.Dispatcher
	supervisor     *supervisor.Supervisor
	metricsManager *server.Manager
}

// NewNode wires a node for cfg.Node.Role. base bounds every pipeline the
// node starts.
func NewNode(base context.Context, cfg *config.Config, logger *zap.Logger) (*Node, error) {
	n := &Node{cfg: cfg, logger: logger}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	n.collector = metrics.NewCollector("fedrun_node", registry, logger)
	if cfg.Server.MetricsPort > 0 {
		n.metricsManager = newMetricsManager(cfg.Server, registry, logger)
	}

	apiClient, err := tlsutil.HTTPClient(cfg.Transfer.Timeout, cfg.Node.CAFile)
	if err != nil {
		return nil, fmt.Errorf("build HTTP client: %w", err)
	}
	// no overall timeout: the event stream is a long-lived connection
	streamClient, err := tlsutil.HTTPClient(0, cfg.Node.CAFile)
	if err != nil {
		return nil, fmt.Errorf("build stream client: %w", err)
	}

	// resolved on every request so a replaced credential applies at once
	token := func() string { return n.supervisor.Token() }

	central := centralclient.New(cfg.Node.CentralURL, apiClient, token, logger)
	files := newTransferClient(cfg, apiClient, token, logger)

	n.launcher = n.newLauncher(token)
	coord, err := n.newCoordinator(central, files)
	if err != nil {
		return nil, err
	}
	n.dispatcher = coordinator.NewDispatcher(base, logger, coord)

	n.supervisor = supervisor.New(supervisor.Config{
		StreamURL:   cfg.Node.EventStreamURL,
		Token:       cfg.Node.AccessToken,
		GracePeriod: cfg.Shutdown.GracePeriod,
		StreamOptions: []stream.Option{
			stream.WithPolicy(stream.PolicyFromConfig(cfg.Reconnect)),
			stream.WithPingInterval(cfg.Reconnect.PingInterval),
			stream.WithHTTPClient(streamClient),
			stream.WithReconnectObserver(n.collector),
		},
	}, n.dispatcher, n.launcher, central, logger)
	return n, nil
}

// newLauncher registers the docker backend when the CLI is installed and
// always the local process backend.
func (n *Node) newLauncher(token func() string) *launcher.Launcher {
	opts := []launcher.Option{launcher.WithObserver(n.collector)}

	docker, err := launcher.NewDockerBackend(n.cfg.Node.DockerBinary, n.logger,
		launcher.WithHostAlias(n.cfg.Node.ContainerHostAlias))
	if err != nil {
		n.logger.Warn("container backend unavailable; container units will fail to launch", zap.Error(err))
	} else {
		opts = append(opts, launcher.WithBackend(docker))
	}

	py := n.cfg.Node.Python
	opts = append(opts, launcher.WithBackend(launcher.NewProcessBackend(launcher.ProcessConfig{
		Interpreter:    py.Interpreter,
		VenvDir:        py.VenvDir,
		Package:        py.Package,
		PackageVersion: py.PackageVersion,
		Entrypoint:     py.Entrypoint,
		FileServerURL:  fileServerURL(n.cfg),
		AccessToken:    token,
	}, n.logger)))

	return launcher.New(launcher.NewUnitTable(), n.logger, opts...)
}

func (n *Node) newCoordinator(central *centralclient.Client, files *transfer.Client) (coordinator.Coordinator, error) {
	layout := coordinator.Layout{Base: n.cfg.Node.BaseDir}
	switch n.cfg.Node.Role {
	case "central":
		return coordinator.NewCentralLauncher(coordinator.CentralConfig{
			Layout:           layout,
			HostIdentifier:   n.cfg.Node.HostIdentifier,
			ProvisionImage:   n.cfg.Node.ProvisionImage,
			StatusCommand:    n.cfg.Node.StatusCommand,
			ProgressInterval: n.cfg.Node.ProgressInterval,
			ProgressDedupe:   n.cfg.Node.ProgressDedupe,
		}, central, files, n.launcher,
			launcher.NewPorts(n.cfg.Node.PortRangeMin, n.cfg.Node.PortRangeMax),
			n.logger, coordinator.WithCentralObserver(n.collector)), nil
	case "edge":
		return n.participant(layout, role.Contributor, central, files), nil
	case "vault":
		return n.participant(layout, role.Observer, central, files), nil
	default:
		return nil, fmt.Errorf("unknown node role %q", n.cfg.Node.Role)
	}
}

func (n *Node) participant(layout coordinator.Layout, kind role.Role, central *centralclient.Client, files *transfer.Client) coordinator.Coordinator {
	return coordinator.NewParticipant(coordinator.ParticipantConfig{
		Layout: layout,
		Kind:   kind,
		UserID: n.cfg.Node.UserID,
	}, central, files, n.launcher, n.logger,
		coordinator.WithParticipantObserver(n.collector),
		coordinator.WithRunCredentials(central),
	)
}

// newTransferClient builds the file-storage client. Localhost URLs from
// central, including per-run download URLs, are rewritten to the container
// host alias; an empty alias disables the rewrite.
func newTransferClient(cfg *config.Config, httpClient *http.Client, token func() string, logger *zap.Logger) *transfer.Client {
	return transfer.NewClient(httpClient, transfer.Config{
		BaseURL:   cfg.Node.FileStorageURL,
		HostAlias: cfg.Node.ContainerHostAlias,
		Attempts:  cfg.Transfer.Attempts,
		Delay:     cfg.Transfer.Delay,
		Token:     token,
	}, logger)
}

// fileServerURL is the file-storage address handed to launched units.
func fileServerURL(cfg *config.Config) string {
	return transfer.NormalizeURL(cfg.Node.FileStorageURL, cfg.Node.ContainerHostAlias)
}

// Run serves until shutdown. Termination signals arrive on signals; each
// value on reload replaces the access token with the one in the reloaded
// configuration.
func (n *Node) Run(ctx context.Context, signals <-chan os.Signal, reload <-chan string) error {
	if n.metricsManager != nil {
		if err := n.metricsManager.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer n.metricsManager.Shutdown(context.Background())
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case token := <-reload:
				if token == "" || token == n.supervisor.Token() {
					continue
				}
				n.supervisor.SetToken(token)
			}
		}
	}()

	n.logger.Info("node started",
		zap.String("role", n.cfg.Node.Role),
		zap.String("user_id", n.cfg.Node.UserID),
		zap.Strings("topics", n.dispatcher.Topics()),
	)
	err := n.supervisor.Run(ctx, signals)
	n.logger.Info("node stopped")
	return err
}
