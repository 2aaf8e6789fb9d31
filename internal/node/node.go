// Package node assembles a tabcomm process from its configuration: the
// origin store, the optional libp2p bridge, and the tab API.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"ClawdCity-TabComm/internal/config"
	"ClawdCity-TabComm/internal/core/network"
	"ClawdCity-TabComm/internal/core/storage"
	"ClawdCity-TabComm/internal/logger"
	"ClawdCity-TabComm/internal/metrics"
	"ClawdCity-TabComm/internal/tabapi"
	"ClawdCity-TabComm/internal/tabcomm"
)

const shutdownTimeout = 5 * time.Second

type Node struct {
	cfg     config.Config
	log     *logger.Logger
	metrics *metrics.Metrics

	area   *storage.Area
	p2p    *network.Libp2pPubSub
	bridge *storage.Bridge
	api    *tabapi.Server
	http   *http.Server
}

// New builds every component but does not start listening.
func New(ctx context.Context, cfg config.Config, log *logger.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Discard()
	}
	n := &Node{
		cfg:     cfg,
		log:     log,
		metrics: metrics.New(metrics.WithNamespace(cfg.Metrics.Namespace)),
	}

	backend, err := openBackend(cfg.Store)
	if err != nil {
		return nil, err
	}
	n.area = storage.NewArea(backend,
		storage.WithBuffer(cfg.Store.Buffer),
		storage.WithLogger(log.With("component", "storage")),
	)

	if cfg.Network.Enabled {
		if err := n.startNetwork(ctx); err != nil {
			_ = n.Close()
			return nil, err
		}
	}

	n.api = tabapi.NewServer(n.area,
		tabapi.WithLogger(log.With("component", "tabapi")),
		tabapi.WithMetrics(n.metrics),
		tabapi.WithDefaultTimeout(cfg.Protocol.DefaultTimeout),
		tabapi.WithCommunicatorOptions(
			tabcomm.WithPrefixes(cfg.Protocol.RequestPrefix, cfg.Protocol.AckPrefix),
			tabcomm.WithLogger(log.With("component", "tabcomm")),
			tabcomm.WithMetrics(n.metrics),
		),
	)
	n.http = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           n.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return n, nil
}

func openBackend(cfg config.StoreConfig) (storage.Backend, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return storage.NewMemoryBackend(), nil
	case config.DriverSQLite:
		return storage.OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("%w: %s", config.ErrUnknownDriver, cfg.Driver)
	}
}

func (n *Node) startNetwork(ctx context.Context) error {
	p2p, err := network.NewLibp2pPubSub(ctx, network.Libp2pOptions{
		ListenAddrs:     n.cfg.Network.ListenAddrs,
		Bootstrap:       n.cfg.Network.Bootstrap,
		Rendezvous:      n.cfg.Network.Rendezvous,
		EnableMDNS:      n.cfg.Network.MDNS,
		IdentityKeyFile: n.cfg.Network.IdentityKeyFile,
		Logger:          n.log.With("component", "libp2p"),
	})
	if err != nil {
		return fmt.Errorf("start libp2p: %w", err)
	}
	n.p2p = p2p
	bridge, err := storage.NewBridge(n.area, p2p, n.cfg.Network.Topic, n.log.With("component", "bridge"))
	if err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}
	n.bridge = bridge
	n.log.Info("bridge started", "peer", p2p.ID(), "listen", p2p.ListenAddrs())
	return nil
}

// Area returns the node's origin store.
func (n *Node) Area() *storage.Area { return n.area }

// Metrics returns the node's collectors.
func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

// Run serves the tab API until ctx ends, then shuts down gracefully.
func (n *Node) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.http.Addr)
	if err != nil {
		return err
	}
	return n.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (n *Node) Serve(ctx context.Context, ln net.Listener) error {
	n.log.Info("tab API listening", "addr", ln.Addr().String())
	errCh := make(chan error, 1)
	go func() { errCh <- n.http.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := n.http.Shutdown(shutdownCtx); err != nil {
		n.log.Warn("http shutdown", "error", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close releases every component in reverse order of construction.
func (n *Node) Close() error {
	var errs []error
	if n.api != nil {
		errs = append(errs, n.api.Close())
	}
	if n.bridge != nil {
		errs = append(errs, n.bridge.Close())
	}
	if n.p2p != nil {
		errs = append(errs, n.p2p.Close())
	}
	if n.area != nil {
		errs = append(errs, n.area.Close())
	}
	return errors.Join(errs...)
}
