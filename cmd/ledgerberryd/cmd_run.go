package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/blockberries/ledgerberry/chain"
	"github.com/blockberries/ledgerberry/config"
	"github.com/blockberries/ledgerberry/engine"
	"github.com/blockberries/ledgerberry/metrics"
	"github.com/blockberries/ledgerberry/privval"
	"github.com/blockberries/ledgerberry/store"
	"github.com/blockberries/ledgerberry/transport/wsnet"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a ledger node",
	RunE:  runNode,
}

func runNode(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cfg.Logger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	vs, err := cfg.ValidatorSet()
	if err != nil {
		return err
	}

	var signer privval.Signer
	localID := uuid.NewString()
	pv, err := openSigner(cfg)
	if err != nil {
		return err
	}
	if pv != nil {
		defer pv.Close()
		signer = pv
		localID = pv.PublicKeyID()
		logger.Info("loaded signer", "key", pv.PublicKeyID(), "validator", vs.Has(pv.PublicKeyID()))
	} else {
		logger.Info("no key file, following the chain without voting")
	}

	st, err := store.Open(cfg.StoreOptions(logger))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	ch := chain.New(st, cfg.ChainConfig(vs, logger))
	if err := ch.Load(ctx); err != nil {
		return fmt.Errorf("loading chain: %w", err)
	}

	tc, err := cfg.TransportConfig(localID, logger)
	if err != nil {
		return err
	}
	tr := wsnet.New(tc)
	defer tr.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	votes, err := cfg.VoteLog(logger)
	if err != nil {
		return fmt.Errorf("opening vote log: %w", err)
	}

	node, err := engine.NewNode(cfg.EngineConfig(), ch, vs, signer, tr,
		engine.WithLogger(logger), engine.WithMetrics(m), engine.WithVoteLog(votes))
	if err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		return err
	}
	defer node.Stop()

	mux := http.NewServeMux()
	mux.Handle("/ws", tr)
	(&api{node: node, chain: ch, peers: tr.Peers, logger: logger}).routes(mux)
	servers := []*http.Server{{Addr: cfg.Network.ListenAddr, Handler: mux}}

	if cfg.Metrics.ListenAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		servers = append(servers, &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: metricsMux})
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			logger.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serving %s: %w", srv.Addr, err)
			}
		}()
	}

	for _, url := range cfg.Network.Peers {
		go keepDialing(ctx, tr, url, cfg.Network.DialRetry.Std(), logger)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("server failed", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	return err
}

func openSigner(cfg *config.File) (*privval.FilePV, error) {
	keyPath := cfg.Path(cfg.Node.KeyFile)
	if keyPath == "" {
		return nil, nil
	}
	if _, err := os.Stat(keyPath); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return privval.NewFilePV(keyPath, cfg.Path(cfg.Node.StateFile))
}

// keepDialing connects to url and reconnects whenever the peer drops
func keepDialing(ctx context.Context, tr *wsnet.Transport, url string, retry time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(retry)
	defer ticker.Stop()

	peerID := ""
	for {
		if peerID == "" || !slices.Contains(tr.Peers(), peerID) {
			id, err := tr.Dial(ctx, url)
			switch {
			case err == nil:
				peerID = id
				logger.Info("connected to peer", "url", url, "peer", id)
			case errors.Is(err, wsnet.ErrDuplicatePeer):
			default:
				logger.Debug("dial failed", "url", url, "err", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
