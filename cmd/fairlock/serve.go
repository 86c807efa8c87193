package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/fairlock/pkg/config"
	"github.com/pixperk/fairlock/pkg/gateway"
	"github.com/pixperk/fairlock/pkg/kv"
	"github.com/pixperk/fairlock/pkg/raft"
	"github.com/pixperk/fairlock/pkg/server"
	"github.com/pixperk/fairlock/pkg/store"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a fairlock node",
	Long: `Start a fairlock node serving the KV gRPC API and the admin HTTP API.
The first node of a cluster runs with --bootstrap, later nodes with
--join pointing at the admin address of a running node.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.String(config.KeyNodeID, "", "unique node id, a uuid (generated if empty)")
	f.String(config.KeyRaftAddr, "127.0.0.1:7000", "raft bind address")
	f.String(config.KeyAdvertiseAddr, "", "raft address peers dial (defaults to the bind address)")
	f.String(config.KeyGRPCAddr, ":9000", "gRPC server address")
	f.String(config.KeyHTTPAddr, ":8080", "admin HTTP address")
	f.String(config.KeyDataDir, "./data", "data directory for raft storage")
	f.Bool(config.KeyBootstrap, false, "bootstrap a new cluster")
	f.String(config.KeyJoin, "", "admin address of a cluster member to join through")
	f.Bool(config.KeyStandalone, false, "serve an in-memory store without raft")
	f.Duration(config.KeyApplyTimeout, raft.DefaultApplyTimeout, "how long a write waits for commit")
	f.Duration(config.KeyExpiryInterval, raft.DefaultExpiryInterval, "how often expired leases are collected")
	f.Int(config.KeyHistoryLimit, 1000, "number of events kept for watches")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadServer(v)
	if err != nil {
		return err
	}

	logger.Info("Starting fairlock node.",
		"nodeID", cfg.NodeID, "raft", cfg.RaftAddr, "grpc", cfg.GRPCAddr,
		"http", cfg.HTTPAddr, "data", cfg.DataDir, "bootstrap", cfg.Bootstrap, "standalone", cfg.Standalone)

	var (
		backend  kv.Client
		node     *raft.Node
		shutdown func() error
	)
	if cfg.Standalone {
		m := store.NewMemory(
			store.WithHistoryLimit(cfg.HistoryLimit),
			store.WithExpiryInterval(cfg.ExpiryInterval),
			store.WithLogger(logger.WithName("store")),
		)
		backend, shutdown = m, m.Close
	} else {
		level := hclog.Info
		if v.GetInt("verbosity") > 0 {
			level = hclog.Debug
		}
		node, err = raft.NewNode(&raft.Config{
			NodeID:         cfg.NodeID,
			BindAddr:       cfg.RaftAddr,
			AdvertiseAddr:  cfg.AdvertiseAddr,
			DataDir:        cfg.DataDir,
			Bootstrap:      cfg.Bootstrap,
			ApplyTimeout:   cfg.ApplyTimeout,
			ExpiryInterval: cfg.ExpiryInterval,
			HistoryLimit:   cfg.HistoryLimit,
			Logger:         hclog.New(&hclog.LoggerOptions{Name: "fairlock", Level: level, Output: os.Stderr}),
		})
		if err != nil {
			return fmt.Errorf("failed to create raft node: %w", err)
		}
		backend, shutdown = node, node.Shutdown
	}
	defer func() {
		if err := shutdown(); err != nil {
			logger.Error(err, "Shutdown failed.")
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if node != nil && cfg.Join != "" {
		if err := joinCluster(ctx, cfg.Join, node); err != nil {
			return err
		}
	}

	grpcServer := server.NewServer(backend).Register()
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddr, err)
	}

	gwOpts := []gateway.Option{gateway.WithLogger(logger.WithName("http"))}
	if node != nil {
		gwOpts = append(gwOpts, gateway.WithNode(node))
	}
	gw := gateway.NewServer(cfg.HTTPAddr, backend, gwOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gRPC server listening.", "addr", lis.Addr().String())
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("Admin server listening.", "addr", cfg.HTTPAddr)
		return gw.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully.")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcServer.GracefulStop()
		return gw.Stop(shutdownCtx)
	})

	logger.Info("fairlock is ready.")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Shutdown complete.")
	return nil
}

// asks a running member to add this node, retrying until a leader answers
func joinCluster(ctx context.Context, addr string, node *raft.Node) error {
	body, err := json.Marshal(map[string]string{
		"node_id": node.GetNodeID().String(),
		"addr":    node.Addr(),
	})
	if err != nil {
		return err
	}
	url := "http://" + addr + "/cluster/join"

	for attempt := 1; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				logger.Info("Joined cluster.", "via", addr)
				return nil
			}
			err = fmt.Errorf("join rejected with status %d", resp.StatusCode)
		}
		if attempt == 10 {
			return fmt.Errorf("failed to join cluster via %s: %w", addr, err)
		}
		logger.Info("Join failed, retrying.", "via", addr, "attempt", attempt, "error", err.Error())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
