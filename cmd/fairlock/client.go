package main

import (
	"time"

	"github.com/pixperk/fairlock/pkg/client"
	"github.com/pixperk/fairlock/pkg/config"
	"github.com/spf13/cobra"
)

// adds the flags every command talking to a node needs
func addClientFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String(config.KeyEndpoints, "localhost:9000", "comma-separated gRPC addresses of cluster nodes")
	f.Duration(config.KeyTTL, 10*time.Second, "lease time to live")
	f.Duration(config.KeyTimeout, 5*time.Second, "timeout of a single request")
	f.Duration(config.KeyRetryDelay, 100*time.Millisecond, "pause between retries of failed requests")
}

func newClient() (*client.Client, *config.ClientConfig, error) {
	cfg, err := config.LoadClient(v)
	if err != nil {
		return nil, nil, err
	}
	c, err := client.NewClient(cfg.Endpoints, client.WithLogger(logger.WithName("client")))
	if err != nil {
		return nil, nil, err
	}
	return c, cfg, nil
}
