package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/pixperk/fairlock/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const Version = "0.1.0"

var (
	v      *viper.Viper
	logger logr.Logger

	shutdownTracing = func(context.Context) error { return nil }

	rootCmd = &cobra.Command{
		Use:   "fairlock",
		Short: "fair distributed locks over a replicated key-value store",
		Long: fmt.Sprintf(`fairlock (v%s)

Queue-ordered distributed locks on top of a raft replicated, revisioned
key-value store with leases and watches. Every flag can also be set
through FAIRLOCK_<FLAG> environment variables or a .env file.`, Version),
		SilenceUsage:       true,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of fairlock",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fairlock v%s\n", Version)
		},
	}
)

func init() {
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().IntP("verbosity", "v", 0, "log verbosity (0 = info, 1 = debug)")
	rootCmd.PersistentFlags().Bool("trace", false, "print lock and request spans to stdout")
}

// binds flags to viper, then builds the logger and the tracer
func setup(cmd *cobra.Command, _ []string) error {
	v = config.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	stdr.SetVerbosity(v.GetInt("verbosity"))
	logger = stdr.NewWithOptions(log.New(os.Stderr, "", log.LstdFlags), stdr.Options{}).WithName("fairlock")

	if v.GetBool("trace") {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		shutdownTracing = tp.Shutdown
	}
	return nil
}

func teardown(_ *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return shutdownTracing(ctx)
}
