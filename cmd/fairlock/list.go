package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/pixperk/fairlock/pkg/kv"
	"github.com/spf13/cobra"
)

var (
	listCmd = &cobra.Command{
		Use:   "list <resource>",
		Short: "Show the queue of a resource, holder first",
		Args:  cobra.ExactArgs(1),
		RunE:  runList,
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Print the status of the node the client reaches",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
)

func init() {
	rootCmd.AddCommand(listCmd, statusCmd)
	addClientFlags(listCmd)
	addClientFlags(statusCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	c, cfg, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
	defer cancel()

	rng := kv.ResourceRange(args[0])
	resp, err := c.Range(ctx, &kv.RangeRequest{Key: rng.Begin, RangeEnd: rng.End})
	if err != nil {
		return err
	}
	sort.Slice(resp.Kvs, func(i, j int) bool { return resp.Kvs[i].ModRevision < resp.Kvs[j].ModRevision })

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "POS\tREVISION\tLEASE\tKEY\tVALUE")
	for i, record := range resp.Kvs {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\n", i, record.ModRevision, record.Lease, record.Key, record.Value)
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, _ []string) error {
	c, cfg, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
	defer cancel()

	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}
