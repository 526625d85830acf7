package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nainya/resourcestore/internal/server"
	"github.com/nainya/resourcestore/pkg/resource"
)

var (
	batchAddr    string
	batchTimeout time.Duration
)

func newBatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch <bundle.json>",
		Short: "Submit a batch or transaction bundle to a running server",
		Args:  cobra.ExactArgs(1),
		RunE:  runBatch,
	}
	cmd.Flags().StringVar(&batchAddr, "addr", "localhost:50051", "gRPC server address")
	cmd.Flags().DurationVar(&batchTimeout, "timeout", 30*time.Second, "request timeout")
	return cmd
}

func runBatch(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}
	b, err := resource.ParseBundle(data)
	if err != nil {
		return err
	}

	client, err := server.Dial(batchAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), batchTimeout)
	defer cancel()

	resp, err := client.Batch(ctx, b)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
