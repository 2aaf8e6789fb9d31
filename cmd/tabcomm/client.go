package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"ClawdCity-TabComm/internal/tabapi"

	"github.com/spf13/cobra"
)

// withTab runs fn against a temporary tab on the configured server.
func withTab(ctx context.Context, fn func(c *tabapi.Client, id string) error) error {
	c := tabapi.NewClient(serverURL)
	id, err := c.OpenTab(ctx)
	if err != nil {
		return fmt.Errorf("open tab: %w", err)
	}
	defer func() { _ = c.CloseTab(context.Background(), id) }()
	return fn(c, id)
}

// parseArgs reads each argument as JSON, falling back to a JSON string.
func parseArgs(in []string) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(in))
	for _, a := range in {
		if json.Valid([]byte(a)) {
			out = append(out, json.RawMessage(a))
			continue
		}
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func emitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "emit <name> [json-args...]",
		Short: "Send a fire-and-forget request",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseArgs(args[1:])
			if err != nil {
				return err
			}
			return withTab(cmd.Context(), func(c *tabapi.Client, id string) error {
				return c.Emit(cmd.Context(), id, args[0], values...)
			})
		},
	}
}

func callCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "call <name> [json-args...]",
		Short: "Send a request and print its acknowledgement",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseArgs(args[1:])
			if err != nil {
				return err
			}
			return withTab(cmd.Context(), func(c *tabapi.Client, id string) error {
				result, err := c.Call(cmd.Context(), id, args[0], timeout, values...)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				return enc.Encode(result)
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "time to wait for the acknowledgement")

	return cmd
}

func cleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove request entries left behind in the origin store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTab(cmd.Context(), func(c *tabapi.Client, id string) error {
				n, err := c.Clean(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Printf("removed %d request entries\n", n)
				return nil
			})
		},
	}
}
