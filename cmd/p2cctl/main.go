package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"p2c-service/config"
	"p2c-service/internal/app"
	"p2c-service/internal/util"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "p2cctl",
		Short:         "Maintenance commands for the P2C payment service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(expireStaleCmd())
	rootCmd.AddCommand(recalculateCmd())
	rootCmd.AddCommand(repairCmd())
	rootCmd.AddCommand(pollCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp builds the service graph for one command and tears it down after.
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	cfg := config.Load()
	if err := util.InitLogger(cfg.Server.Env); err != nil {
		return err
	}
	defer util.SyncLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func expireStaleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire-stale",
		Short: "Expire abandoned transactions and release their inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				n, err := a.Sweeper.ExpireStale(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Expired %d transaction(s)\n", n)
				return nil
			})
		},
	}
}

func recalculateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recalculate [sku]",
		Short: "Rebuild the reserved counter of a SKU, or of every SKU with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			if len(args) == 0 && !all {
				return errors.New("give a sku or --all")
			}
			return withApp(func(ctx context.Context, a *app.App) error {
				if all {
					skus, released, err := a.Sweeper.Recalculate(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("Recalculated %d sku(s), released %d reservation(s)\n", skus, released)
					return nil
				}
				item, released, err := a.Inventory.Recalculate(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Released %d reservation(s)\n", released)
				return printJSON(item)
			})
		},
	}

	cmd.Flags().Bool("all", false, "Recalculate every SKU")
	return cmd
}

func repairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Re-dispatch approved transactions whose pipeline never completed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				n, err := a.Sweeper.Repair(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Re-dispatched %d approval(s)\n", n)
				return nil
			})
		},
	}
}

func pollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll [control]",
		Short: "Query the gateway for a transaction and settle it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				res, err := a.Recon.PollStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one full maintenance pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				report, err := a.Sweeper.RunOnce(ctx)
				if perr := printJSON(report); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}
