package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var downCmd = &cobra.Command{
	Use:   "down <namespace>",
	Short: "Stop a namespace and wait until its containers are gone",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		remove, _ := cmd.Flags().GetBool("delete")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		h, err := openHost(cfg)
		if err != nil {
			return err
		}
		defer h.close()

		rt, err := h.namespace(args[0])
		if err != nil {
			return err
		}

		if remove {
			fmt.Printf("Deleting namespace %s...\n", args[0])
			if err := h.manager.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ Namespace %s deleted\n", args[0])
			return nil
		}

		fmt.Printf("Stopping namespace %s...\n", args[0])
		if _, err := rt.Stop().Await(ctx); err != nil {
			return fmt.Errorf("failed to stop namespace %s: %w", args[0], err)
		}
		fmt.Printf("✓ Namespace %s stopped\n", args[0])
		return nil
	},
}

func init() {
	downCmd.Flags().Bool("delete", false, "Also forget the namespace, its runtime files and overrides")
}
