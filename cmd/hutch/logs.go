package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs <namespace> <app>",
	Short: "Print the output of an application",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		follow, _ := cmd.Flags().GetBool("follow")

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

		stream, err := rt.Logs(ctx, args[1], follow)
		if err != nil {
			return err
		}
		defer stream.Close()

		_, err = io.Copy(os.Stdout, stream)
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func init() {
	logsCmd.Flags().BoolP("follow", "f", false, "Follow the output")
}
