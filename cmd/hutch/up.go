package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/types"
)

var upCmd = &cobra.Command{
	Use:   "up [stack-file]",
	Short: "Start a namespace and keep it converged",
	Long: `Register the namespace described by a stack file and start it. Without a
stack file, every registered namespace is resumed in the state it was
left in.

Hutch stays in the foreground reconciling the namespaces and printing
their events. Interrupting it leaves the containers running; use
hutch down to stop a namespace.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("name")
		params, _ := cmd.Flags().GetStringToString("param")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		h, err := openHost(cfg)
		if err != nil {
			return err
		}
		defer h.close()

		metrics.SetVersion(Version)
		if cfg.Metrics.Addr != "" {
			go func() {
				if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
					log.Logger.Error().Err(err).Str("addr", cfg.Metrics.Addr).Msg("Metrics endpoint failed")
				}
			}()
			collector := metrics.NewCollector(h.manager)
			collector.Start()
			defer collector.Stop()
		}

		sub := h.broker.Subscribe()
		defer h.broker.Unsubscribe(sub)

		if err := h.manager.Restore(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
		metrics.UpdateComponent(metrics.ComponentReconciler, true, "")

		if len(args) == 1 {
			def, err := definition(args[0], name, params)
			if err != nil {
				return err
			}
			rt, err := h.manager.Register(def)
			if err != nil {
				return err
			}
			fmt.Printf("Starting namespace %s from %s\n", def.Name, def.Source)
			started := rt.Start()
			go func() {
				if _, err := started.Await(ctx); err == nil {
					fmt.Printf("✓ Namespace %s is running\n", def.Name)
				} else if ctx.Err() == nil {
					fmt.Fprintf(os.Stderr, "Namespace %s did not start: %v\n", def.Name, err)
				}
			}()
		}

		fmt.Println("Press Ctrl+C to detach; containers keep running.")
		for {
			select {
			case event, ok := <-sub:
				if !ok {
					return nil
				}
				printEvent(event)
			case <-ctx.Done():
				fmt.Println()
				fmt.Println("Detaching...")
				metrics.UpdateComponent(metrics.ComponentReconciler, false, "stopped")
				return nil
			}
		}
	},
}

func init() {
	upCmd.Flags().String("name", "", "Namespace name (default: stack file directory name)")
	upCmd.Flags().StringToString("param", nil, "Generator parameter (key=value, repeatable)")
}

// definition builds a namespace definition for a stack file
func definition(path, name string, params map[string]string) (*types.NamespaceDefinition, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("stack file: %w", err)
	}
	if name == "" {
		name = filepath.Base(filepath.Dir(abs))
	}
	name = strings.ToLower(name)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return nil, errors.New("cannot derive a namespace name; use --name")
	}
	return &types.NamespaceDefinition{Name: name, Source: abs, Params: params}, nil
}

func printEvent(event *events.Event) {
	stamp := event.Timestamp.Format(time.TimeOnly)
	subject := event.Namespace
	if event.App != "" {
		subject += "/" + event.App
	}

	switch event.Type {
	case events.EventAppProgress:
		fmt.Printf("%s  %-24s %s\n", stamp, subject, event.Message)
	case events.EventNamespaceStatus, events.EventAppStatus:
		line := fmt.Sprintf("%s  %-24s %s", stamp, subject, event.Status)
		if event.Message != "" {
			line += ": " + event.Message
		}
		fmt.Println(line)
	default:
		fmt.Printf("%s  %-24s %s\n", stamp, subject, event.Type)
	}
}
