package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cuemby/hutch/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status [namespace]",
	Short: "Show the persisted status of namespaces",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		h, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer h.close()

		defs, err := h.store.ListDefinitions()
		if err != nil {
			return err
		}
		if len(defs) == 0 {
			fmt.Println("No namespaces registered")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAMESPACE\tSTATUS\tSTOPPED APPS\tUPDATED\tSOURCE")
		found := false
		for _, def := range defs {
			if len(args) == 1 && def.Name != args[0] {
				continue
			}
			found = true

			state, err := h.store.GetNamespaceState(def.Name)
			if err != nil {
				return err
			}
			status, updated, stopped := types.NamespaceStatusStopped, "-", "-"
			if state != nil {
				if state.Status != "" {
					status = state.Status
				}
				if !state.UpdatedAt.IsZero() {
					updated = humanize.Time(state.UpdatedAt)
				}
				if len(state.ManuallyStopped) > 0 {
					stopped = strings.Join(state.ManuallyStopped, ",")
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", def.Name, status, stopped, updated, def.Source)
		}
		if !found {
			return fmt.Errorf("namespace %s is not registered", args[0])
		}
		return w.Flush()
	},
}
