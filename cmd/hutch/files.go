package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuemby/hutch/pkg/generator"
	"github.com/cuemby/hutch/pkg/runtimefiles"
	"github.com/cuemby/hutch/pkg/storage"
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Inspect and override the runtime files of a namespace",
	Long: `Runtime files are generated from the stack file and mounted into the
applications. An edit is kept as an override across regenerations until it
is reset.

While hutch up is running, edit the files under the runtime directory
directly; they are adopted as overrides on save.`,
}

var filesListCmd = &cobra.Command{
	Use:   "ls <namespace> [prefix]",
	Short: "List runtime files",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFiles(cmd, args[0], func(files *runtimefiles.Store) error {
			prefix := ""
			if len(args) == 2 {
				prefix = args[1]
			}
			for _, f := range files.List(prefix) {
				marker := " "
				if f.Edited {
					marker = "*"
				}
				fmt.Printf("%s %s  %s\n", marker, f.Hash[:12], f.Path)
			}
			return nil
		})
	},
}

var filesCatCmd = &cobra.Command{
	Use:   "cat <namespace> <path>",
	Short: "Print the effective content of a runtime file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFiles(cmd, args[0], func(files *runtimefiles.Store) error {
			content, err := files.Read(args[1])
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(content)
			return err
		})
	},
}

var filesResetCmd = &cobra.Command{
	Use:   "reset <namespace> <path>",
	Short: "Drop the override of a runtime file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFiles(cmd, args[0], func(files *runtimefiles.Store) error {
			changed, err := files.Reset(args[1])
			if err != nil {
				return err
			}
			if changed {
				fmt.Printf("✓ %s restored to the generated content\n", args[1])
			} else {
				fmt.Printf("%s has no override\n", args[1])
			}
			return nil
		})
	},
}

var filesEditCmd = &cobra.Command{
	Use:   "edit <namespace> <path>",
	Short: "Edit a runtime file in $EDITOR and keep the result as an override",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFiles(cmd, args[0], func(files *runtimefiles.Store) error {
			content, err := files.Read(args[1])
			if err != nil {
				return err
			}

			edited, err := editContent(filepath.Base(args[1]), content)
			if err != nil {
				return err
			}
			if bytes.Equal(edited, content) {
				fmt.Println("No changes")
				return nil
			}

			if _, err := files.Override(args[1], edited); err != nil {
				return err
			}
			fmt.Printf("✓ %s overridden; it applies on the next start of the namespace\n", args[1])
			return nil
		})
	},
}

func init() {
	filesCmd.AddCommand(filesListCmd)
	filesCmd.AddCommand(filesCatCmd)
	filesCmd.AddCommand(filesResetCmd)
	filesCmd.AddCommand(filesEditCmd)
}

// withFiles regenerates the runtime files of a namespace and hands their
// store to fn
func withFiles(cmd *cobra.Command, name string, fn func(*runtimefiles.Store) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	h, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer h.close()

	def, err := h.store.GetDefinition(name)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("namespace %s is not registered", name)
	}
	if err != nil {
		return err
	}

	gen, err := generator.NewStackFile().Generate(*def)
	if err != nil {
		return err
	}
	files, err := runtimefiles.NewStore(name, filepath.Join(cfg.RuntimeDir(), name), h.store)
	if err != nil {
		return err
	}
	if err := files.Update(gen.Files); err != nil {
		return err
	}
	return fn(files)
}

func editContent(base string, content []byte) ([]byte, error) {
	editor := os.Getenv("VISUAL")
	if editor == "" {
		editor = os.Getenv("EDITOR")
	}
	if editor == "" {
		editor = "vi"
	}

	tmp, err := os.CreateTemp("", "hutch-*-"+base)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}

	editCmd := exec.Command("sh", "-c", editor+` "$1"`, "editor", tmp.Name())
	editCmd.Stdin, editCmd.Stdout, editCmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := editCmd.Run(); err != nil {
		return nil, fmt.Errorf("editor failed: %w", err)
	}
	return os.ReadFile(tmp.Name())
}
