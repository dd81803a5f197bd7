package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login <registry>",
	Short: "Store credentials for a container registry",
	Long: `Store credentials for a container registry. They are encrypted in the
data directory and used for every pull from that registry.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		username, _ := cmd.Flags().GetString("username")
		fromStdin, _ := cmd.Flags().GetBool("password-stdin")

		var password string
		switch {
		case fromStdin:
			raw, err := io.ReadAll(bufio.NewReader(os.Stdin))
			if err != nil {
				return err
			}
			password = strings.TrimSpace(string(raw))
		case username == "":
			username, password, err = promptCredentials(context.Background(), args[0])
			if err != nil {
				return err
			}
		default:
			fmt.Fprintf(os.Stderr, "Password for %s: ", args[0])
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && err != io.EOF {
				return err
			}
			password = strings.TrimSpace(line)
		}

		h, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer h.close()

		if err := h.credentials.Login(args[0], username, password); err != nil {
			return err
		}
		fmt.Printf("✓ Credentials stored for %s\n", args[0])
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout <registry>",
	Short: "Remove stored credentials for a container registry",
	Args:  cobra.ExactArgs(1),
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

		if err := h.credentials.Logout(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Credentials removed for %s\n", args[0])
		return nil
	},
}

func init() {
	loginCmd.Flags().StringP("username", "u", "", "Registry username")
	loginCmd.Flags().Bool("password-stdin", false, "Read the password from stdin")
}
