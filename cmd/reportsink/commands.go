package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/reportsink"
	"github.com/loykin/reportsink/internal/auth"
)

func createHashTokenCommand() *cobra.Command {
	flags := &HashTokenFlags{}
	cmd := &cobra.Command{
		Use:   "hash-token",
		Short: "Print a bcrypt hash of a shared secret for auth.token_hash",
		Long: `Hash a shared secret so the config only holds auth.token_hash.
The token is read from --token or from the first line of stdin.

Examples:
  reportsink hash-token --token=s3cret
  printf 's3cret' | reportsink hash-token`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tok := flags.Token
			if tok == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				tok = strings.TrimRight(line, "\r\n")
			}
			if tok == "" {
				return errors.New("empty token")
			}
			h, err := auth.HashToken(tok, flags.Cost)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), h)
			return err
		},
	}
	cmd.Flags().StringVar(&flags.Token, "token", "", "secret to hash (default: read stdin)")
	cmd.Flags().IntVar(&flags.Cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "reportsink %s (%s %s/%s)\n",
				reportsink.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
			return err
		},
	}
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
