package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/casewire/internal/history"
	"github.com/zulandar/casewire/internal/models"
	"golang.org/x/term"
)

func newCaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "case",
		Short: "Inspect persisted support cases",
	}

	cmd.AddCommand(newCaseListCmd())
	cmd.AddCommand(newCaseShowCmd())
	return cmd
}

func newCaseListCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			store, err := history.NewStore(gormDB)
			if err != nil {
				return err
			}
			return runCaseList(cmd.Context(), cmd.OutOrStdout(), store, limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to casewire config file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of cases")
	return cmd
}

func newCaseShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <key>",
		Short: "Print the history of one case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			store, err := history.NewStore(gormDB)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return runCaseShow(cmd.Context(), out, store, args[0], isTerminal(out))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to casewire config file")
	return cmd
}

func runCaseList(ctx context.Context, out io.Writer, store *history.Store, limit int) error {
	cases, err := store.ListCases(ctx, limit)
	if err != nil {
		return err
	}
	if len(cases) == 0 {
		fmt.Fprintln(out, "No cases.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSOURCE\tCUSTOMER\tMESSAGES\tUPDATED")
	for _, c := range cases {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			c.Key, c.Source, orDash(c.CustomerEmail), c.MessageCount, c.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runCaseShow(ctx context.Context, out io.Writer, store *history.Store, key string, color bool) error {
	c, err := store.GetCase(ctx, key)
	if errors.Is(err, history.ErrCaseNotFound) {
		return fmt.Errorf("case %s not found", key)
	}
	if err != nil {
		return err
	}
	msgs, err := store.Load(ctx, key)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Case %s (%s)\n", c.Key, c.Source)
	if c.CustomerEmail != "" {
		fmt.Fprintf(out, "Customer: %s\n", c.CustomerEmail)
	}
	if c.Subject != "" {
		fmt.Fprintf(out, "Subject:  %s\n", c.Subject)
	}
	fmt.Fprintln(out)
	for _, m := range msgs {
		fmt.Fprintf(out, "%3d %s %s\n", m.Sequence, roleTag(m.Role, color), m.Content)
	}
	return nil
}

var roleColors = map[string]string{
	models.RoleUser:      "\033[36m", // cyan
	models.RoleAssistant: "\033[32m", // green
	models.RoleAdmin:     "\033[35m", // magenta
	models.RoleSystem:    "\033[33m", // yellow
}

func roleTag(role string, color bool) string {
	tag := fmt.Sprintf("[%-9s]", role)
	if !color {
		return tag
	}
	code, ok := roleColors[role]
	if !ok {
		return tag
	}
	return code + tag + "\033[0m"
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
