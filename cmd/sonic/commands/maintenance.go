package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/always-cache/sonic"
)

func newTrimCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "trim",
		Short: "Evict cached pages and resources over the size limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, err := a.engine(func(c *sonic.Config) { c.DisableTrim = true })
			if err != nil {
				return err
			}
			defer engine.Close()
			report, err := engine.Trim(force)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if report.Sessions.Skipped {
				fmt.Fprintln(out, "sessions: skipped (trimmed recently, use --force)")
			} else {
				fmt.Fprintf(out, "sessions: removed %d, freed %d bytes\n", len(report.Sessions.Removed), report.Sessions.Freed())
			}
			if report.Resources.Skipped {
				fmt.Fprintln(out, "resources: skipped (trimmed recently, use --force)")
			} else {
				fmt.Fprintf(out, "resources: removed %d, freed %d bytes\n", len(report.Resources.Removed), report.Resources.Freed())
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Trim even if the last trim was recent")
	return cmd
}

func newClearCmd(a *app) *cobra.Command {
	var account string

	cmd := &cobra.Command{
		Use:   "clear [url]",
		Short: "Remove the cached page, or every cached page",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := a.engine(func(c *sonic.Config) { c.DisableTrim = true })
			if err != nil {
				return err
			}
			defer engine.Close()
			if len(args) == 1 {
				if err := engine.ClearCacheWith(args[0], sonic.Options{Account: account}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", args[0])
				return nil
			}
			if err := engine.Store().ClearAll(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cleared all pages")
			return nil
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "Account the page is cached for")
	return cmd
}
