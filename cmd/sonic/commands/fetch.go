package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/always-cache/sonic"
)

func newFetchCmd(a *app) *cobra.Command {
	var account, ip string
	var printHTML, printStats bool

	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Load a page once and report the outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := a.engine(func(c *sonic.Config) { c.DisableTrim = true })
			if err != nil {
				return err
			}
			defer engine.Close()

			session, err := engine.SessionWith(args[0], sonic.Options{Account: account, IPOverride: ip})
			if err != nil {
				return err
			}
			res := session.Run(cmd.Context())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status: %s\n", res.Status)
			fmt.Fprintf(out, "outcome: %s (%d)\n", res.Outcome, res.Outcome)
			fmt.Fprintf(out, "directive: %s\n", res.Directive)
			if res.Bypassed {
				fmt.Fprintln(out, "bypassed: true")
			}
			if res.Diff != nil && res.Diff.Len() > 0 {
				fmt.Fprintf(out, "diff: %s\n", res.Diff)
			}
			if printHTML {
				fmt.Fprintf(out, "\n%s\n", res.HTML)
			}
			if printStats {
				if err := a.printStats(cmd.Context(), out); err != nil {
					return err
				}
			}
			if res.Err != nil {
				return res.Err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "Account the page is cached for")
	cmd.Flags().StringVar(&ip, "ip", "", "Connect to this IP instead of resolving the host")
	cmd.Flags().BoolVar(&printHTML, "html", false, "Print the document")
	cmd.Flags().BoolVar(&printStats, "stats", false, "Print the recorded metrics")
	return cmd
}
