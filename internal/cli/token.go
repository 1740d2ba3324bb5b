package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"icalsynchub/internal/tokens"
)

// NewTokenCommand creates the token command group.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage per-user access tokens",
	}
	cmd.AddCommand(newTokenAddCommand(rootOpts))
	cmd.AddCommand(newTokenRemoveCommand(rootOpts))
	cmd.AddCommand(newTokenExpireCommand(rootOpts))
	cmd.AddCommand(newTokenListCommand(rootOpts))
	return cmd
}

// parseWhen reads an expiration argument; "" and "never" mean no expiry.
func parseWhen(v string) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" || strings.EqualFold(v, "never") {
		return nil, nil
	}
	t, err := tokens.ParseExpiry(v, time.Local)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func newTokenAddCommand(rootOpts *RootOptions) *cobra.Command {
	var expires string

	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Create an access token and link for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, err := parseWhen(expires)
			if err != nil {
				return err
			}
			a, err := bootstrap(rootOpts, bootstrapOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			out, err := a.service.Add(args[0], exp)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "username:   %s\n", out.Token.Username)
			fmt.Fprintf(w, "token:      %s\n", out.Token.Token)
			fmt.Fprintf(w, "expiration: %s\n", formatExpiration(out.Token.Expiration))
			if url := a.cfg.ShareURL(out.Token.Token); url != "" {
				fmt.Fprintf(w, "url:        %s\n", url)
			}
			printLinkWarning(cmd.ErrOrStderr(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&expires, "expires", "", "expiration, e.g. 2025-01-31T18:00:00 (local time) or RFC 3339")
	return cmd
}

func newTokenRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <username>",
		Short: "Delete a user's token and access link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(rootOpts, bootstrapOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			out, ok, err := a.service.Remove(args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", tokens.ErrNotFound, args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", out.Token.Username)
			printLinkWarning(cmd.ErrOrStderr(), out)
			return nil
		},
	}
}

func newTokenExpireCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "expire <username> <when|never>",
		Short: "Change a user's expiration",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, err := parseWhen(args[1])
			if err != nil {
				return err
			}
			a, err := bootstrap(rootOpts, bootstrapOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			out, ok, err := a.service.SetExpiry(args[0], exp)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", tokens.ErrNotFound, args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s expires %s\n", out.Token.Username, formatExpiration(out.Token.Expiration))
			printLinkWarning(cmd.ErrOrStderr(), out)
			return nil
		},
	}
}

func newTokenListCommand(rootOpts *RootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tokens with their status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(rootOpts, bootstrapOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			views, err := a.service.List()
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(views)
			}
			if len(views) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no tokens")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "USERNAME\tSTATUS\tEXPIRATION\tURL")
			for _, v := range views {
				url := v.ShareURL
				if url == "" {
					url = v.Token
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.Username, v.Status, formatExpiration(v.Expiration), url)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
