package main

import (
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/ScribeDrop/internal/app"
	"github.com/dharsanguruparan/ScribeDrop/internal/corrections"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage per-doctor correction rules",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <doctor-id> <before> <after>",
		Short: "Add a correction rule",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				rule := corrections.Rule{Before: args[1], After: args[2]}
				if err := a.Rules.AddRule(cmd.Context(), args[0], rule); err != nil {
					return err
				}
				return printJSON(cmd, rule)
			})
		},
	}, &cobra.Command{
		Use:   "list <doctor-id>",
		Short: "List a doctor's rules in application order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				rules, err := a.Rules.ListRules(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, rules)
			})
		},
	})
	return cmd
}
