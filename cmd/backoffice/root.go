package main

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for the back-office CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backoffice",
		Short: "Backoffice - user, role and permission administration",
		Long: `Backoffice serves the administration screens for users, roles,
permissions, the activity log and system settings. The subcommands manage
the database schema, seed data and the background queue.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewPermissionsCmd())
	cmd.AddCommand(NewSeedCmd())
	cmd.AddCommand(NewJobsCmd())

	return cmd
}
