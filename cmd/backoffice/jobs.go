package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skyrem/backoffice/cmd/backoffice/cli"
	"github.com/skyrem/backoffice/internal/app"
)

// NewJobsCmd creates the jobs subcommand.
func NewJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect the background mail queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print queue depth",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withJobsCLI(func(_ *app.Config, c *cli.JobsCLI) error {
				stats, err := c.InspectQueue(cmd.Context())
				if err != nil {
					return err
				}
				cmd.Println(stats.String())
				return nil
			})
		},
	})

	var size int
	failed := &cobra.Command{
		Use:   "failed",
		Short: "List mails that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withJobsCLI(func(_ *app.Config, c *cli.JobsCLI) error {
				tasks, err := c.ListFailed(cmd.Context(), size)
				if err != nil {
					return err
				}
				for _, t := range tasks {
					cmd.Printf("%s\t%s\t%s\n", t.ID, t.Type, t.LastErr)
				}
				cmd.Printf("%d task(s)\n", len(tasks))
				return nil
			})
		},
	}
	failed.Flags().IntVar(&size, "size", 10, "number of tasks to list")
	cmd.AddCommand(failed)

	var to string
	testMail := &cobra.Command{
		Use:   "test-mail",
		Short: "Queue a test mail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if to == "" {
				return fmt.Errorf("--to is required")
			}
			return withJobsCLI(func(cfg *app.Config, c *cli.JobsCLI) error {
				info, err := c.SendTestMail(cmd.Context(), to, cfg.AppName)
				if err != nil {
					return err
				}
				cmd.Printf("Queued %s as task %s\n", info.Type, info.ID)
				return nil
			})
		},
	}
	testMail.Flags().StringVar(&to, "to", "", "recipient address")
	cmd.AddCommand(testMail)

	return cmd
}

func withJobsCLI(fn func(*app.Config, *cli.JobsCLI) error) (err error) {
	cfg, err := app.LoadToolConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	c := cli.NewJobsCLI(cfg.Queue())
	defer func() {
		if closeErr := c.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(cfg, c)
}
