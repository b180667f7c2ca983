package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/switchboard/internal/config"
	"github.com/nextlevelbuilder/switchboard/internal/store"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List session entries for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if agentID == "" {
				agentID = cfg.Agents.Default
			}

			st, err := store.NewEntryStore(store.Config{
				Backend:     cfg.Store.Backend,
				Dir:         cfg.Store.Dir,
				PostgresDSN: cfg.Store.PostgresDSN,
			})
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}

			entries, err := st.List(context.Background(), agentID)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			if len(entries) == 0 {
				fmt.Printf("no sessions for agent %q\n", agentID)
				return nil
			}

			for _, e := range entries {
				age := "never"
				if !e.UpdatedAt.IsZero() {
					age = time.Since(e.UpdatedAt).Round(time.Second).String()
				}
				flag := ""
				if e.AbortedLastRun {
					flag = " [aborted]"
				}
				fmt.Printf("%-60s  session=%s  updated=%s ago%s\n", e.Key, e.SessionID, age, flag)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (default: configured default agent)")
	return cmd
}
