package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/threadclaw/threadclaw/pkg/threadclaw/config"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/recorder"
)

// newSessionsCmd lists recorded conversations from disk.
func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List recorded conversations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			logger := config.NewLogger(cfg.Logging)

			rec, err := recorder.New(cfg.Recorder, nil, logger)
			if err != nil {
				return fmt.Errorf("recorder: %w", err)
			}

			records := rec.List()
			if len(records) == 0 {
				fmt.Println("No recorded conversations.")
				return nil
			}
			for _, r := range records {
				title := r.Title
				if title == "" {
					title = "(untitled)"
				}
				fmt.Printf("%s  %-20s  %-30s  %3d turns  %s\n",
					r.ID[:8], r.Workflow, title, len(r.Turns),
					r.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
}
