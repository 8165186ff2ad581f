// ABOUTME: migrate-media command that backfills binaries for handle-only media messages
// ABOUTME: Fetches each handle from the Cloud API and stores the bytes in place

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/2389/coven-desk/internal/config"
	"github.com/2389/coven-desk/internal/provider"
	"github.com/2389/coven-desk/internal/store"
)

// mediaFetcher resolves a provider media handle to its bytes.
type mediaFetcher interface {
	FetchMedia(ctx context.Context, handle string) ([]byte, string, error)
}

// migrateStats summarizes a migrate-media run.
type migrateStats struct {
	Migrated int
	Failed   int
}

func newMigrateMediaCmd(configPath *string) *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "migrate-media",
		Short: "Download and store media that was saved as a provider handle only",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.ResolvePath(*configPath))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger := setupLogger(cfg.Logging)
			client := provider.NewClient(provider.Config{
				BaseURL:       cfg.Provider.BaseURL,
				APIVersion:    cfg.Provider.APIVersion,
				PhoneNumberID: cfg.Provider.PhoneNumberID,
				AccessToken:   cfg.Provider.AccessToken,
				Timeout:       cfg.Provider.Timeout,
				MaxMediaBytes: cfg.Provider.MaxMediaBytes,
			}, logger)

			return withStore(cmd.Context(), *configPath, func(s store.Store) error {
				stats, err := migrateMedia(cmd.Context(), s, client, batch, logger)
				fmt.Fprintf(cmd.OutOrStdout(), "migrated %d, failed %d\n", stats.Migrated, stats.Failed)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 100, "messages fetched per store query")
	return cmd
}

// migrateMedia walks handle-only media messages in batches until none are left or a
// whole batch fails. Failed messages are left untouched for a later run.
func migrateMedia(ctx context.Context, s store.Store, fetcher mediaFetcher, batch int, logger *slog.Logger) (migrateStats, error) {
	var stats migrateStats
	skipped := make(map[string]bool)

	for {
		msgs, err := s.ListUnmaterializedMedia(ctx, batch+len(skipped))
		if err != nil {
			return stats, fmt.Errorf("listing media: %w", err)
		}

		progressed := false
		for _, msg := range msgs {
			if skipped[msg.ID] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return stats, err
			}

			m, ok := store.MediaOf(msg.Content)
			if !ok || m.Handle == "" {
				skipped[msg.ID] = true
				continue
			}

			data, mime, err := fetcher.FetchMedia(ctx, m.Handle)
			if err == nil && m.MimeType != "" {
				mime = m.MimeType
			}
			if err == nil {
				err = s.MaterializeMedia(ctx, msg.ID, data, mime)
			}
			if err != nil {
				logger.Warn("media migration failed", "message_id", msg.ID, "handle", m.Handle, "error", err)
				skipped[msg.ID] = true
				stats.Failed++
				continue
			}

			logger.Debug("media migrated", "message_id", msg.ID, "bytes", len(data))
			stats.Migrated++
			progressed = true
		}

		if !progressed {
			return stats, nil
		}
	}
}
