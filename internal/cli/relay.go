package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ricochet1k/docuforge/internal/logging"
	"github.com/ricochet1k/docuforge/internal/relay"
	"github.com/ricochet1k/docuforge/internal/storage"
)

var (
	relaySeed      []string
	relayStepDelay time.Duration
	relayHeartbeat time.Duration
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a local relay server",
	Long: `Run a development stand-in for the docuforge server. It fans frames out
to websocket clients per document, serves documents and answers agent chat
requests with a scripted run.

Seed documents with --seed id:title, for example --seed 1:"Launch plan".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runRelay(ctx, cmd.Flags().Changed("heartbeat"))
	},
}

func init() {
	flags := relayCmd.Flags()
	flags.String("listen", "", "listen address (default from relay.listen_addr)")
	flags.String("data-dir", "", "persist documents under this directory (default in memory)")
	flags.StringSliceVar(&relaySeed, "seed", nil, "documents to create, as id:title")
	flags.DurationVar(&relayStepDelay, "step-delay", 50*time.Millisecond, "pause between scripted agent steps")
	flags.DurationVar(&relayHeartbeat, "heartbeat", 0, "server heartbeat interval (default connection.heartbeat_interval)")
}

func runRelay(ctx context.Context, heartbeatSet bool) error {
	heartbeat := appConfig.Connection.HeartbeatInterval
	if heartbeatSet {
		heartbeat = relayHeartbeat
	}
	docs, err := openDocuments(appConfig.Relay.DataDir)
	if err != nil {
		return err
	}
	srv := relay.NewServer(
		relay.WithLogger(logging.Component("relay")),
		relay.WithHeartbeat(heartbeat),
		relay.WithStepDelay(relayStepDelay),
		relay.WithDocuments(docs),
	)
	for _, seed := range relaySeed {
		id, title, _ := strings.Cut(seed, ":")
		id = strings.TrimSpace(id)
		if id == "" {
			return fmt.Errorf("invalid --seed %q: want id:title", seed)
		}
		if _, ok := docs.Get(id); ok {
			continue
		}
		if _, err := docs.Put(id, strings.TrimSpace(title), ""); err != nil {
			return fmt.Errorf("seed document %s: %w", id, err)
		}
		logger.Info().Str("document_id", id).Msg("seeded document")
	}
	return srv.ListenAndServe(ctx, appConfig.Relay.ListenAddr)
}

// openDocuments returns an in-memory table, or one backed by dir.
func openDocuments(dir string) (*relay.Documents, error) {
	if dir == "" {
		return relay.NewDocuments(), nil
	}
	store, err := storage.NewJSONFileStorage(dir)
	if err != nil {
		return nil, err
	}
	docs, err := relay.OpenDocuments(store)
	var listErr *storage.ListError
	if errors.As(err, &listErr) {
		for _, e := range listErr.Errors {
			logger.Warn().Err(e).Msg("skipping unreadable document")
		}
		return docs, nil
	}
	return docs, err
}
