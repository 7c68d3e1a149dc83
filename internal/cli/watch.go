package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ricochet1k/docuforge/internal/logging"
	"github.com/ricochet1k/docuforge/internal/state"
	"github.com/ricochet1k/docuforge/internal/syncclient"
)

const changeBuffer = 64

var (
	watchMessage string
	watchOnce    bool
)

var watchCmd = &cobra.Command{
	Use:   "watch <document-id>",
	Short: "Follow a document in realtime",
	Long: `Connect to a document's realtime channel and log every change to the
local projection. With --message, also send the message to the agent chat
stream and follow the run it starts.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runWatch(ctx, args[0])
	},
}

func init() {
	watchCmd.Flags().StringVarP(&watchMessage, "message", "m", "", "send this message to the agent once connected")
	watchCmd.Flags().BoolVar(&watchOnce, "once", false, "exit after the --message run finishes")
}

func runWatch(parent context.Context, documentID string) error {
	session, err := syncclient.New(appConfig, syncclient.WithLogger(logging.Component("sync")))
	if err != nil {
		return err
	}
	changes := session.Store().Subscribe(changeBuffer)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := session.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		session.Close()
		return nil
	})
	g.Go(func() error {
		logChanges(session.Store(), changes)
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-session.Errors():
				logger.Error().Err(err).Msg("sync error")
			}
		}
	})

	if err := session.Open(documentID); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	if !session.WaitForConnection(gctx, appConfig.Connection.WaitTimeout) {
		logger.Warn().Str("document_id", documentID).Dur("waited", appConfig.Connection.WaitTimeout).Msg("not connected yet, still trying")
	}

	if watchMessage != "" {
		g.Go(func() error {
			err := session.Ask(gctx, watchMessage)
			if err != nil && gctx.Err() == nil {
				logger.Error().Err(err).Msg("agent request failed")
			}
			if err := session.Flush(gctx); err == nil {
				if reply := lastReply(session.Store().View()); reply != "" {
					logger.Info().Str("reply", reply).Msg("agent replied")
				}
			}
			if watchOnce {
				cancel()
			}
			return nil
		})
	}

	return g.Wait()
}

func lastReply(v state.View) string {
	for i := len(v.Messages) - 1; i >= 0; i-- {
		if v.Messages[i].FromAgent {
			return v.Messages[i].Content
		}
	}
	return ""
}

// logChanges reports projection changes until the store closes.
func logChanges(store *state.Store, changes *state.Receiver) {
	for ch := range changes.C {
		v := store.View()
		var ev *zerolog.Event
		switch ch.Kind {
		case state.ChangeRebind:
			ev = logger.Info().Str("document_id", v.EntityID)
		case state.ChangeConnectivity:
			ev = logger.Info().Str("connectivity", v.Connectivity)
		case state.ChangeStreaming:
			ev = logger.Debug().
				Str("phase", v.Streaming.Phase.String()).
				Str("section", v.Streaming.Section).
				Int("words", v.Streaming.WordCount)
		case state.ChangeDocument:
			if v.Document == nil {
				continue
			}
			ev = logger.Info().Str("title", v.Document.Title).Str("updated_at", v.Document.UpdatedAt)
		case state.ChangeMessages:
			if len(v.Messages) == 0 {
				continue
			}
			last := v.Messages[len(v.Messages)-1]
			ev = logger.Info().Str("role", last.Role).Str("content", last.Content)
		case state.ChangeTyping:
			ev = logger.Debug().Str("user", v.Typing)
		case state.ChangeActivity:
			run := v.CurrentRun
			if run == nil {
				run = v.LastRun
			}
			if run == nil {
				continue
			}
			ev = logger.Info().
				Int("completed", run.CompletedCount).
				Int("total", run.TotalCount).
				Bool("sealed", run.Sealed)
		case state.ChangeError:
			if v.LastError == nil {
				continue
			}
			ev = logger.Warn().Str("error", v.LastError.Message).Str("code", v.LastError.Code)
		default:
			ev = logger.Debug()
		}
		ev.Uint64("revision", ch.Revision).Msg(string(ch.Kind))
	}
}
