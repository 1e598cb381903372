package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/amirhf/imageSearch/services/lookalike-go/client"
	"github.com/amirhf/imageSearch/services/lookalike-go/config"
	"github.com/amirhf/imageSearch/services/lookalike-go/history"
	"github.com/amirhf/imageSearch/services/lookalike-go/storage"
)

// app holds what every subcommand needs once flags and config are resolved.
type app struct {
	out    io.Writer
	cfg    config.Config
	logger *slog.Logger

	apiURL  string
	backend string
	verbose bool

	client *client.Client
	store  storage.Store
}

func newApp(out io.Writer) *app {
	return &app{out: out}
}

func (a *app) command() *cobra.Command {
	root := &cobra.Command{
		Use:           "lookalike",
		Short:         "Find look-alike images with the similarity search service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	root.SetOut(a.out)

	root.PersistentFlags().StringVar(&a.apiURL, "api", "", "search service URL (default $SEARCH_API_URL)")
	root.PersistentFlags().StringVar(&a.backend, "history-backend", "", "history storage: file, sqlite, postgres or memory (default $HISTORY_BACKEND)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newSearchCmd(a),
		newSplitCmd(a),
		newCancelCmd(a),
		newHistoryCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	a.cfg = config.Load()
	if a.apiURL != "" {
		a.cfg.SearchURL = a.apiURL
	}
	if a.backend != "" {
		a.cfg.History.Backend = a.backend
	}

	level := a.cfg.LogLevel
	if a.verbose {
		level = slog.LevelDebug
	}
	a.logger = config.NewLogger(os.Stderr, level)

	c, err := client.New(a.cfg.SearchURL, client.WithLogger(a.logger))
	if err != nil {
		return err
	}
	a.client = c

	store, err := storage.Open(cmd.Context(), a.cfg.History)
	if err != nil {
		return fmt.Errorf("open history storage: %w", err)
	}
	a.store = store
	return nil
}

// teardown waits for pending cancellation notices, then closes storage. It
// runs whether or not the command failed.
func (a *app) teardown() error {
	if a.client != nil {
		a.client.Close()
	}
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

func (a *app) history() *history.Cache {
	return history.New(a.store, history.WithLogger(a.logger))
}
