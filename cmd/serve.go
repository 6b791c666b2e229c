package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/ledger"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/andresmejia3/rollcall/internal/web"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API that accepts frames from remote cameras",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context(), serveAddr)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", ":8080", "Listen address")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, addr string) error {
	b, err := startBackends(ctx, Cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	mqtt := newMQTTSinks(Cfg.MQTT)
	defer mqtt.Close()

	engine, err := session.NewEngine(b.active, b.active, Cfg.Session(),
		session.WithSinks(DB),
		session.WithLogger(slog.Default()),
	)
	if err != nil {
		return err
	}

	srv := web.NewServer(engine, DB, web.Options{
		Addr:           addr,
		GalleryOptions: []gallery.Option{gallery.WithCandidateIndex(Cfg.Gallery.CandidateIndexMinRefs)},
		SessionSinks: func(groupID string) []ledger.Sink {
			return mqtt.For(ctx, groupID)
		},
		Logger: slog.Default(),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	fmt.Fprintf(os.Stderr, "🌐 Listening on %s\n", addr)

	select {
	case err := <-errCh:
		if err != nil {
			utils.ShowError("Web server failed", err, nil)
		}
		return err
	case <-ctx.Done():
	}

	// The signal context is done, shut down on a fresh one
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
