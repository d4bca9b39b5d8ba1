package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/notecapture/internal/server"
	"github.com/audiolibrelab/notecapture/internal/service"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the NoteCapture web server to control recording over HTTP.
Session events are pushed to WebSocket clients on /ws.

On startup the server rejoins a recording left active in the state store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("host") {
			cfg.Server.Host, _ = cmd.Flags().GetString("host")
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port, _ = cmd.Flags().GetInt("port")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := service.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer svc.Close()

		slog.Info("NoteCapture web server starting", "addr", cfg.Server.Addr(), "config", cfg.File)

		// Start server (this blocks)
		if err := server.New(svc, cfg).Start(ctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("host", "", "address to listen on (overrides config)")
	serveCmd.Flags().Int("port", 0, "port for the web server (overrides config)")
}
