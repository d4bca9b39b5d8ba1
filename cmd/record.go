package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audiolibrelab/notecapture/internal/service"
	"github.com/audiolibrelab/notecapture/internal/session"
	"github.com/audiolibrelab/notecapture/internal/tui"

	"github.com/spf13/cobra"
)

var noTUI bool

var recordCmd = &cobra.Command{
	Use:   "record [client-name]",
	Short: "Record a session for a client and upload it",
	Long: `Record the primary source, mixed with the microphone when one is available.
The recording is uploaded with its metadata when stopped.

If the state store shows a recording left active by another instance, that
recording is rejoined instead of starting a new one.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		slog.Debug("Creating service instance")
		svc, err := service.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer svc.Close()

		rejoined, err := svc.Attach(ctx)
		if err != nil {
			slog.Warn("Could not rejoin previous recording", "error", err)
		}

		switch {
		case rejoined:
			slog.Info("Rejoined recording in progress", "client", svc.GetStatus().ClientName)
		case len(args) == 0:
			return fmt.Errorf("client name is required")
		default:
			if err := svc.StartRecording(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to start recording: %w", err)
			}
		}

		abandoned := false
		if noTUI {
			waitForInterrupt(svc)
		} else {
			res, err := tui.Run(svc)
			if err != nil {
				return err
			}
			abandoned = res.Abandoned
		}

		return finishRecording(svc, abandoned)
	},
}

func init() {
	recordCmd.Flags().BoolVar(&noTUI, "no-tui", false, "log progress instead of showing the terminal UI")
}

// waitForInterrupt logs session status until Ctrl+C, then stops the recording
func waitForInterrupt(svc service.Service) {
	events, unsubscribe := svc.Subscribe()
	defer unsubscribe()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	slog.Info("Recording... Press Ctrl+C to stop", "client", svc.GetStatus().ClientName)
	for {
		select {
		case e := <-events:
			if e.Status != "" {
				slog.Info(e.Status)
			}
		case <-sigChan:
			slog.Info("Stopping recording...", "elapsed", svc.GetStatus().Elapsed)
			svc.StopRecording()
			return
		}
	}
}

// finishRecording waits for the upload and reports its outcome. Ctrl+C during
// the wait, or abandoned set by the TUI, cancels the upload; Close still gives
// the session time to clear the state store, with signals trapped meanwhile.
func finishRecording(svc service.Service, abandoned bool) error {
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !abandoned {
		u := cfg.Upload
		budget := time.Duration(u.MaxAttempts)*(u.Timeout+u.BackoffMax) + 10*time.Second
		ctx, cancel := context.WithTimeout(sigCtx, budget)
		err := svc.Wait(ctx)
		cancel()
		if err == nil {
			return reportOutcome(svc.GetStatus())
		}
		slog.Warn("Leaving before the upload finished", "error", err)
	}

	slog.Info("Cancelling upload...")
	if err := svc.Close(); err != nil {
		slog.Warn("Failed to close service", "error", err)
	}

	snap := svc.GetStatus()
	if snap.State != session.StateIdle {
		return fmt.Errorf("recording did not finish, the state store may still show it active (clear it with 'notecapture status --clear')")
	}
	return fmt.Errorf("upload cancelled: %s", snap.Status)
}

func reportOutcome(snap session.Snapshot) error {
	last := snap.LastUpload
	if last == nil {
		slog.Info("No recording was uploaded")
		return nil
	}
	if !last.Success {
		return fmt.Errorf("%s", snap.Status)
	}
	slog.Info("Recording uploaded", "path", last.FilePath, "bytes", last.Bytes, "attempts", last.Attempts)
	return nil
}
