package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/notecapture/internal/service"
	"github.com/audiolibrelab/notecapture/internal/timefmt"
)

var (
	uploadClient   string
	uploadStart    string
	uploadDuration time.Duration
)

var uploadCmd = &cobra.Command{
	Use:   "upload [file]",
	Short: "Upload an existing recording",
	Long: `Send an existing recording through the uploader, with the metadata a live
recording for the client would get.

The duration defaults to the one read from the WAV header, and the start time
to the file's modification time minus the duration.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		start, end, err := uploadInterval(path)
		if err != nil {
			return err
		}

		svc, err := service.New(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer svc.Close()

		result, err := svc.UploadFile(cmd.Context(), path, uploadClient, start, end)
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}
		slog.Info("Recording uploaded successfully", "status", result.Status, "attempts", result.Attempts)
		return nil
	},
}

func init() {
	uploadCmd.Flags().StringVarP(&uploadClient, "client", "c", "", "client name (required)")
	uploadCmd.Flags().StringVar(&uploadStart, "start", "", "recording start time, RFC 3339 (default: file time minus duration)")
	uploadCmd.Flags().DurationVarP(&uploadDuration, "duration", "d", 0, "recording duration (default: read from the WAV header)")
	uploadCmd.MarkFlagRequired("client")
}

// uploadInterval resolves the recording interval from the flags and the file
func uploadInterval(path string) (time.Time, time.Time, error) {
	duration := uploadDuration
	if duration == 0 {
		info, err := readWAVInfo(path)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("cannot determine duration, use --duration: %w", err)
		}
		duration = info.Duration
	}

	if uploadStart != "" {
		start, err := timefmt.ParseTimestamp(uploadStart)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --start: %w", err)
		}
		return start, start.Add(duration), nil
	}

	st, err := os.Stat(path)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	end := st.ModTime()
	return end.Add(-duration), end, nil
}
