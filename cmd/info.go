package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/notecapture/internal/metadata"
	"github.com/audiolibrelab/notecapture/internal/paths"
	"github.com/audiolibrelab/notecapture/internal/service"
)

var infoDuration time.Duration

var infoCmd = &cobra.Command{
	Use:   "info [client-name]",
	Short: "Show the storage path a recording for a client would get",
	Long:  `Display the storage path and date tokens a recording for the given client starting now would be uploaded with, together with the resolved settings that affect it.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loc, err := cfg.Location()
		if err != nil {
			return err
		}

		info, err := service.PreviewPath(args[0], time.Now(), infoDuration, metadata.Options{
			Location: loc,
			Paths:    paths.Builder{Unique: cfg.Upload.UniqueNames},
		})
		if err != nil {
			return err
		}

		fmt.Printf("=== STORAGE PATH ===\n")
		fmt.Printf("client_name: %s\n", info.ClientName)
		fmt.Printf("date: %s\n", info.Start.Date)
		fmt.Printf("time: %s\n", info.Start.Time)
		fmt.Printf("duration: %s\n", info.Duration)
		fmt.Printf("folder_path: %s\n", info.Path.FolderPath)
		fmt.Printf("file_name: %s\n", info.Path.FileName)
		fmt.Printf("full_path: %s\n", info.Path.FullPath)

		fmt.Printf("\n=== RESOLVED CONFIGURATION ===\n")
		fmt.Printf("profile: %s\n", valueOrNone(cfg.Profile))
		fmt.Printf("timezone: %s\n", loc)
		fmt.Printf("unique_names: %t\n", cfg.Upload.UniqueNames)
		fmt.Printf("endpoint: %s\n", valueOrNone(cfg.Upload.Endpoint))
		fmt.Printf("encoder: %s\n", cfg.Encoder.Backend)
		fmt.Printf("capture: %s\n", cfg.Audio.Backend)
		fmt.Printf("state: %s\n", cfg.State.Backend)
		return nil
	},
}

func init() {
	infoCmd.Flags().DurationVarP(&infoDuration, "duration", "d", 0, "recording duration used for the preview")
}

func valueOrNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
