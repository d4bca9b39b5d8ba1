package cmd

import (
	"fmt"
	"runtime"

	"github.com/audiolibrelab/notecapture/internal/capture"

	"github.com/spf13/cobra"
)

var listPorts bool

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available audio sources",
	Long:  `List the PipeWire nodes (or, with --ports, the individual ports) that can be used as capture targets.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pw := capture.NewPipeWire()

		kind := "NODES"
		list := pw.ListNodes
		if listPorts {
			kind = "PORTS"
			list = pw.ListPorts
		}

		sources, err := list()
		if err != nil {
			return fmt.Errorf("failed to get PipeWire sources: %w", err)
		}

		fmt.Printf("🎵 Audio Sources (%s)\n", runtime.GOOS)
		fmt.Printf("═══════════════════════════════════════\n\n")
		fmt.Printf("📋 PIPEWIRE %s (%d found):\n", kind, len(sources))
		for i, source := range sources {
			fmt.Printf("  %d. %s\n", i+1, source)
		}

		fmt.Printf("\n💡 Usage:\n")
		fmt.Printf("  • Set audio.primary_source to the node playing the call (e.g. a sink monitor)\n")
		fmt.Printf("  • Set audio.secondary_source to the microphone node, or leave it empty for the default\n\n")
		return nil
	},
}

func init() {
	sourcesCmd.Flags().BoolVar(&listPorts, "ports", false, "list ports instead of nodes")
}
