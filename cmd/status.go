package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/audiolibrelab/notecapture/internal/state"
	"github.com/audiolibrelab/notecapture/internal/timefmt"
)

var (
	statusLabelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243")).Width(12)
	statusActiveStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	statusIdleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

var clearState bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the recording recorded in the state store",
	Long: `Show whether a recording is active according to the shared state store,
and for which client. With --clear the slot is emptied, which makes the next
start ignore a recording abandoned by a crashed instance.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := state.New(ctx, state.Options{
			Backend:         cfg.State.Backend,
			Path:            cfg.State.Path,
			MongoURI:        cfg.State.MongoURI,
			MongoDatabase:   cfg.State.MongoDatabase,
			MongoCollection: cfg.State.MongoCollection,
		})
		if err != nil {
			return fmt.Errorf("failed to open state store: %w", err)
		}
		if c, ok := store.(interface{ Close(ctx context.Context) error }); ok {
			defer c.Close(ctx)
		}

		if clearState {
			if err := store.Clear(ctx); err != nil {
				return fmt.Errorf("failed to clear state: %w", err)
			}
			fmt.Println("Session state cleared")
			return nil
		}

		st, err := store.Get(ctx)
		if err != nil {
			return fmt.Errorf("failed to read state: %w", err)
		}
		fmt.Print(renderState(st, time.Now()))
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&clearState, "clear", false, "clear the stored session state")
}

// renderState formats a stored state for the terminal
func renderState(st state.State, now time.Time) string {
	row := func(label, value string) string {
		return statusLabelStyle.Render(label) + value + "\n"
	}

	if !st.IsRecording || st.RecordingData == nil {
		return row("Recording", statusIdleStyle.Render("no"))
	}

	d := st.RecordingData
	out := row("Recording", statusActiveStyle.Render("yes"))
	out += row("Client", d.ClientName)
	out += row("Session", d.SessionID)
	if start, err := d.Start(); err == nil {
		out += row("Started", start.Local().Format("2006-01-02 15:04:05"))
		out += row("Elapsed", timefmt.FormatElapsed(now.Sub(start)))
	}
	return out
}
