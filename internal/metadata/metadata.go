// Package metadata derives the descriptive record sent alongside an upload.
package metadata

import (
	"fmt"
	"strings"
	"time"

	"github.com/audiolibrelab/notecapture/internal/paths"
	"github.com/audiolibrelab/notecapture/internal/timefmt"
)

// ChunkSize is the nominal unit totalChunks is reported in. Uploads are
// never split on it.
const ChunkSize = 1024 * 1024

// Metadata describes a finished recording. Field names are the wire names
// the upload endpoint expects.
type Metadata struct {
	ClientName         string           `json:"clientName"`
	StartDateTime      timefmt.DateTime `json:"startDateTime"`
	Duration           string           `json:"duration"`
	RecordingStartTime string           `json:"recordingStartTime"`
	RecordingEndTime   string           `json:"recordingEndTime"`
	FilePath           string           `json:"filePath"`
	FileName           string           `json:"fileName"`
	FolderPath         string           `json:"folderPath"`
	TotalChunks        int              `json:"totalChunks"`
}

// Options controls how date tokens and paths are derived.
type Options struct {
	// Location the date/time tokens are rendered in. Nil keeps the
	// location of the start timestamp.
	Location *time.Location
	Paths    paths.Builder
}

// Build derives the metadata for a recording. It is pure: the same inputs
// always give the same result.
func Build(clientName string, start, end time.Time, opts Options) (Metadata, error) {
	clientName = strings.TrimSpace(clientName)
	if clientName == "" {
		return Metadata{}, fmt.Errorf("%w: client name is required", timefmt.ErrInvalidInput)
	}

	duration, err := timefmt.Duration(start, end)
	if err != nil {
		return Metadata{}, fmt.Errorf("duration: %w", err)
	}

	local := start
	if opts.Location != nil {
		local = start.In(opts.Location)
	}
	startDateTime, err := timefmt.FormatDateTime(local)
	if err != nil {
		return Metadata{}, fmt.Errorf("start date: %w", err)
	}

	p, err := opts.Paths.Build(clientName, startDateTime, duration)
	if err != nil {
		return Metadata{}, fmt.Errorf("storage path: %w", err)
	}

	return Metadata{
		ClientName:         clientName,
		StartDateTime:      startDateTime,
		Duration:           duration,
		RecordingStartTime: timefmt.ISO(start),
		RecordingEndTime:   timefmt.ISO(end),
		FilePath:           p.FullPath,
		FileName:           p.FileName,
		FolderPath:         p.FolderPath,
	}, nil
}

// TotalChunks is the number of ChunkSize units needed to hold size bytes.
func TotalChunks(size int) int {
	if size <= 0 {
		return 0
	}
	return (size + ChunkSize - 1) / ChunkSize
}

// WithPayloadSize returns a copy annotated with the chunk count for size.
func (m Metadata) WithPayloadSize(size int) Metadata {
	m.TotalChunks = TotalChunks(size)
	return m
}
