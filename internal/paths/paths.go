// Package paths derives the storage location of a recording on the upload
// endpoint. The endpoint keys objects on FullPath, so the default layout must
// stay byte-for-byte stable.
package paths

import (
	"fmt"
	"strings"

	"github.com/audiolibrelab/notecapture/internal/timefmt"
)

// DefaultFileName is the object name every recording is stored under.
const DefaultFileName = "audio.wav"

// Path is the storage location of one recording.
type Path struct {
	FolderPath string `json:"folderPath"`
	FileName   string `json:"fileName"`
	FullPath   string `json:"fullPath"`
}

// Builder builds storage paths. The zero value produces the fixed
// "<client>/<date>/audio/audio.wav" layout.
type Builder struct {
	// Unique names the file after the start time and duration so same-day
	// recordings for one client do not overwrite each other.
	Unique bool
}

// BuildPath returns the default storage path for a client and start date.
func BuildPath(clientName string, start timefmt.DateTime) (Path, error) {
	return Builder{}.Build(clientName, start, "")
}

// Build returns the storage path. duration is only used when Unique is set.
func (b Builder) Build(clientName string, start timefmt.DateTime, duration string) (Path, error) {
	if strings.TrimSpace(clientName) == "" {
		return Path{}, fmt.Errorf("%w: client name is required", timefmt.ErrInvalidInput)
	}
	if start.Date == "" {
		return Path{}, fmt.Errorf("%w: start date is required", timefmt.ErrInvalidInput)
	}

	fileName := DefaultFileName
	if b.Unique {
		if start.Time == "" || duration == "" {
			return Path{}, fmt.Errorf("%w: unique names need start time and duration", timefmt.ErrInvalidInput)
		}
		fileName = fmt.Sprintf("%s_%s_%s.wav", clientName, start.Time, duration)
	}

	folder := clientName + "/" + start.Date
	return Path{
		FolderPath: folder,
		FileName:   fileName,
		FullPath:   folder + "/audio/" + fileName,
	}, nil
}
