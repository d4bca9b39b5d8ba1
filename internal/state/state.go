// Package state holds the single shared slot that says whether a recording
// is in progress. Any instance attaching to the session reads it once.
package state

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/notecapture/internal/timefmt"
)

// RecordingData describes the active session.
type RecordingData struct {
	ClientName string `json:"clientName" bson:"clientName"`
	// StartTime is in Unix milliseconds.
	StartTime          int64  `json:"startTime" bson:"startTime"`
	RecordingStartTime string `json:"recordingStartTime" bson:"recordingStartTime"`
	SessionID          string `json:"sessionId" bson:"sessionId"`
}

// NewRecordingData describes a session for clientName starting at start.
func NewRecordingData(clientName string, start time.Time) RecordingData {
	return RecordingData{
		ClientName:         clientName,
		StartTime:          start.UnixMilli(),
		RecordingStartTime: timefmt.ISO(start),
		SessionID:          uuid.NewString(),
	}
}

// Start is StartTime as a time.
func (d RecordingData) Start() (time.Time, error) {
	return timefmt.FromUnixMilli(d.StartTime)
}

// State is the slot content.
type State struct {
	IsRecording   bool           `json:"isRecording" bson:"isRecording"`
	RecordingData *RecordingData `json:"recordingData,omitempty" bson:"recordingData,omitempty"`
}

// Store is a single-slot, last-write-wins state store.
type Store interface {
	Get(ctx context.Context) (State, error)
	Set(ctx context.Context, active bool, data *RecordingData) error
	Clear(ctx context.Context) error
}

// BackendType names a store backend
type BackendType string

const (
	BackendTypeFile   BackendType = "file"
	BackendTypeMemory BackendType = "memory"
	BackendTypeMongo  BackendType = "mongo"
)

// Options select and configure a store backend.
type Options struct {
	Backend string

	// File backend.
	Path string

	// Mongo backend.
	MongoURI        string
	MongoDatabase   string
	MongoCollection string
}

// New opens the store named by opts.Backend.
func New(ctx context.Context, opts Options) (Store, error) {
	switch BackendType(strings.ToLower(strings.TrimSpace(opts.Backend))) {
	case BackendTypeMemory:
		return NewMemoryStore(), nil
	case BackendTypeMongo:
		return NewMongoStore(ctx, opts.MongoURI, opts.MongoDatabase, opts.MongoCollection)
	case BackendTypeFile, "":
		if opts.Path == "" {
			return nil, fmt.Errorf("state file path is empty")
		}
		return NewFileStore(opts.Path), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", opts.Backend)
	}
}

// stateFor is the value Set stores.
func stateFor(active bool, data *RecordingData) State {
	s := State{IsRecording: active}
	if data != nil {
		d := *data
		s.RecordingData = &d
	}
	return s
}
