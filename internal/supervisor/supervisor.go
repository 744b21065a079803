// Package supervisor is the boundary between the core and whatever UI
// drives it: a broadcast stream of progress and lifecycle events, and the
// command surface the UI calls. The UI itself lives elsewhere.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
)

type EventType string

const (
	EventBackupStarted   EventType = "backup_started"
	EventBackupFinished  EventType = "backup_finished"
	EventRestoreStarted  EventType = "restore_started"
	EventRestoreFinished EventType = "restore_finished"
	EventProgress        EventType = "progress"
	EventPanic           EventType = "panic"
	EventConfig          EventType = "config"
)

// Progress is the packer's running counters, republished after every chunk.
type Progress struct {
	FilesDone    int    `json:"files_done"`
	FilesTotal   int    `json:"files_total"`
	BytesWritten int64  `json:"bytes_written"`
	CurrentPath  string `json:"current_path"`
	Failed       int    `json:"failed"`
}

type Event struct {
	Type EventType `json:"type"`

	// Success and Message accompany the finished and panic events.
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`

	Progress *Progress `json:"progress,omitempty"`

	// Config carries the serialized configuration for config events.
	Config any `json:"config,omitempty"`
}

// Commands is what the core offers the UI to call.
type Commands interface {
	StartBackup(ctx context.Context) error
	StartRestore(ctx context.Context, snapshotID, target string) error
	GetConfig() any
	SetConfig(v any) error
}

type Supervisor struct {
	log *slog.Logger

	mu   sync.Mutex
	subs []chan Event
}

func New(log *slog.Logger) *Supervisor {
	return &Supervisor{log: log}
}

// Subscribe returns a channel receiving every subsequent event. Slow
// subscribers drop events rather than stalling the core.
func (s *Supervisor) Subscribe() <-chan Event {
	ch := make(chan Event, 64)

	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	return ch
}

// Publish fans an event out to all subscribers.
func (s *Supervisor) Publish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
			// subscriber is not keeping up
		}
	}
}

// PublishProgress is the packer's hot path.
func (s *Supervisor) PublishProgress(p Progress) {
	s.Publish(Event{Type: EventProgress, Progress: &p})
}
