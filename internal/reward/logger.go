package reward

import (
	"fmt"
	"log/slog"

	"github.com/kalambet/bookspin/internal/storage"
)

// EventStore abstracts the append-only reward log.
type EventStore interface {
	SaveRewardEvent(e storage.RewardEvent) (storage.RewardEvent, error)
}

// Logger records workflow events and their rewards.
type Logger struct {
	store  EventStore
	logger *slog.Logger
}

// NewLogger creates a Logger writing to the given store.
func NewLogger(store EventStore) *Logger {
	return &Logger{store: store, logger: slog.Default()}
}

// LogEvent appends one structured record to the reward log. versionID may be
// empty when no version is involved (e.g. a failed generation).
func (l *Logger) LogEvent(eventType, chapterID, versionID string, reward float64, details map[string]string) error {
	e, err := l.store.SaveRewardEvent(storage.RewardEvent{
		EventType: eventType,
		ChapterID: chapterID,
		VersionID: versionID,
		Reward:    reward,
		Details:   details,
	})
	if err != nil {
		return fmt.Errorf("saving reward event: %w", err)
	}

	l.logger.Info("reward event",
		"event_type", e.EventType,
		"chapter_id", e.ChapterID,
		"version_id", e.VersionID,
		"reward", e.Reward,
	)
	return nil
}
