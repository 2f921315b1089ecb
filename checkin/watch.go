package checkin

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchQuestionSet reloads the question set at path whenever it is written
// and passes each valid set to fn. Invalid edits are logged and ignored so
// the last good set stays in use. It blocks until ctx is done.
func WatchQuestionSet(ctx context.Context, path string, logger *slog.Logger, fn func(*QuestionSet)) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "checkin", "path", path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// editors replace files via rename, so watch the directory
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			set, err := LoadQuestionSet(path)
			if err != nil {
				logger.Warn("question set reload rejected", "error", err)
				continue
			}
			logger.Info("question set reloaded", "question_set", set.ID, "questions", len(set.Questions))
			fn(set)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", "error", err)
		}
	}
}
