package app

import (
	"context"
	stderrors "errors"
	"log/slog"

	"weighsplit/internal/domain"
)

// Notifiers fans a notification out to every notifier in the list. Each one
// is tried even if an earlier one fails.
type Notifiers []domain.Notifier

// Notify implements domain.Notifier.
func (ns Notifiers) Notify(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, x := range ns {
		if x == nil {
			continue
		}
		if err := x.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements domain.Notifier.
func (l LogNotifier) Notify(ctx context.Context, n domain.Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, n.Title,
		"instance", n.Instance,
		"subject", n.SubjectID,
		"entity", n.EntityID,
		"link", n.Link,
	)
	return nil
}
