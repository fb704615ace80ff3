package notifier

import (
	"context"

	"github.com/italolelis/video_cache/internal/logctx"
)

// LogNotifier writes notifications to the context logger. It stands in when no webhook is
// configured so cache events are still consumed.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, message string) error {
	logctx.LoggerFromContext(ctx).Debug("notification", "message", message)

	return nil
}
