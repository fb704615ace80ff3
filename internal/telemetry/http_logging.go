package telemetry

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/italolelis/video_cache/internal/logctx"
)

// HTTPLogging logs one line per request; 5xx at error, 4xx at warn, everything else at info.
// It also attaches the request id to the context logger so handlers inherit it.
func HTTPLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestID(ctx)

		logger := logctx.LoggerFromContext(ctx)
		if requestID != "" {
			logger = logger.With("request_id", requestID)
			ctx = logctx.WithLogger(ctx, logger)
		}

		start := time.Now()
		rec := newStatusRecorder(w)

		next.ServeHTTP(rec, r.WithContext(ctx))

		level := slog.LevelInfo

		switch {
		case rec.status >= http.StatusInternalServerError:
			level = slog.LevelError
		case rec.status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}

		logger.Log(ctx, level, "http request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.bytesWritten,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
