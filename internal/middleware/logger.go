package middleware

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"

	"homeservices-realtime/internal/logging"
)

// Logger logs only slow or failed requests, through the zerolog writer.
func Logger() fiber.Handler {
	return logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
		TimeFormat: "15:04:05",
		Output: &filteredWriter{
			dest:             logging.Get(),
			slowThreshold:    500 * time.Millisecond,
			errorStatusFloor: 400,
		},
	})
}

// filteredWriter discards log lines for fast, successful requests. Lines
// look like:
//
//	"15:04:05 | 200 | 1.23ms | GET /path\n"
type filteredWriter struct {
	dest             io.Writer
	slowThreshold    time.Duration
	errorStatusFloor int
}

func (w *filteredWriter) Write(p []byte) (int, error) {
	parts := strings.Split(strings.TrimSpace(string(p)), " | ")
	if len(parts) < 3 {
		return w.dest.Write(p)
	}

	if status, _ := strconv.Atoi(strings.TrimSpace(parts[1])); status >= w.errorStatusFloor {
		return w.dest.Write(p)
	}
	if d, err := time.ParseDuration(strings.TrimSpace(parts[2])); err == nil && d >= w.slowThreshold {
		return w.dest.Write(p)
	}
	return len(p), nil
}
