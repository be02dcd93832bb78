package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/vigil/vigil/internal/event"
)

// Notifier shows a best-effort desktop notification for an alert. Failures
// never affect the pipeline outcome.
type Notifier interface {
	Notify(ctx context.Context, alert event.Alert) error
}

// maxToastBody bounds the description shown in a notification.
const maxToastBody = 200

// Toaster sends desktop notifications through notify-send. Missing tooling or
// a headless session surface as an error the pipeline logs and ignores.
type Toaster struct {
	logger  *slog.Logger
	timeout time.Duration
}

// NewToaster creates a Toaster with a 10 second subprocess timeout.
func NewToaster(logger *slog.Logger) *Toaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Toaster{logger: logger, timeout: 10 * time.Second}
}

// Notify shows severity, title, and a truncated description.
func (t *Toaster) Notify(ctx context.Context, alert event.Alert) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	summary := fmt.Sprintf("Vigil — %s: %s", alert.Severity, alert.Title)
	body := truncate(alert.Description, maxToastBody)

	cmd := exec.CommandContext(ctx, "notify-send",
		"--app-name", "Vigil IDS",
		"--urgency", urgencyFor(alert.Severity),
		summary, body,
	)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pipeline: toast failed: %w", err)
	}
	t.logger.Debug("toast sent", slog.String("title", alert.Title))
	return nil
}

// urgencyFor maps alert severity onto notify-send urgency levels.
func urgencyFor(s event.Severity) string {
	switch s {
	case event.SeverityHigh, event.SeverityCritical:
		return "critical"
	case event.SeverityMedium:
		return "normal"
	default:
		return "low"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
