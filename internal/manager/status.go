package manager

import (
	"context"
	"fmt"
	"strings"

	"github.com/Iron-Ham/mobu/internal/alert"
	"github.com/Iron-Ham/mobu/internal/flock"
)

// PostStatus posts a summary of the running flocks to the alert sink. It
// posts nothing when no flocks are running.
func (m *Manager) PostStatus(ctx context.Context) {
	if m.cfg.Alerts == nil {
		return
	}
	msg, ok := StatusMessage(m.Summaries(), m.cfg.Env.EnvironmentURL)
	if !ok {
		return
	}
	if err := m.cfg.Alerts.Post(ctx, msg); err != nil {
		m.logger.Warn("failed to post status", "error", err.Error())
	}
}

// StatusMessage renders flock summaries as a status report. ok is false
// when there is nothing to report.
func StatusMessage(summaries []flock.Summary, environment string) (msg alert.Message, ok bool) {
	if len(summaries) == 0 {
		return alert.Message{}, false
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Currently running %d %s", len(summaries), plural(len(summaries), "flock", "flocks"))
	if environment != "" {
		fmt.Fprintf(&sb, " against %s", environment)
	}
	sb.WriteString(":\n")
	for _, s := range summaries {
		started := "(not started)"
		if s.StartTime != nil {
			started = "started " + s.StartTime.Format("2006-01-02")
		}
		fmt.Fprintf(&sb, "• *%s*: %d %s %s with %d %s (%.2f%% success)\n",
			s.Name,
			s.MonkeyCount, plural(s.MonkeyCount, "monkey", "monkeys"),
			started,
			s.FailureCount, plural(int(s.FailureCount), "failure", "failures"),
			SuccessRate(s),
		)
	}
	return alert.Message{Text: sb.String()}, true
}

// SuccessRate is the percentage of successful iterations, 100 when nothing
// has run. A rate that would round up to 100 despite failures is shown as
// 99.99.
func SuccessRate(s flock.Summary) float64 {
	total := s.SuccessCount + s.FailureCount
	if total == 0 {
		return 100
	}
	rate := float64(s.SuccessCount) / float64(total) * 100
	if rate < 100 && rate > 99.995 {
		rate = 99.99
	}
	return rate
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
