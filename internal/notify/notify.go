// Package notify collects operator alerts raised during a scheduling cycle
// and delivers them in one batch at the end of the cycle, so a burst of
// related failures produces one digest instead of a message per host.
package notify

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Sink accepts alerts during a cycle and delivers them on Flush.
type Sink interface {
	Enqueue(subject, body string)
	Enqueuef(subject, format string, args ...any)
	Flush()
}

// LogSink writes queued alerts to the structured log. Deployments that route
// logs to an alerting pipeline get paging behavior for free.
type LogSink struct {
	logger *slog.Logger

	mu     sync.Mutex
	queued []message
}

type message struct {
	subject string
	body    string
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "notify")}
}

func (s *LogSink) Enqueue(subject, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, message{subject: subject, body: body})
}

func (s *LogSink) Enqueuef(subject, format string, args ...any) {
	s.Enqueue(subject, fmt.Sprintf(format, args...))
}

// Flush delivers everything queued since the last flush.
func (s *LogSink) Flush() {
	s.mu.Lock()
	queued := s.queued
	s.queued = nil
	s.mu.Unlock()

	for _, m := range queued {
		s.logger.Warn("operator alert", "subject", m.subject, "body", strings.TrimSpace(m.body))
	}
}

// Pending returns the number of undelivered alerts.
func (s *LogSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queued)
}
