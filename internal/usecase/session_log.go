package usecase

import (
	"strings"
	"sync"

	"livescribe/internal/domain"
)

// sessionLog keeps the status lines and transcript text of one session.
type sessionLog struct {
	mu          sync.Mutex
	statuses    []string
	finals      []string
	lastPartial string
}

func newSessionLog() *sessionLog {
	return &sessionLog{}
}

func (l *sessionLog) AppendStatus(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, message)
}

func (l *sessionLog) Statuses() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.statuses))
	copy(out, l.statuses)
	return out
}

func (l *sessionLog) LastStatus() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.statuses) == 0 {
		return ""
	}
	return l.statuses[len(l.statuses)-1]
}

func (l *sessionLog) Add(event domain.TranscriptEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	text := strings.TrimSpace(event.Text)
	if event.Kind == domain.TranscriptKindFinal {
		l.lastPartial = ""
		if text != "" {
			l.finals = append(l.finals, text)
		}
		return
	}
	l.lastPartial = text
}

// Transcript joins final transcripts in receipt order.
func (l *sessionLog) Transcript() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.finals, " ")
}

// Live is the transcript followed by the partial still being revised.
func (l *sessionLog) Live() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	joined := strings.Join(l.finals, " ")
	if l.lastPartial == "" {
		return joined
	}
	if joined == "" {
		return l.lastPartial
	}
	return joined + " " + l.lastPartial
}
