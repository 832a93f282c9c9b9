package bot

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/cchalm/portfolio-assistant/internal/ai"
	"github.com/cchalm/portfolio-assistant/internal/artifact"
	"github.com/cchalm/portfolio-assistant/internal/telemetry"
)

// ErrTurnInProgress is returned by Submit when the session is already running a turn
var ErrTurnInProgress = errors.New("a turn is already in progress for this session")

// Session is one conversation: its log and the artifacts its turns produce. The caller owns the session and passes it
// to every Submit. At most one turn runs per session at a time
type Session struct {
	ID        string
	Log       *ai.ConversationLog
	Artifacts *artifact.Sink

	busy atomic.Bool
}

// NewSession creates an empty session. An empty id gets a generated one
func NewSession(id string) *Session {
	if id == "" {
		id = telemetry.NewSessionID()
	}
	return &Session{
		ID:        id,
		Log:       ai.NewConversationLog(),
		Artifacts: artifact.NewSink(),
	}
}

// ResumeSession restores a session from a stored history. The messages are not validated here; the next turn repairs
// the log if needed
func ResumeSession(history ai.ConversationHistory) *Session {
	s := NewSession(history.SessionID)
	s.Log = ai.NewConversationLog(history.Messages...)
	return s
}

// LastAnswer returns the most recent final answer in the session, if any
func (s *Session) LastAnswer() (string, bool) {
	return s.Log.LastAnswer()
}

// History returns a snapshot of the session suitable for storing
func (s *Session) History(systemPrompt string) ai.ConversationHistory {
	return ai.ConversationHistory{
		SessionID:    s.ID,
		SystemPrompt: systemPrompt,
		Messages:     s.Log.Messages(),
		UpdatedAt:    time.Now(),
	}
}

// Busy reports whether a turn is running
func (s *Session) Busy() bool {
	return s.busy.Load()
}
