package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/guidemesh/core"
)

// ErrExists is returned by Create when the session id is already taken.
var ErrExists = errors.New("session already exists")

// ValidateAppend checks that turns may be appended to sess: the session is
// open, every turn has a speaker and the indices continue the history
// strictly increasing by one.
func ValidateAppend(sess *core.Session, turns []core.Turn) error {
	if sess.Status == core.SessionClosed {
		return fmt.Errorf("session %s: %w", sess.ID, core.ErrSessionClosed)
	}
	next := len(sess.Turns)
	for i, t := range turns {
		if t.Speaker != core.SpeakerUser && t.Speaker != core.SpeakerAgent {
			return fmt.Errorf("%w: turn %d has unknown speaker %q", core.ErrInvalidArgument, i, t.Speaker)
		}
		if strings.TrimSpace(t.Utterance) == "" {
			return fmt.Errorf("%w: turn %d has an empty utterance", core.ErrInvalidArgument, i)
		}
		if t.Index != next+i {
			return fmt.Errorf("%w: turn index %d, want %d", core.ErrInvalidArgument, t.Index, next+i)
		}
	}
	return nil
}

// NotFound returns the error for an unknown session id.
func NotFound(id core.SessionID) error {
	return fmt.Errorf("session %s: %w", id, core.ErrNotFound)
}
