package codename

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/sweetlink/sweetlink/internal/protocol"
)

var (
	ErrEmptyHint     = errors.New("a session identifier is required")
	ErrNoMatch       = errors.New("no active session matches")
	ErrAmbiguousHint = errors.New("multiple sessions match")
)

// LooksLikeSessionID reports whether hint is a canonical session uuid.
func LooksLikeSessionID(hint string) bool {
	if len(hint) != 36 {
		return false
	}
	_, err := uuid.Parse(hint)
	return err == nil
}

// Headline formats a session for display.
func Headline(s protocol.SessionSummary) string {
	if s.Codename != "" {
		return fmt.Sprintf("%s (%s)", s.Codename, s.SessionID)
	}
	return s.SessionID
}

// ResolveHint maps a session id or codename (case-insensitive) to a session
// id. A canonical uuid is returned as-is without consulting sessions.
func ResolveHint(hint string, sessions []protocol.SessionSummary) (string, error) {
	input := strings.TrimSpace(hint)
	if input == "" {
		return "", ErrEmptyHint
	}
	if LooksLikeSessionID(input) {
		return input, nil
	}

	var matches []protocol.SessionSummary
	for _, s := range sessions {
		if strings.EqualFold(s.SessionID, input) || (s.Codename != "" && strings.EqualFold(s.Codename, input)) {
			matches = append(matches, s)
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w %q; run `sweetlink sessions` to list active sessions", ErrNoMatch, hint)
	case 1:
		return matches[0].SessionID, nil
	default:
		headlines := make([]string, len(matches))
		for i, m := range matches {
			headlines[i] = Headline(m)
		}
		return "", fmt.Errorf("%w %q; refine using one of: %s", ErrAmbiguousHint, hint, strings.Join(headlines, ", "))
	}
}
