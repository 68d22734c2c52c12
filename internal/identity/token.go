package identity

import (
	"fmt"

	"github.com/google/uuid"
)

// Token is the session-scoped identity of a participant. It survives a
// reconnect to a new host but not a restart of the participant process.
type Token uuid.UUID

// Nil is the empty token. It marks host-owned objects and "no owner" deltas.
var Nil Token

// IsNil reports whether the token is the empty token.
func (t Token) IsNil() bool {
	return t == Nil
}

func (t Token) String() string {
	return uuid.UUID(t).String()
}

// Short returns the first eight hex digits, used in log lines.
func (t Token) Short() string {
	s := t.String()
	return s[:8]
}

// MarshalText encodes the token in canonical UUID form.
func (t Token) MarshalText() ([]byte, error) {
	return uuid.UUID(t).MarshalText()
}

// UnmarshalText accepts canonical UUID text. An empty string decodes to Nil.
func (t *Token) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*t = Nil
		return nil
	}
	parsed, err := uuid.ParseBytes(data)
	if err != nil {
		return fmt.Errorf("invalid identity token %q: %w", data, err)
	}
	*t = Token(parsed)
	return nil
}

// ParseToken decodes a textual token.
func ParseToken(raw string) (Token, error) {
	var t Token
	if err := t.UnmarshalText([]byte(raw)); err != nil {
		return Nil, err
	}
	return t, nil
}
