// Package gate admits websocket upgrades: it extracts the document id and
// credential from the request, asks the authorization collaborator for an
// access level, and rejects the upgrade before any socket exists when the
// answer is NONE. The level is bound to the connection for its lifetime; it
// is checked once at admission and never re-validated per message.
package gate

import "github.com/pkg/errors"

type Level int

const (
	LevelNone Level = iota
	LevelRead
	LevelReadWrite
)

func (l Level) String() string {
	switch l {
	case LevelRead:
		return "r"
	case LevelReadWrite:
		return "rw"
	default:
		return "none"
	}
}

// ParseLevel maps the collaborator's answer to a Level. An empty or "null"
// answer means no access.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "r":
		return LevelRead, nil
	case "rw":
		return LevelReadWrite, nil
	case "", "null", "none":
		return LevelNone, nil
	default:
		return LevelNone, errors.Errorf("unknown access level %q", s)
	}
}
