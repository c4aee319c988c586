package crew

import (
	"errors"
	"fmt"
	"strings"

	"go.jetify.com/typeid"
)

// ErrInvalidID is returned by the file-backed stores for an id that cannot
// be used as a single file or directory name.
var ErrInvalidID = errors.New("invalid id")

// ValidateID checks that id names one entry inside a store directory: it is
// not empty, has no path separators, and does not start with a dot.
func ValidateID(kind, id string) error {
	if id == "" || strings.HasPrefix(id, ".") || strings.ContainsAny(id, "/\\\x00") {
		return fmt.Errorf("%w: %s id %q", ErrInvalidID, kind, id)
	}
	return nil
}

// NewThreadID returns a new unique thread identifier
func NewThreadID() string {
	return newID("thread")
}

// NewCheckpointID returns a new unique checkpoint identifier
func NewCheckpointID() string {
	return newID("ckpt")
}

func newID(prefix string) string {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		panic(err)
	}
	return id.String()
}
