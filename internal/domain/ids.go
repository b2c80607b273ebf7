package domain

import (
	"strings"

	"github.com/google/uuid"
)

const (
	PrefixRun        = "run"
	PrefixCheckpoint = "ckpt"
)

// NewID returns "prefix_<uuidv7>". UUIDv7 ids sort by creation time.
func NewID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "_" + strings.ReplaceAll(id.String(), "-", "")
}

func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_")
}
