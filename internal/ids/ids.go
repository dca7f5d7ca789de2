package ids

import (
	"strings"

	"github.com/google/uuid"
)

const (
	// ProcessPrefix is the prefix for source process handle IDs.
	ProcessPrefix = "src-"
)

// NewProcessID generates a new process handle ID using UUIDv7.
// Format: src-<uuidv7>
func NewProcessID() string {
	return ProcessPrefix + uuid.Must(uuid.NewV7()).String()
}

// IsValidProcessID checks if a string is a valid process handle ID.
func IsValidProcessID(id string) bool {
	uuidPart, ok := strings.CutPrefix(id, ProcessPrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(uuidPart)
	return err == nil
}
