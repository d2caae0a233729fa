package protocol

import (
	"fmt"
	"regexp"
	"strings"
)

// chunkIDPattern permits ids safe for branch names and directory names.
var chunkIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateChunkID rejects ids that could escape the worktrees directory or
// produce an invalid git ref when prefixed with BranchPrefix.
func ValidateChunkID(id string) error {
	if id == "" {
		return fmt.Errorf("chunk id is empty")
	}
	if len(id) > 128 {
		return fmt.Errorf("chunk id exceeds 128 characters")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("chunk id %q contains '..'", id)
	}
	if !chunkIDPattern.MatchString(id) {
		return fmt.Errorf("chunk id %q contains invalid characters", id)
	}
	return nil
}
