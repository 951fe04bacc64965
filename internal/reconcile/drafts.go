package reconcile

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
)

// CorrelationToken builds the Message-ID that ties a remote draft copy to a
// local draft version
func CorrelationToken(draftID string, version int, domain string) string {
	return fmt.Sprintf("<%s-%d@%s>", draftID, version, domain)
}

var tokenPattern = regexp.MustCompile(`^<(.+)-(\d+)@([^>]+)>$`)

// ParseCorrelationToken splits a token back into draft id and version
func ParseCorrelationToken(token string) (draftID string, version int, ok bool) {
	m := tokenPattern.FindStringSubmatch(token)
	if m == nil {
		return "", 0, false
	}
	version, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1], version, true
}

// DeleteVersionFunc removes the remote copy of one draft version and reports
// whether a copy was found
type DeleteVersionFunc func(ctx context.Context, version int) (bool, error)

// CleanupOlderVersions walks versions downward from current-1 and deletes each
// remote copy, stopping at the first version that is already absent. Versions
// below that boundary are assumed cleaned by an earlier pass and are never
// touched. It returns the versions that were deleted.
func CleanupOlderVersions(ctx context.Context, current int, deleteVersion DeleteVersionFunc) ([]int, error) {
	var deleted []int
	for version := current - 1; version >= 0; version-- {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		found, err := deleteVersion(ctx, version)
		if err != nil {
			return deleted, fmt.Errorf("failed to delete draft version %d: %w", version, err)
		}
		if !found {
			break
		}
		deleted = append(deleted, version)
	}
	return deleted, nil
}
