// Package reconcile holds the pure helpers shared by the read-sync and
// syncback paths: UID bookkeeping and draft version correlation.
package reconcile

import (
	"sort"

	"github.com/brandon/mail-syncback/pkg/types"
)

// FolderUIDs is the set of UIDs a message occupies inside one folder
type FolderUIDs struct {
	Folder string
	UIDs   []uint32
}

// IndexByFolder groups mappings by folder. Folders come back in name order and
// UIDs ascending, so callers touch the server in a stable order.
func IndexByFolder(mappings []types.UIDMapping) []FolderUIDs {
	byFolder := make(map[string][]uint32)
	for _, m := range mappings {
		byFolder[m.Folder] = append(byFolder[m.Folder], m.UID)
	}

	folders := make([]string, 0, len(byFolder))
	for folder := range byFolder {
		folders = append(folders, folder)
	}
	sort.Strings(folders)

	result := make([]FolderUIDs, 0, len(folders))
	for _, folder := range folders {
		uids := byFolder[folder]
		sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
		result = append(result, FolderUIDs{Folder: folder, UIDs: uids})
	}
	return result
}

// NewOrUpdated partitions remote UIDs into those not yet recorded locally and
// those already known
func NewOrUpdated(remote, local []uint32) (fresh, known []uint32) {
	seen := make(map[uint32]struct{}, len(local))
	for _, uid := range local {
		seen[uid] = struct{}{}
	}
	for _, uid := range remote {
		if _, ok := seen[uid]; ok {
			known = append(known, uid)
		} else {
			fresh = append(fresh, uid)
		}
	}
	return fresh, known
}

// Removed returns the local UIDs that no longer exist remotely
func Removed(remote, local []uint32) []uint32 {
	present := make(map[uint32]struct{}, len(remote))
	for _, uid := range remote {
		present[uid] = struct{}{}
	}
	var gone []uint32
	for _, uid := range local {
		if _, ok := present[uid]; !ok {
			gone = append(gone, uid)
		}
	}
	return gone
}
