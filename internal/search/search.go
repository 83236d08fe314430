// Package search indexes version snapshots so entities are findable by
// name and description. Indexing is best effort: the sink never fails a
// block because the search backend is down.
package search

import "geogenesis/sink/internal/versioning"

// VersionRecord is the indexed shape of one version snapshot.
type VersionRecord struct {
	ID             string `json:"id"`
	EntityID       string `json:"entityId"`
	SpaceID        string `json:"spaceId"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	CreatedAtBlock uint64 `json:"createdAtBlock"`
}

// Query is a search request over indexed versions.
type Query struct {
	Text          string
	FilterSpaceID string
	Limit         int
	Offset        int
}

// Result is one search hit.
type Result struct {
	ID          string
	EntityID    string
	SpaceID     string
	Name        string
	Description string
}

// RecordsFromVersions maps versions to index records. Stale versions and
// versions that carry neither a name nor a description are skipped; they
// add nothing findable.
func RecordsFromVersions(versions []versioning.Version) []VersionRecord {
	records := make([]VersionRecord, 0, len(versions))
	for _, v := range versions {
		if v.Stale {
			continue
		}
		if v.Name == "" && v.Description == "" {
			continue
		}
		spaceID := ""
		if len(v.Ops) > 0 {
			spaceID = v.Ops[0].SpaceID
		}
		records = append(records, VersionRecord{
			ID:             v.ID,
			EntityID:       v.EntityID,
			SpaceID:        spaceID,
			Name:           v.Name,
			Description:    v.Description,
			CreatedAtBlock: v.CreatedAtBlock,
		})
	}
	return records
}
