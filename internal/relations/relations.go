// Package relations derives materialized relation rows and space
// classification facts from a batch's committed versions.
package relations

import (
	"geogenesis/sink/internal/util"
	"geogenesis/sink/internal/versioning"
)

// Relation is a typed edge scoped to the version that created it. The id
// derives from the owning version and the relation's entity id so replays
// upsert instead of duplicating.
type Relation struct {
	ID            string
	EntityID      string
	FromVersionID string
	ToEntityID    string
	TypeOfID      string
	SpaceID       string
	Index         string
}

// SpaceMetadata marks a version as representing the space itself.
type SpaceMetadata struct {
	SpaceID   string
	VersionID string
}

// Aggregate walks relation ops across the batch's versions in commit
// order. Creates produce relation rows; a delete removes any pending
// create for the same relation entity from earlier in the batch and emits
// a tombstone for rows already persisted.
func Aggregate(versions []versioning.Version) ([]Relation, []string) {
	var rels []Relation
	var tombstones []string

	for _, version := range versions {
		for _, op := range version.Ops {
			switch op.Kind {
			case versioning.OpCreateRelation:
				rels = append(rels, Relation{
					ID:            util.DeriveID("relation", version.ID, op.RelationID),
					EntityID:      op.RelationID,
					FromVersionID: version.ID,
					ToEntityID:    op.ToEntityID,
					TypeOfID:      op.TypeOfID,
					SpaceID:       op.SpaceID,
					Index:         op.Index,
				})
			case versioning.OpDeleteRelation:
				rels = dropPending(rels, op.RelationID)
				tombstones = append(tombstones, op.RelationID)
			}
		}
	}
	return rels, tombstones
}

func dropPending(rels []Relation, relationEntityID string) []Relation {
	kept := rels[:0]
	for _, rel := range rels {
		if rel.EntityID != relationEntityID {
			kept = append(kept, rel)
		}
	}
	return kept
}

// SpacesFromRelations finds relations classifying an entity as a space
// (type-of TYPES pointing at the space type) and emits one metadata row
// per space id. The last candidate in iteration order wins.
func SpacesFromRelations(rels []Relation) []SpaceMetadata {
	var order []string
	versionBySpace := make(map[string]string)

	for _, rel := range rels {
		if rel.TypeOfID != versioning.TypesAttribute || rel.ToEntityID != versioning.SpaceType {
			continue
		}
		if _, seen := versionBySpace[rel.SpaceID]; !seen {
			order = append(order, rel.SpaceID)
		}
		versionBySpace[rel.SpaceID] = rel.FromVersionID
	}

	metadata := make([]SpaceMetadata, 0, len(order))
	for _, spaceID := range order {
		metadata = append(metadata, SpaceMetadata{
			SpaceID:   spaceID,
			VersionID: versionBySpace[spaceID],
		})
	}
	return metadata
}
