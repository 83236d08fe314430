// Package versioning turns batches of edit proposals into per-entity
// versions: one immutable snapshot per entity per block, merged across
// concurrent edits and healed across out-of-order executions.
package versioning

import "geogenesis/sink/internal/util"

type OpKind string

const (
	OpSetTriple      OpKind = "SET_TRIPLE"
	OpDeleteTriple   OpKind = "DELETE_TRIPLE"
	OpCreateRelation OpKind = "CREATE_RELATION"
	OpDeleteRelation OpKind = "DELETE_RELATION"
)

type ValueType string

const (
	ValueText     ValueType = "TEXT"
	ValueNumber   ValueType = "NUMBER"
	ValueEntity   ValueType = "ENTITY"
	ValueCheckbox ValueType = "CHECKBOX"
	ValueURI      ValueType = "URI"
	ValueTime     ValueType = "TIME"
	ValuePoint    ValueType = "POINT"
)

// Well-known system entity ids.
const (
	NameAttribute        = "name"
	DescriptionAttribute = "Description"
	TypesAttribute       = "type"
	SpaceType            = "1d5d0c2a-db23-466c-a0b0-9abe879df457"
)

type Value struct {
	Type  ValueType
	Value string
}

// Op is one atomic graph mutation. Triple fields are set for triple ops,
// relation fields for relation ops; SpaceID is always set. Ops are
// immutable once mapped.
type Op struct {
	Kind    OpKind
	SpaceID string

	EntityID    string
	AttributeID string
	Value       Value

	RelationID   string
	FromEntityID string
	ToEntityID   string
	TypeOfID     string
	Index        string
}

// EntityRef is the entity id an op is versioned under. Relations are
// entities themselves, so a relation delete that only names the relation
// id is versioned under that id.
func (o Op) EntityRef() string {
	switch o.Kind {
	case OpSetTriple, OpDeleteTriple:
		return o.EntityID
	case OpCreateRelation:
		return o.FromEntityID
	case OpDeleteRelation:
		return o.RelationID
	}
	return ""
}

// EditProposal is a space-scoped, ordered batch of ops with provenance.
// The id is content-derived and globally unique.
type EditProposal struct {
	ID                string
	OnchainProposalID string
	Type              string
	Name              string
	Creator           string
	SpaceID           string
	PluginAddress     string
	ContentURI        string
	StartTime         int64
	EndTime           int64
	Ops               []Op
}

// Version is an immutable snapshot of what changed for one entity as of
// one edit, or of a merge of several edits in the same block.
type Version struct {
	ID             string
	EntityID       string
	EditID         string
	CreatedByID    string
	CreatedAt      int64
	CreatedAtBlock uint64
	Name           string
	Description    string
	// Stale marks a version produced by folding an incoming edit with a
	// causally newer current version.
	Stale bool
	Ops   []Op
}

// VersionID derives the deterministic version id for an (entity, proposal)
// pair. Replaying the same inputs always yields the same id.
func VersionID(entityID, proposalID string) string {
	return util.DeriveID("version", entityID, proposalID)
}
