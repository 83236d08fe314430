// Package codec decodes content payloads against the versioned wire
// schema. Decoders never return an error: malformed input yields a false
// ok so callers can skip the item without aborting the batch.
package codec

import (
	"bytes"
	"encoding/json"
)

// Payload type discriminators.
const (
	TypeAddEdit        = "ADD_EDIT"
	TypeImportSpace    = "IMPORT_SPACE"
	TypeAddMember      = "ADD_MEMBER"
	TypeRemoveMember   = "REMOVE_MEMBER"
	TypeAddEditor      = "ADD_EDITOR"
	TypeRemoveEditor   = "REMOVE_EDITOR"
	TypeAddSubspace    = "ADD_SUBSPACE"
	TypeRemoveSubspace = "REMOVE_SUBSPACE"
)

// Op type discriminators.
const (
	OpSetTriple      = "SET_TRIPLE"
	OpDeleteTriple   = "DELETE_TRIPLE"
	OpCreateRelation = "CREATE_RELATION"
	OpDeleteRelation = "DELETE_RELATION"
)

var valueTypes = map[string]bool{
	"TEXT":     true,
	"NUMBER":   true,
	"ENTITY":   true,
	"CHECKBOX": true,
	"URI":      true,
	"TIME":     true,
	"POINT":    true,
}

// Metadata is the version-tagged envelope shared by every payload type.
type Metadata struct {
	Version string `json:"version"`
	Type    string `json:"type"`
	Name    string `json:"name,omitempty"`
}

type Value struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type Triple struct {
	Entity    string `json:"entity"`
	Attribute string `json:"attribute"`
	Value     Value  `json:"value,omitempty"`
}

type Relation struct {
	ID         string `json:"id"`
	FromEntity string `json:"fromEntity,omitempty"`
	ToEntity   string `json:"toEntity,omitempty"`
	Type       string `json:"type,omitempty"`
	Index      string `json:"index,omitempty"`
}

type Op struct {
	Type     string    `json:"type"`
	Triple   *Triple   `json:"triple,omitempty"`
	Relation *Relation `json:"relation,omitempty"`
}

// Edit is a decoded ADD_EDIT payload.
type Edit struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Authors []string `json:"authors"`
	Ops     []Op     `json:"ops"`
}

// Import is a decoded IMPORT_SPACE payload. Edits are content URIs of the
// bundled edits, each resolved and decoded independently.
type Import struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Edits []string `json:"edits"`
}

// Membership is a decoded ADD_MEMBER / REMOVE_MEMBER / ADD_EDITOR /
// REMOVE_EDITOR payload.
type Membership struct {
	ID   string `json:"id"`
	User string `json:"user"`
}

// Subspace is a decoded ADD_SUBSPACE / REMOVE_SUBSPACE payload.
type Subspace struct {
	ID       string `json:"id"`
	Subspace string `json:"subspace"`
}

var knownTypes = map[string]bool{
	TypeAddEdit:        true,
	TypeImportSpace:    true,
	TypeAddMember:      true,
	TypeRemoveMember:   true,
	TypeAddEditor:      true,
	TypeRemoveEditor:   true,
	TypeAddSubspace:    true,
	TypeRemoveSubspace: true,
}

func decode(raw []byte, out any) bool {
	dec := json.NewDecoder(bytes.NewReader(raw))
	return dec.Decode(out) == nil
}

// DecodeMetadata reads the payload envelope. The discriminator drives which
// concrete decoder the caller runs next.
func DecodeMetadata(raw []byte) (*Metadata, bool) {
	var meta Metadata
	if !decode(raw, &meta) {
		return nil, false
	}
	if meta.Version == "" || !knownTypes[meta.Type] {
		return nil, false
	}
	return &meta, true
}

// DecodeEdit decodes an ADD_EDIT payload. Invalid ops are filtered out
// one by one rather than rejecting the whole edit; an edit with no id is
// rejected outright.
func DecodeEdit(raw []byte) (*Edit, bool) {
	var edit Edit
	if !decode(raw, &edit) {
		return nil, false
	}
	if edit.ID == "" {
		return nil, false
	}
	valid := edit.Ops[:0]
	for _, op := range edit.Ops {
		if validOp(op) {
			valid = append(valid, op)
		}
	}
	edit.Ops = valid
	return &edit, true
}

func validOp(op Op) bool {
	switch op.Type {
	case OpSetTriple:
		return op.Triple != nil &&
			op.Triple.Entity != "" &&
			op.Triple.Attribute != "" &&
			valueTypes[op.Triple.Value.Type]
	case OpDeleteTriple:
		return op.Triple != nil && op.Triple.Entity != "" && op.Triple.Attribute != ""
	case OpCreateRelation:
		return op.Relation != nil &&
			op.Relation.ID != "" &&
			op.Relation.FromEntity != "" &&
			op.Relation.ToEntity != "" &&
			op.Relation.Type != ""
	case OpDeleteRelation:
		return op.Relation != nil && op.Relation.ID != ""
	default:
		return false
	}
}

// DecodeImport decodes an IMPORT_SPACE payload.
func DecodeImport(raw []byte) (*Import, bool) {
	var imp Import
	if !decode(raw, &imp) {
		return nil, false
	}
	if imp.ID == "" || len(imp.Edits) == 0 {
		return nil, false
	}
	return &imp, true
}

// DecodeMembership decodes a member or editor payload.
func DecodeMembership(raw []byte) (*Membership, bool) {
	var m Membership
	if !decode(raw, &m) {
		return nil, false
	}
	if m.ID == "" || m.User == "" {
		return nil, false
	}
	return &m, true
}

// DecodeSubspace decodes a subspace payload.
func DecodeSubspace(raw []byte) (*Subspace, bool) {
	var s Subspace
	if !decode(raw, &s) {
		return nil, false
	}
	if s.ID == "" || s.Subspace == "" {
		return nil, false
	}
	return &s, true
}
