// Package proposal joins resolved content payloads with on-chain event
// metadata to produce canonical edit proposals.
package proposal

import (
	"context"

	"golang.org/x/sync/errgroup"

	"geogenesis/sink/internal/codec"
	"geogenesis/sink/internal/event"
	"geogenesis/sink/internal/logutils"
	"geogenesis/sink/internal/versioning"
)

// ContentResolver resolves a content URI to raw payload bytes.
type ContentResolver interface {
	Resolve(ctx context.Context, uri string) ([]byte, error)
}

// SpaceResolver maps an emitting plugin address to the space it belongs
// to. A miss is reported through ok; it is a data-integrity condition,
// not an error.
type SpaceResolver interface {
	FindSpaceForPluginAddress(ctx context.Context, pluginAddress string) (string, bool, error)
}

// MembershipProposal is a decoded member or editor change request.
type MembershipProposal struct {
	ID      string
	Type    string
	User    string
	SpaceID string
}

// SubspaceProposal is a decoded subspace change request.
type SubspaceProposal struct {
	ID       string
	Type     string
	Subspace string
	SpaceID  string
}

// Result is everything one block's published edits map to.
type Result struct {
	Edits     []versioning.EditProposal
	Members   []MembershipProposal
	Editors   []MembershipProposal
	Subspaces []SubspaceProposal
}

type Mapper struct {
	resolver    ContentResolver
	spaces      SpaceResolver
	fetchLimit  int
	importLimit int
}

func NewMapper(resolver ContentResolver, spaces SpaceResolver, importLimit int) *Mapper {
	if importLimit <= 0 {
		importLimit = 50
	}
	return &Mapper{
		resolver:    resolver,
		spaces:      spaces,
		fetchLimit:  20,
		importLimit: importLimit,
	}
}

// MapEditsPublished resolves and decodes every published edit in the
// batch. Failures are per item: an unresolvable space, a failed fetch or
// a malformed payload drop that item and leave its siblings alone.
func (m *Mapper) MapEditsPublished(ctx context.Context, events []event.EditPublished, block event.BlockEvent) Result {
	perEvent := make([]Result, len(events))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.fetchLimit)

	for i, ev := range events {
		g.Go(func() error {
			perEvent[i] = m.mapOne(gctx, ev, block)
			return nil
		})
	}
	_ = g.Wait()

	var out Result
	for _, r := range perEvent {
		out.Edits = append(out.Edits, r.Edits...)
		out.Members = append(out.Members, r.Members...)
		out.Editors = append(out.Editors, r.Editors...)
		out.Subspaces = append(out.Subspaces, r.Subspaces...)
	}
	return out
}

func (m *Mapper) mapOne(ctx context.Context, ev event.EditPublished, block event.BlockEvent) (res Result) {
	log := logutils.Block(block.RequestID, block.BlockNumber).
		WithFields(logutils.Fields{"uri": ev.ContentURI, "pluginAddress": ev.PluginAddress})

	// A bad payload must never take down the batch, panics included.
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("mapping panicked: %v", r)
			res = Result{}
		}
	}()

	spaceID, ok, err := m.spaces.FindSpaceForPluginAddress(ctx, ev.PluginAddress)
	if err != nil {
		log.Errorf("space lookup failed: %v", err)
		return Result{}
	}
	if !ok {
		// Structural, not transient: no retry.
		log.Errorf("matching space not found for plugin address")
		return Result{}
	}

	raw, err := m.resolver.Resolve(ctx, ev.ContentURI)
	if err != nil {
		log.Errorf("resolving content failed: %v", err)
		return Result{}
	}

	meta, ok := codec.DecodeMetadata(raw)
	if !ok {
		log.Error("payload metadata failed to decode")
		return Result{}
	}

	switch meta.Type {
	case codec.TypeAddEdit:
		edit, ok := codec.DecodeEdit(raw)
		if !ok {
			log.Error("edit payload failed to decode")
			return Result{}
		}
		return Result{Edits: []versioning.EditProposal{
			toEditProposal(edit, meta.Name, spaceID, ev, block),
		}}

	case codec.TypeImportSpace:
		imp, ok := codec.DecodeImport(raw)
		if !ok {
			log.Error("import payload failed to decode")
			return Result{}
		}
		return Result{Edits: m.mapImport(ctx, imp, spaceID, ev, block)}

	case codec.TypeAddMember, codec.TypeRemoveMember:
		member, ok := codec.DecodeMembership(raw)
		if !ok {
			log.Error("membership payload failed to decode")
			return Result{}
		}
		return Result{Members: []MembershipProposal{{
			ID:      member.ID,
			Type:    meta.Type,
			User:    member.User,
			SpaceID: spaceID,
		}}}

	case codec.TypeAddEditor, codec.TypeRemoveEditor:
		editor, ok := codec.DecodeMembership(raw)
		if !ok {
			log.Error("editorship payload failed to decode")
			return Result{}
		}
		return Result{Editors: []MembershipProposal{{
			ID:      editor.ID,
			Type:    meta.Type,
			User:    editor.User,
			SpaceID: spaceID,
		}}}

	case codec.TypeAddSubspace, codec.TypeRemoveSubspace:
		sub, ok := codec.DecodeSubspace(raw)
		if !ok {
			log.Error("subspace payload failed to decode")
			return Result{}
		}
		return Result{Subspaces: []SubspaceProposal{{
			ID:       sub.ID,
			Type:     meta.Type,
			Subspace: sub.Subspace,
			SpaceID:  spaceID,
		}}}
	}

	log.Errorf("unhandled payload type %s", meta.Type)
	return Result{}
}

// mapImport resolves every nested edit in an import bundle with bounded
// concurrency. A single bad nested edit does not fail the import; it is
// logged and skipped.
func (m *Mapper) mapImport(ctx context.Context, imp *codec.Import, spaceID string, ev event.EditPublished, block event.BlockEvent) []versioning.EditProposal {
	log := logutils.Block(block.RequestID, block.BlockNumber).
		WithFields(logutils.Fields{"importId": imp.ID})

	decoded := make([]*versioning.EditProposal, len(imp.Edits))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.importLimit)

	for i, uri := range imp.Edits {
		g.Go(func() error {
			raw, err := m.resolver.Resolve(gctx, uri)
			if err != nil {
				log.WithFields(logutils.Fields{"uri": uri}).
					Errorf("resolving nested edit failed: %v", err)
				return nil
			}
			meta, ok := codec.DecodeMetadata(raw)
			if !ok || meta.Type != codec.TypeAddEdit {
				log.WithFields(logutils.Fields{"uri": uri}).
					Error("nested payload is not a decodable edit")
				return nil
			}
			edit, ok := codec.DecodeEdit(raw)
			if !ok {
				log.WithFields(logutils.Fields{"uri": uri}).
					Error("nested edit failed to decode")
				return nil
			}
			nested := ev
			nested.ContentURI = uri
			p := toEditProposal(edit, meta.Name, spaceID, nested, block)
			decoded[i] = &p
			return nil
		})
	}
	_ = g.Wait()

	proposals := make([]versioning.EditProposal, 0, len(decoded))
	for _, p := range decoded {
		if p != nil {
			proposals = append(proposals, *p)
		}
	}
	return proposals
}

// toEditProposal stamps the resolved space onto every op. The proposal id
// is the edit's content-derived id.
func toEditProposal(edit *codec.Edit, name, spaceID string, ev event.EditPublished, block event.BlockEvent) versioning.EditProposal {
	creator := ""
	if len(edit.Authors) > 0 {
		creator = edit.Authors[0]
	}
	if name == "" {
		name = edit.Name
	}

	ops := make([]versioning.Op, 0, len(edit.Ops))
	for _, op := range edit.Ops {
		ops = append(ops, toOp(op, spaceID))
	}

	return versioning.EditProposal{
		ID:                edit.ID,
		OnchainProposalID: "-1",
		Type:              codec.TypeAddEdit,
		Name:              name,
		Creator:           creator,
		SpaceID:           spaceID,
		PluginAddress:     ev.PluginAddress,
		ContentURI:        ev.ContentURI,
		StartTime:         block.Timestamp,
		EndTime:           block.Timestamp,
		Ops:               ops,
	}
}

func toOp(op codec.Op, spaceID string) versioning.Op {
	mapped := versioning.Op{
		Kind:    versioning.OpKind(op.Type),
		SpaceID: spaceID,
	}
	if op.Triple != nil {
		mapped.EntityID = op.Triple.Entity
		mapped.AttributeID = op.Triple.Attribute
		if op.Type == codec.OpSetTriple {
			mapped.Value = versioning.Value{
				Type:  versioning.ValueType(op.Triple.Value.Type),
				Value: op.Triple.Value.Value,
			}
		}
	}
	if op.Relation != nil {
		mapped.RelationID = op.Relation.ID
		mapped.FromEntityID = op.Relation.FromEntity
		mapped.ToEntityID = op.Relation.ToEntity
		mapped.TypeOfID = op.Relation.Type
		mapped.Index = op.Relation.Index
	}
	return mapped
}
