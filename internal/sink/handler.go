// Package sink orchestrates one block at a time: bootstrap spaces, map
// published edits, aggregate versions, and land everything in the store
// under the grouped-write discipline.
package sink

import (
	"context"
	"fmt"
	"time"

	"geogenesis/sink/internal/event"
	"geogenesis/sink/internal/logutils"
	"geogenesis/sink/internal/proposal"
	"geogenesis/sink/internal/relations"
	"geogenesis/sink/internal/search"
	"geogenesis/sink/internal/store"
	"geogenesis/sink/internal/util"
	"geogenesis/sink/internal/versioning"
)

// Store is everything the handler persists through. *store.PostgresStore
// satisfies it.
type Store interface {
	UpsertSpaces(ctx context.Context, spaces []store.Space) error
	UpsertProposals(ctx context.Context, proposals []versioning.EditProposal, blockNumber uint64) error
	UpsertVersions(ctx context.Context, versions []versioning.Version) error
	UpsertOps(ctx context.Context, versions []versioning.Version) error
	UpsertCurrentVersions(ctx context.Context, versions []versioning.Version) error
	UpsertRelations(ctx context.Context, items []relations.Relation) error
	DeleteRelationsByEntityIDs(ctx context.Context, entityIDs []string) error
	UpsertSpacesMetadata(ctx context.Context, items []relations.SpaceMetadata) error
	UpsertProposedMembers(ctx context.Context, items []proposal.MembershipProposal, blockNumber uint64) error
	UpsertProposedEditors(ctx context.Context, items []proposal.MembershipProposal, blockNumber uint64) error
	UpsertProposedSubspaces(ctx context.Context, items []proposal.SubspaceProposal, blockNumber uint64) error
	SetProposalAccepted(ctx context.Context, proposalID string) error
	SaveCursor(ctx context.Context, cursor store.Cursor) error
}

// EditMapper turns published-edit events into decoded proposals.
type EditMapper interface {
	MapEditsPublished(ctx context.Context, events []event.EditPublished, block event.BlockEvent) proposal.Result
}

// Aggregator turns decoded proposals into per-entity versions.
type Aggregator interface {
	Aggregate(ctx context.Context, proposals []versioning.EditProposal, block event.BlockEvent) []versioning.Version
}

// Indexer pushes version records into the search backend.
type Indexer interface {
	IndexVersions(records []search.VersionRecord) error
}

type Handler struct {
	store  Store
	mapper EditMapper
	engine Aggregator
	index  Indexer

	writeWindow time.Duration
	acceptLimit int
}

type HandlerOption func(*Handler)

// WithIndexer enables best-effort search indexing of produced versions.
func WithIndexer(index Indexer) HandlerOption {
	return func(h *Handler) { h.index = index }
}

func WithWriteWindow(window time.Duration) HandlerOption {
	return func(h *Handler) { h.writeWindow = window }
}

func WithAcceptLimit(limit int) HandlerOption {
	return func(h *Handler) { h.acceptLimit = limit }
}

func NewHandler(st Store, mapper EditMapper, engine Aggregator, opts ...HandlerOption) *Handler {
	h := &Handler{
		store:       st,
		mapper:      mapper,
		engine:      engine,
		acceptLimit: 50,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleBlock processes one block end to end. Blocks are strictly
// sequential; the grouped write must land before the next block starts,
// which is what makes the stale-detection read safe.
func (h *Handler) HandleBlock(ctx context.Context, block event.Block) (err error) {
	log := logutils.Block(block.Block.RequestID, block.Block.BlockNumber)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("block %d: panic: %v", block.Block.BlockNumber, r)
		}
	}()

	// Spaces created in this block must exist before the mapper resolves
	// plugin addresses for edits in the same block.
	spaces := spacesFromEvents(block)
	if len(spaces) > 0 {
		if err := CommitGrouped(ctx, h.writeWindow, log, func(ctx context.Context) error {
			return h.store.UpsertSpaces(ctx, spaces)
		}); err != nil {
			return err
		}
		log.Infof("bootstrapped %d spaces", len(spaces))
	}

	mapped := h.mapper.MapEditsPublished(ctx, block.EditsPublished, block.Block)
	versions := h.engine.Aggregate(ctx, mapped.Edits, block.Block)
	rels, tombstones := relations.Aggregate(versions)
	spacesMeta := relations.SpacesFromRelations(rels)
	proposalRows := allProposalRows(mapped, block.Block)

	err = CommitGrouped(ctx, h.writeWindow, log,
		func(ctx context.Context) error { return h.store.UpsertProposals(ctx, proposalRows, block.Block.BlockNumber) },
		func(ctx context.Context) error { return h.store.UpsertVersions(ctx, versions) },
		func(ctx context.Context) error { return h.store.UpsertOps(ctx, versions) },
		func(ctx context.Context) error { return h.store.UpsertCurrentVersions(ctx, versions) },
		func(ctx context.Context) error { return h.store.DeleteRelationsByEntityIDs(ctx, tombstones) },
		func(ctx context.Context) error { return h.store.UpsertRelations(ctx, rels) },
		func(ctx context.Context) error { return h.store.UpsertSpacesMetadata(ctx, spacesMeta) },
		func(ctx context.Context) error {
			return h.store.UpsertProposedMembers(ctx, mapped.Members, block.Block.BlockNumber)
		},
		func(ctx context.Context) error {
			return h.store.UpsertProposedEditors(ctx, mapped.Editors, block.Block.BlockNumber)
		},
		func(ctx context.Context) error {
			return h.store.UpsertProposedSubspaces(ctx, mapped.Subspaces, block.Block.BlockNumber)
		},
		func(ctx context.Context) error {
			return h.store.SaveCursor(ctx, store.Cursor{Cursor: block.Block.Cursor, BlockNumber: block.Block.BlockNumber})
		},
	)
	if err != nil {
		return err
	}

	// An edit that reached us was already executed onchain, so its
	// proposal is accepted by definition.
	ids := make([]string, 0, len(mapped.Edits))
	for _, p := range mapped.Edits {
		ids = append(ids, p.ID)
	}
	if err := AcceptProposals(ctx, h.store, ids, h.acceptLimit); err != nil {
		log.Warnf("accepting proposals: %v", err)
	}

	if h.index != nil {
		if err := h.index.IndexVersions(search.RecordsFromVersions(versions)); err != nil {
			log.Warnf("indexing versions: %v", err)
		}
	}

	if len(versions) > 0 || len(rels) > 0 {
		log.WithFields(logutils.Fields{
			"proposals": len(mapped.Edits),
			"versions":  len(versions),
			"relations": len(rels),
		}).Info("block materialized")
	}
	return nil
}

// allProposalRows combines edit proposals with the governance payloads so
// every decoded payload leaves a proposal row. Governance proposals stay
// `proposed`; their approval happens through onchain voting the sink does
// not observe.
func allProposalRows(mapped proposal.Result, block event.BlockEvent) []versioning.EditProposal {
	rows := make([]versioning.EditProposal, 0,
		len(mapped.Edits)+len(mapped.Members)+len(mapped.Editors)+len(mapped.Subspaces))
	rows = append(rows, mapped.Edits...)

	for _, m := range mapped.Members {
		rows = append(rows, governanceRow(m.ID, m.Type, m.SpaceID, block))
	}
	for _, e := range mapped.Editors {
		rows = append(rows, governanceRow(e.ID, e.Type, e.SpaceID, block))
	}
	for _, s := range mapped.Subspaces {
		rows = append(rows, governanceRow(s.ID, s.Type, s.SpaceID, block))
	}
	return rows
}

func governanceRow(id, proposalType, spaceID string, block event.BlockEvent) versioning.EditProposal {
	return versioning.EditProposal{
		ID:                id,
		OnchainProposalID: "-1",
		Type:              proposalType,
		SpaceID:           spaceID,
		StartTime:         block.Timestamp,
		EndTime:           block.Timestamp,
	}
}

func spacesFromEvents(block event.Block) []store.Space {
	var spaces []store.Space
	for _, created := range block.SpacesCreated {
		spaces = append(spaces, store.Space{
			ID:                 util.DeriveID("space", created.DAOAddress),
			DAOAddress:         created.DAOAddress,
			SpacePluginAddress: created.SpaceAddress,
			CreatedAtBlock:     block.Block.BlockNumber,
		})
	}
	for _, gov := range block.GovernancePluginsCreated {
		spaces = append(spaces, store.Space{
			ID:                  util.DeriveID("space", gov.DAOAddress),
			DAOAddress:          gov.DAOAddress,
			MainVotingAddress:   gov.MainVotingAddress,
			MemberAccessAddress: gov.MemberAccessAddress,
			CreatedAtBlock:      block.Block.BlockNumber,
		})
	}
	return spaces
}
