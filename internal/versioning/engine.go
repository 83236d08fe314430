package versioning

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"geogenesis/sink/internal/event"
	"geogenesis/sink/internal/logutils"
	"geogenesis/sink/internal/util"
)

// CurrentVersionRecord is the stored authoritative version for an entity,
// including its already-applied ops so a stale fold can replay them.
type CurrentVersionRecord struct {
	EntityID       string
	VersionID      string
	CreatedAtBlock uint64
	Ops            []Op
}

// CurrentVersionReader looks up the current version pointer for an entity.
// A missing row is reported through ok, not an error.
type CurrentVersionReader interface {
	CurrentVersion(ctx context.Context, entityID string) (CurrentVersionRecord, bool, error)
}

type Engine struct {
	current     CurrentVersionReader
	lookupLimit int
	log         *logrus.Logger
}

func NewEngine(current CurrentVersionReader, lookupLimit int) *Engine {
	if lookupLimit <= 0 {
		lookupLimit = 25
	}
	return &Engine{
		current:     current,
		lookupLimit: lookupLimit,
		log:         logutils.Log,
	}
}

// Aggregate runs the whole engine for one block: per-edit versioning,
// intra-batch merge, stale detection and fold. Exactly one version per
// touched entity comes out.
func (e *Engine) Aggregate(ctx context.Context, proposals []EditProposal, block event.BlockEvent) []Version {
	var versions []Version
	for _, p := range proposals {
		versions = append(versions, VersionsForEdit(p, block)...)
	}
	merged := MergeBatch(versions)
	final := e.DetectStale(ctx, merged, block)
	for i := range final {
		annotateMetadata(&final[i])
	}
	return final
}

// VersionsForEdit derives one version per distinct entity referenced by
// the edit's ops, collecting that edit's ops per entity in payload order.
func VersionsForEdit(p EditProposal, block event.BlockEvent) []Version {
	createdAt := p.StartTime
	if createdAt == 0 {
		createdAt = block.Timestamp
	}

	var order []string
	opsByEntity := make(map[string][]Op)
	for _, op := range p.Ops {
		entityID := op.EntityRef()
		if entityID == "" {
			continue
		}
		if _, seen := opsByEntity[entityID]; !seen {
			order = append(order, entityID)
		}
		opsByEntity[entityID] = append(opsByEntity[entityID], op)
	}

	versions := make([]Version, 0, len(order))
	for _, entityID := range order {
		versions = append(versions, Version{
			ID:             VersionID(entityID, p.ID),
			EntityID:       entityID,
			EditID:         p.ID,
			CreatedByID:    p.Creator,
			CreatedAt:      createdAt,
			CreatedAtBlock: block.BlockNumber,
			Ops:            opsByEntity[entityID],
		})
	}
	return versions
}

// MergeBatch groups a block's versions by entity. Entities touched by a
// single edit pass through untouched. Entities touched by several edits
// collapse into one merged version whose ops are the concatenation of each
// contributing edit's ops in edit-arrival order, so later ops replay after
// earlier ones and last-write-wins stays well defined at read time.
// Provenance comes from the first contributing edit.
func MergeBatch(versions []Version) []Version {
	var order []string
	byEntity := make(map[string][]Version)
	for _, v := range versions {
		if _, seen := byEntity[v.EntityID]; !seen {
			order = append(order, v.EntityID)
		}
		byEntity[v.EntityID] = append(byEntity[v.EntityID], v)
	}

	out := make([]Version, 0, len(order))
	for _, entityID := range order {
		group := byEntity[entityID]
		if len(group) == 1 {
			out = append(out, group[0])
			continue
		}

		idParts := []string{"version", entityID}
		var ops []Op
		for _, v := range group {
			idParts = append(idParts, v.EditID)
			ops = append(ops, v.Ops...)
		}

		first := group[0]
		out = append(out, Version{
			ID:             util.DeriveID(idParts...),
			EntityID:       entityID,
			EditID:         first.EditID,
			CreatedByID:    first.CreatedByID,
			CreatedAt:      first.CreatedAt,
			CreatedAtBlock: first.CreatedAtBlock,
			Ops:            ops,
		})
	}
	return out
}

// DetectStale compares every version against the entity's stored current
// version. An incoming version whose underlying creation block predates
// the stored one was authored earlier but executed later; overwriting the
// pointer with it alone would drop already-applied ops, so it is folded
// with the current version instead. Lookup failures and missing rows
// degrade to nonstale rather than aborting the batch.
//
// The read-then-fold here is not guarded by a database lock. The sink
// processes one block to completion before accepting the next, which is
// what makes the unlocked read safe; running multiple sink workers against
// one database would need a CAS on current_versions first.
func (e *Engine) DetectStale(ctx context.Context, versions []Version, block event.BlockEvent) []Version {
	out := make([]Version, len(versions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.lookupLimit)

	for i, v := range versions {
		g.Go(func() error {
			current, ok, err := e.current.CurrentVersion(gctx, v.EntityID)
			if err != nil {
				logutils.Block(block.RequestID, block.BlockNumber).
					WithFields(logutils.Fields{"entityId": v.EntityID}).
					Warnf("current version lookup failed, treating as nonstale: %v", err)
				out[i] = v
				return nil
			}
			if !ok || current.CreatedAtBlock <= v.CreatedAtBlock {
				out[i] = v
				return nil
			}
			out[i] = foldStale(v, current)
			return nil
		})
	}
	// Workers never return an error; Wait only collects them.
	_ = g.Wait()

	return out
}

// foldStale folds an incoming stale version with the entity's current
// version. The result gets a fresh deterministic id, is stamped with the
// current version's block so future comparisons order it correctly, and
// replays the current version's ops before the incoming edit's ops so no
// data from either side is lost.
func foldStale(incoming Version, current CurrentVersionRecord) Version {
	ops := make([]Op, 0, len(current.Ops)+len(incoming.Ops))
	ops = append(ops, current.Ops...)
	ops = append(ops, incoming.Ops...)

	return Version{
		ID:             util.DeriveID("version", incoming.ID, current.VersionID),
		EntityID:       incoming.EntityID,
		EditID:         incoming.EditID,
		CreatedByID:    incoming.CreatedByID,
		CreatedAt:      incoming.CreatedAt,
		CreatedAtBlock: current.CreatedAtBlock,
		Stale:          true,
		Ops:            ops,
	}
}

// annotateMetadata surfaces the version's latest name and description
// values so they can be stored and indexed without materializing triples.
func annotateMetadata(v *Version) {
	for _, op := range v.Ops {
		if op.Kind != OpSetTriple || op.Value.Type != ValueText {
			continue
		}
		switch op.AttributeID {
		case NameAttribute:
			v.Name = op.Value.Value
		case DescriptionAttribute:
			v.Description = op.Value.Value
		}
	}
}
