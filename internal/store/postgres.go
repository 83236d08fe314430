package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"geogenesis/sink/internal/proposal"
	"geogenesis/sink/internal/relations"
	"geogenesis/sink/internal/versioning"
)

// PostgresStore persists the materialized graph. Every write is an
// idempotent upsert keyed by a deterministic id, so a failed batch can be
// retried as a whole without double-applying anything.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) UpsertSpaces(ctx context.Context, spaces []Space) error {
	for _, space := range spaces {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO spaces (id, dao_address, space_plugin_address, main_voting_plugin_address, member_access_plugin_address, created_at_block)
			VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6)
			ON CONFLICT (id) DO UPDATE SET
				space_plugin_address=COALESCE(EXCLUDED.space_plugin_address, spaces.space_plugin_address),
				main_voting_plugin_address=COALESCE(EXCLUDED.main_voting_plugin_address, spaces.main_voting_plugin_address),
				member_access_plugin_address=COALESCE(EXCLUDED.member_access_plugin_address, spaces.member_access_plugin_address)
		`, space.ID, space.DAOAddress, space.SpacePluginAddress, space.MainVotingAddress, space.MemberAccessAddress, space.CreatedAtBlock)
		if err != nil {
			return fmt.Errorf("upsert space %s: %w", space.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) FindSpaceForPluginAddress(ctx context.Context, pluginAddress string) (string, bool, error) {
	var spaceID string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM spaces
		WHERE space_plugin_address=$1
		   OR main_voting_plugin_address=$1
		   OR member_access_plugin_address=$1
		LIMIT 1
	`, pluginAddress).Scan(&spaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find space for plugin: %w", err)
	}
	return spaceID, true, nil
}

func (s *PostgresStore) UpsertProposals(ctx context.Context, proposals []versioning.EditProposal, blockNumber uint64) error {
	for _, p := range proposals {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO proposals (id, onchain_proposal_id, type, name, creator, space_id, plugin_address, content_uri, start_time, end_time, created_at_block)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO NOTHING
		`, p.ID, p.OnchainProposalID, p.Type, p.Name, p.Creator, p.SpaceID, p.PluginAddress, p.ContentURI, p.StartTime, p.EndTime, blockNumber)
		if err != nil {
			return fmt.Errorf("upsert proposal %s: %w", p.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) SetProposalAccepted(ctx context.Context, proposalID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE proposals SET status='accepted' WHERE id=$1`, proposalID)
	if err != nil {
		return fmt.Errorf("accept proposal %s: %w", proposalID, err)
	}
	return nil
}

func (s *PostgresStore) UpsertVersions(ctx context.Context, versions []versioning.Version) error {
	for _, v := range versions {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO versions (id, entity_id, edit_id, created_by_id, created_at, created_at_block, name, description, stale)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9)
			ON CONFLICT (id) DO NOTHING
		`, v.ID, v.EntityID, v.EditID, v.CreatedByID, v.CreatedAt, v.CreatedAtBlock, v.Name, v.Description, v.Stale)
		if err != nil {
			return fmt.Errorf("upsert version %s: %w", v.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) UpsertOps(ctx context.Context, versions []versioning.Version) error {
	for _, v := range versions {
		for i, op := range v.Ops {
			_, err := s.db.ExecContext(ctx, `
				INSERT INTO ops (version_id, position, kind, space_id, entity_id, attribute_id, value_type, value, relation_id, from_entity_id, to_entity_id, type_of_id, idx)
				VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''), NULLIF($13, ''))
				ON CONFLICT (version_id, position) DO NOTHING
			`, v.ID, i, string(op.Kind), op.SpaceID, op.EntityID, op.AttributeID, string(op.Value.Type), op.Value.Value, op.RelationID, op.FromEntityID, op.ToEntityID, op.TypeOfID, op.Index)
			if err != nil {
				return fmt.Errorf("upsert op %s/%d: %w", v.ID, i, err)
			}
		}
	}
	return nil
}

func (s *PostgresStore) UpsertCurrentVersions(ctx context.Context, versions []versioning.Version) error {
	for _, v := range versions {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO current_versions (entity_id, version_id)
			VALUES ($1, $2)
			ON CONFLICT (entity_id) DO UPDATE SET version_id=EXCLUDED.version_id, updated_at=NOW()
		`, v.EntityID, v.ID)
		if err != nil {
			return fmt.Errorf("upsert current version %s: %w", v.EntityID, err)
		}
	}
	return nil
}

// CurrentVersion loads the entity's current version pointer together with
// the ops that produced it, ordered as they were applied.
func (s *PostgresStore) CurrentVersion(ctx context.Context, entityID string) (versioning.CurrentVersionRecord, bool, error) {
	var record versioning.CurrentVersionRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT cv.entity_id, cv.version_id, v.created_at_block
		FROM current_versions cv
		JOIN versions v ON v.id = cv.version_id
		WHERE cv.entity_id=$1
	`, entityID).Scan(&record.EntityID, &record.VersionID, &record.CreatedAtBlock)
	if errors.Is(err, sql.ErrNoRows) {
		return versioning.CurrentVersionRecord{}, false, nil
	}
	if err != nil {
		return versioning.CurrentVersionRecord{}, false, fmt.Errorf("lookup current version: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, space_id, COALESCE(entity_id, ''), COALESCE(attribute_id, ''), COALESCE(value_type, ''), COALESCE(value, ''), COALESCE(relation_id, ''), COALESCE(from_entity_id, ''), COALESCE(to_entity_id, ''), COALESCE(type_of_id, ''), COALESCE(idx, '')
		FROM ops
		WHERE version_id=$1
		ORDER BY position ASC
	`, record.VersionID)
	if err != nil {
		return versioning.CurrentVersionRecord{}, false, fmt.Errorf("load current version ops: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var op versioning.Op
		var kind, valueType string
		if err := rows.Scan(&kind, &op.SpaceID, &op.EntityID, &op.AttributeID, &valueType, &op.Value.Value, &op.RelationID, &op.FromEntityID, &op.ToEntityID, &op.TypeOfID, &op.Index); err != nil {
			return versioning.CurrentVersionRecord{}, false, fmt.Errorf("scan current version op: %w", err)
		}
		op.Kind = versioning.OpKind(kind)
		op.Value.Type = versioning.ValueType(valueType)
		record.Ops = append(record.Ops, op)
	}
	if err := rows.Err(); err != nil {
		return versioning.CurrentVersionRecord{}, false, fmt.Errorf("iterate current version ops: %w", err)
	}
	return record, true, nil
}

func (s *PostgresStore) UpsertRelations(ctx context.Context, items []relations.Relation) error {
	for _, r := range items {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO relations (id, entity_id, from_version_id, to_entity_id, type_of_id, space_id, idx)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				from_version_id=EXCLUDED.from_version_id,
				to_entity_id=EXCLUDED.to_entity_id,
				type_of_id=EXCLUDED.type_of_id,
				idx=EXCLUDED.idx
		`, r.ID, r.EntityID, r.FromVersionID, r.ToEntityID, r.TypeOfID, r.SpaceID, r.Index)
		if err != nil {
			return fmt.Errorf("upsert relation %s: %w", r.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) DeleteRelationsByEntityIDs(ctx context.Context, entityIDs []string) error {
	if len(entityIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM relations WHERE entity_id = ANY($1)`, entityIDs)
	if err != nil {
		return fmt.Errorf("delete relations: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertSpacesMetadata(ctx context.Context, items []relations.SpaceMetadata) error {
	for _, m := range items {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO spaces_metadata (space_id, version_id)
			VALUES ($1, $2)
			ON CONFLICT (space_id) DO UPDATE SET version_id=EXCLUDED.version_id, updated_at=NOW()
		`, m.SpaceID, m.VersionID)
		if err != nil {
			return fmt.Errorf("upsert space metadata %s: %w", m.SpaceID, err)
		}
	}
	return nil
}

func (s *PostgresStore) UpsertProposedMembers(ctx context.Context, items []proposal.MembershipProposal, blockNumber uint64) error {
	return s.upsertMembership(ctx, "proposed_members", items, blockNumber)
}

func (s *PostgresStore) UpsertProposedEditors(ctx context.Context, items []proposal.MembershipProposal, blockNumber uint64) error {
	return s.upsertMembership(ctx, "proposed_editors", items, blockNumber)
}

func (s *PostgresStore) upsertMembership(ctx context.Context, table string, items []proposal.MembershipProposal, blockNumber uint64) error {
	for _, m := range items {
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, type, user_address, space_id, created_at_block)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING
		`, table), m.ID, m.Type, m.User, m.SpaceID, blockNumber)
		if err != nil {
			return fmt.Errorf("upsert %s %s: %w", table, m.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) UpsertProposedSubspaces(ctx context.Context, items []proposal.SubspaceProposal, blockNumber uint64) error {
	for _, sub := range items {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO proposed_subspaces (id, type, subspace, space_id, created_at_block)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING
		`, sub.ID, sub.Type, sub.Subspace, sub.SpaceID, blockNumber)
		if err != nil {
			return fmt.Errorf("upsert proposed subspace %s: %w", sub.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveCursor(ctx context.Context, cursor Cursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (id, cursor, block_number)
		VALUES (0, $1, $2)
		ON CONFLICT (id) DO UPDATE SET cursor=EXCLUDED.cursor, block_number=EXCLUDED.block_number, updated_at=NOW()
	`, cursor.Cursor, cursor.BlockNumber)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadCursor(ctx context.Context) (Cursor, bool, error) {
	var cursor Cursor
	err := s.db.QueryRowContext(ctx, `SELECT cursor, block_number FROM cursors WHERE id=0`).Scan(&cursor.Cursor, &cursor.BlockNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, fmt.Errorf("load cursor: %w", err)
	}
	return cursor, true, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
