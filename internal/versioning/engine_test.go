package versioning

import (
	"context"
	"errors"
	"testing"

	"geogenesis/sink/internal/event"
)

var testBlock = event.BlockEvent{
	BlockNumber: 100,
	Cursor:      "cursor-100",
	RequestID:   "req-1",
	Timestamp:   1700000000,
}

func setName(entity, name string) Op {
	return Op{
		Kind:        OpSetTriple,
		SpaceID:     "space-1",
		EntityID:    entity,
		AttributeID: NameAttribute,
		Value:       Value{Type: ValueText, Value: name},
	}
}

type fakeCurrentVersions struct {
	records map[string]CurrentVersionRecord
	err     error
}

func (f *fakeCurrentVersions) CurrentVersion(_ context.Context, entityID string) (CurrentVersionRecord, bool, error) {
	if f.err != nil {
		return CurrentVersionRecord{}, false, f.err
	}
	rec, ok := f.records[entityID]
	return rec, ok, nil
}

func newTestEngine(current CurrentVersionReader) *Engine {
	if current == nil {
		current = &fakeCurrentVersions{}
	}
	return NewEngine(current, 4)
}

func TestVersionIDDeterministic(t *testing.T) {
	if VersionID("e1", "p1") != VersionID("e1", "p1") {
		t.Fatal("VersionID not deterministic")
	}
	if VersionID("e1", "p1") == VersionID("e1", "p2") {
		t.Fatal("VersionID ignored the proposal id")
	}
}

func TestVersionsForEditOnePerEntity(t *testing.T) {
	p := EditProposal{
		ID:      "edit-1",
		Creator: "0xabc",
		SpaceID: "space-1",
		Ops: []Op{
			setName("e1", "Alice"),
			setName("e2", "Office"),
			{Kind: OpDeleteTriple, SpaceID: "space-1", EntityID: "e1", AttributeID: "age"},
			{Kind: OpCreateRelation, SpaceID: "space-1", RelationID: "r1", FromEntityID: "e2", ToEntityID: "e3", TypeOfID: TypesAttribute},
		},
	}

	versions := VersionsForEdit(p, testBlock)
	if len(versions) != 2 {
		t.Fatalf("versions = %d, want 2", len(versions))
	}
	if versions[0].EntityID != "e1" || versions[1].EntityID != "e2" {
		t.Fatalf("entity order = %s, %s", versions[0].EntityID, versions[1].EntityID)
	}
	if len(versions[0].Ops) != 2 || len(versions[1].Ops) != 2 {
		t.Fatalf("op counts = %d, %d", len(versions[0].Ops), len(versions[1].Ops))
	}
	if versions[0].ID != VersionID("e1", "edit-1") {
		t.Fatalf("version id not derived from (entity, proposal)")
	}
	if versions[0].CreatedAtBlock != testBlock.BlockNumber {
		t.Fatalf("created at block = %d", versions[0].CreatedAtBlock)
	}
}

func TestMergeBatchConcatsInArrivalOrder(t *testing.T) {
	editA := EditProposal{ID: "edit-a", Creator: "0xaaa", Ops: []Op{setName("e1", "Alice")}}
	editB := EditProposal{ID: "edit-b", Creator: "0xbbb", Ops: []Op{setName("e1", "Bob")}}

	versions := append(VersionsForEdit(editA, testBlock), VersionsForEdit(editB, testBlock)...)
	merged := MergeBatch(versions)

	if len(merged) != 1 {
		t.Fatalf("merged = %d versions, want 1", len(merged))
	}
	v := merged[0]
	if len(v.Ops) != 2 {
		t.Fatalf("ops = %d, want 2", len(v.Ops))
	}
	if v.Ops[0].Value.Value != "Alice" || v.Ops[1].Value.Value != "Bob" {
		t.Fatalf("op order = %q, %q", v.Ops[0].Value.Value, v.Ops[1].Value.Value)
	}
	// Provenance comes from the first contributing edit.
	if v.CreatedByID != "0xaaa" || v.EditID != "edit-a" {
		t.Fatalf("provenance = %s / %s", v.CreatedByID, v.EditID)
	}
	// The read value is the last op's.
	annotateMetadata(&v)
	if v.Name != "Bob" {
		t.Fatalf("materialized name = %q, want Bob", v.Name)
	}
}

func TestMergeBatchDeterministicID(t *testing.T) {
	build := func() Version {
		editA := EditProposal{ID: "edit-a", Ops: []Op{setName("e1", "Alice")}}
		editB := EditProposal{ID: "edit-b", Ops: []Op{setName("e1", "Bob")}}
		versions := append(VersionsForEdit(editA, testBlock), VersionsForEdit(editB, testBlock)...)
		return MergeBatch(versions)[0]
	}
	if build().ID != build().ID {
		t.Fatal("merged version id not deterministic")
	}
}

func TestMergeBatchLeavesSingletonsAlone(t *testing.T) {
	edit := EditProposal{ID: "edit-a", Ops: []Op{setName("e1", "Alice"), setName("e2", "Office")}}
	versions := VersionsForEdit(edit, testBlock)
	merged := MergeBatch(versions)
	if len(merged) != 2 {
		t.Fatalf("merged = %d, want 2", len(merged))
	}
	if merged[0].ID != versions[0].ID || merged[1].ID != versions[1].ID {
		t.Fatal("singleton version ids changed during merge")
	}
}

func TestDetectStaleFoldsOlderEdit(t *testing.T) {
	appliedOps := []Op{setName("e1", "Current")}
	current := &fakeCurrentVersions{records: map[string]CurrentVersionRecord{
		"e1": {EntityID: "e1", VersionID: "ver-current", CreatedAtBlock: 50, Ops: appliedOps},
	}}
	engine := newTestEngine(current)

	// Authored at block 40, executed now.
	incoming := VersionsForEdit(EditProposal{ID: "edit-late", Creator: "0xlate", Ops: []Op{setName("e1", "Late")}},
		event.BlockEvent{BlockNumber: 40, Timestamp: 1690000000})

	out := engine.DetectStale(context.Background(), incoming, testBlock)
	if len(out) != 1 {
		t.Fatalf("out = %d versions", len(out))
	}
	v := out[0]
	if !v.Stale {
		t.Fatal("expected version to be flagged stale")
	}
	if v.ID == incoming[0].ID {
		t.Fatal("stale fold must mint a fresh version id")
	}
	if v.CreatedAtBlock != 50 {
		t.Fatalf("folded block = %d, want the current version's 50", v.CreatedAtBlock)
	}
	if len(v.Ops) != 2 {
		t.Fatalf("folded ops = %d, want both sides", len(v.Ops))
	}
	if v.Ops[0].Value.Value != "Current" || v.Ops[1].Value.Value != "Late" {
		t.Fatalf("fold order = %q, %q; already-applied ops must replay first", v.Ops[0].Value.Value, v.Ops[1].Value.Value)
	}
}

func TestDetectStaleNewerEditPassesThrough(t *testing.T) {
	current := &fakeCurrentVersions{records: map[string]CurrentVersionRecord{
		"e1": {EntityID: "e1", VersionID: "ver-current", CreatedAtBlock: 50},
	}}
	engine := newTestEngine(current)

	incoming := VersionsForEdit(EditProposal{ID: "edit-new", Ops: []Op{setName("e1", "New")}}, testBlock)
	out := engine.DetectStale(context.Background(), incoming, testBlock)
	if out[0].Stale {
		t.Fatal("newer edit must not be stale")
	}
	if out[0].ID != incoming[0].ID {
		t.Fatal("nonstale version must pass through unchanged")
	}
}

func TestDetectStaleMissingRowDegradesToNonstale(t *testing.T) {
	engine := newTestEngine(&fakeCurrentVersions{})
	incoming := VersionsForEdit(EditProposal{ID: "edit-1", Ops: []Op{setName("e1", "Alice")}}, testBlock)
	out := engine.DetectStale(context.Background(), incoming, testBlock)
	if out[0].Stale {
		t.Fatal("missing current row must degrade to nonstale")
	}
}

func TestDetectStaleLookupErrorDegradesToNonstale(t *testing.T) {
	engine := newTestEngine(&fakeCurrentVersions{err: errors.New("connection refused")})
	incoming := VersionsForEdit(EditProposal{ID: "edit-1", Ops: []Op{setName("e1", "Alice")}}, testBlock)
	out := engine.DetectStale(context.Background(), incoming, testBlock)
	if len(out) != 1 || out[0].Stale {
		t.Fatal("lookup error must degrade to nonstale, not abort the batch")
	}
}

func TestAggregateOneVersionPerEntity(t *testing.T) {
	engine := newTestEngine(nil)
	proposals := []EditProposal{
		{ID: "edit-a", Creator: "0xaaa", Ops: []Op{setName("e1", "Alice"), setName("e2", "Office")}},
		{ID: "edit-b", Creator: "0xbbb", Ops: []Op{setName("e1", "Bob")}},
	}

	out := engine.Aggregate(context.Background(), proposals, testBlock)
	if len(out) != 2 {
		t.Fatalf("out = %d versions, want 2", len(out))
	}

	byEntity := make(map[string]Version)
	for _, v := range out {
		if _, dup := byEntity[v.EntityID]; dup {
			t.Fatalf("entity %s has more than one version", v.EntityID)
		}
		byEntity[v.EntityID] = v
	}
	if byEntity["e1"].Name != "Bob" {
		t.Fatalf("e1 name = %q, want Bob", byEntity["e1"].Name)
	}
	if byEntity["e2"].Name != "Office" {
		t.Fatalf("e2 name = %q, want Office", byEntity["e2"].Name)
	}
}

func TestAggregateExtractsDescription(t *testing.T) {
	engine := newTestEngine(nil)
	proposals := []EditProposal{{
		ID: "edit-a",
		Ops: []Op{
			setName("e1", "Alice"),
			{Kind: OpSetTriple, EntityID: "e1", AttributeID: DescriptionAttribute, Value: Value{Type: ValueText, Value: "A person"}},
		},
	}}
	out := engine.Aggregate(context.Background(), proposals, testBlock)
	if out[0].Description != "A person" {
		t.Fatalf("description = %q", out[0].Description)
	}
}
