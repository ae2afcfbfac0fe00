package crmsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contactMapping() *Mapping {
	m := &Mapping{
		ObjectType: "contact",
		Fields: []FieldMapping{
			{LocalField: "name", RemoteField: "FullName", Required: true},
			{LocalField: "email", RemoteField: "Email", Validate: "non_empty"},
			{LocalField: "country", RemoteField: "CountryCode", Transform: "uppercase", InverseTransform: "lowercase"},
			{LocalField: "notes", RemoteField: "Notes"},
		},
	}
	m.SetDefaults()
	return m
}

func TestMappingLocalToRemote(t *testing.T) {
	tr := NewTransforms()
	m := contactMapping()

	out, err := m.LocalToRemote(tr, Object{ID: "l1", Fields: map[string]any{
		"name": "Ada", "email": "ada@example.com", "country": "de",
	}})
	require.NoError(t, err)
	assert.Equal(t, "Ada", out.Fields["FullName"])
	assert.Equal(t, "DE", out.Fields["CountryCode"])
	_, hasNotes := out.Fields["Notes"]
	assert.False(t, hasNotes)
}

func TestMappingRequiredFieldMissing(t *testing.T) {
	tr := NewTransforms()
	m := contactMapping()

	_, err := m.LocalToRemote(tr, Object{ID: "l1", Fields: map[string]any{"email": "a@b.c"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required field")
}

func TestMappingUnknownTransformFails(t *testing.T) {
	tr := NewTransforms()
	m := contactMapping()
	m.Fields = append(m.Fields, FieldMapping{LocalField: "x", RemoteField: "X", Transform: "rot13"})

	_, err := m.LocalToRemote(tr, Object{ID: "l1", Fields: map[string]any{
		"name": "Ada", "x": "y",
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transform")
}

func TestMappingValidationFailure(t *testing.T) {
	tr := NewTransforms()
	m := contactMapping()

	_, err := m.LocalToRemote(tr, Object{ID: "l1", Fields: map[string]any{
		"name": "Ada", "email": "  ",
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation")
}

// Untransformed bidirectional fields must round-trip unchanged.
func TestMappingBidirectionalIdentity(t *testing.T) {
	tr := NewTransforms()
	m := contactMapping()

	local := Object{ID: "l1", Fields: map[string]any{
		"name": "Ada Lovelace", "email": "ada@example.com", "notes": "vip customer",
	}}
	remote, err := m.LocalToRemote(tr, local)
	require.NoError(t, err)
	back, err := m.RemoteToLocal(tr, remote)
	require.NoError(t, err)

	assert.Equal(t, local.Fields["name"], back.Fields["name"])
	assert.Equal(t, local.Fields["email"], back.Fields["email"])
	assert.Equal(t, local.Fields["notes"], back.Fields["notes"])
}

func TestMergeObjectsPrefersNonEmptyAndNewer(t *testing.T) {
	older := Object{ID: "x", ModifiedAt: time.Unix(100, 0), Fields: map[string]any{
		"name": "Ada", "phone": "123", "notes": "",
	}}
	newer := Object{ID: "x", ModifiedAt: time.Unix(200, 0), Fields: map[string]any{
		"name": "Ada L.", "phone": "", "notes": "updated",
	}}

	merged := mergeObjects(older, newer)
	assert.Equal(t, "Ada L.", merged.Fields["name"])
	assert.Equal(t, "123", merged.Fields["phone"])
	assert.Equal(t, "updated", merged.Fields["notes"])
	assert.Equal(t, newer.ModifiedAt, merged.ModifiedAt)
}

func TestDetectConflict(t *testing.T) {
	rec := &SyncRecord{LastSyncAt: time.Unix(50, 0)}
	assert.True(t, detectConflict(rec, time.Unix(100, 0), time.Unix(110, 0)))
	assert.False(t, detectConflict(rec, time.Unix(100, 0), time.Unix(40, 0)))
	assert.False(t, detectConflict(rec, time.Unix(40, 0), time.Unix(110, 0)))
}

func TestDLQBoundedAndTTL(t *testing.T) {
	q := NewDLQ(2, time.Hour)
	base := time.Unix(1000, 0)
	q.now = func() time.Time { return base }

	q.Push(DeadLetter{Error: "a"})
	q.Push(DeadLetter{Error: "b"})
	q.Push(DeadLetter{Error: "c"})
	assert.Equal(t, 2, q.Len())

	entries := q.Drain()
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].Error)
	assert.Equal(t, "c", entries[1].Error)
	assert.Equal(t, 0, q.Len())

	q.Push(DeadLetter{Error: "old"})
	q.now = func() time.Time { return base.Add(2 * time.Hour) }
	assert.Equal(t, 0, q.Len())
}
