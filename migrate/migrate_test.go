package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stevemurr/schemadb/migrate"
	"github.com/stevemurr/schemadb/schema"
	"github.com/stevemurr/schemadb/store"
)

func notesSchema(version int) schema.Schema {
	return schema.Schema{
		Version: version,
		Collections: []schema.Collection{
			{
				Name:          "notes",
				KeyPath:       schema.Path("id"),
				AutoIncrement: true,
				Indexes: []schema.IndexSpec{
					{Name: "byTitle", KeyPath: schema.Path("title")},
					{Name: "byTag", KeyPath: schema.Path("tags"), Options: schema.IndexOptions{MultiEntry: true}},
				},
			},
			{Name: "settings"},
		},
	}
}

// open applies s at s.Version and returns the report of the upgrade, if any ran.
func open(t *testing.T, b store.Backend, s schema.Schema) (store.Conn, *migrate.Report) {
	t.Helper()
	var got *migrate.Report
	conn, err := b.Open(context.Background(), "app", s.Version, migrate.Upgrade(s, func(_, _ int, r migrate.Report) {
		got = &r
	}))
	require.NoError(t, err)
	return conn, got
}

func TestApplyCreatesInOrder(t *testing.T) {
	b := store.NewMemoryStore()
	conn, r := open(t, b, notesSchema(1))
	defer conn.Close()

	require.NotNil(t, r)
	require.Equal(t, []string{"notes", "settings"}, r.CreatedCollections)
	require.Equal(t, []string{"notes.byTitle", "notes.byTag"}, r.CreatedIndexes)
	require.Empty(t, r.ReusedCollections)
	require.True(t, r.Changed())

	info, ok := conn.Collection("notes")
	require.True(t, ok)
	require.True(t, info.AutoIncrement)
	require.Equal(t, "id", info.KeyPath.String())
	require.Equal(t, []string{"byTitle", "byTag"}, info.IndexNames())
}

func TestApplyIsIdempotent(t *testing.T) {
	b := store.NewMemoryStore()
	conn, _ := open(t, b, notesSchema(1))
	before := map[string]store.CollectionInfo{}
	for _, n := range conn.CollectionNames() {
		before[n], _ = conn.Collection(n)
	}
	conn.Close()

	conn, r := open(t, b, notesSchema(2))
	defer conn.Close()
	require.NotNil(t, r)
	require.False(t, r.Changed())
	require.Equal(t, []string{"notes", "settings"}, r.ReusedCollections)
	require.Equal(t, []string{"notes.byTitle", "notes.byTag"}, r.ReusedIndexes)
	require.Empty(t, r.Drift)

	after := map[string]store.CollectionInfo{}
	for _, n := range conn.CollectionNames() {
		after[n], _ = conn.Collection(n)
	}
	require.Equal(t, len(before), len(after))
	for n, info := range before {
		require.Equal(t, info.IndexNames(), after[n].IndexNames())
		require.True(t, info.KeyPath.Equal(after[n].KeyPath))
	}
}

func TestApplyAddsNewIndexToExistingCollection(t *testing.T) {
	b := store.NewMemoryStore()
	conn, _ := open(t, b, notesSchema(1))
	conn.Close()

	s := notesSchema(2)
	s.Collections[0].Indexes = append(s.Collections[0].Indexes, schema.IndexSpec{Name: "byAuthor", KeyPath: schema.Path("author")})
	s.Collections = append(s.Collections, schema.Collection{Name: "audit", AutoIncrement: true})

	conn, r := open(t, b, s)
	defer conn.Close()
	require.Equal(t, []string{"audit"}, r.CreatedCollections)
	require.Equal(t, []string{"notes.byAuthor"}, r.CreatedIndexes)

	info, _ := conn.Collection("notes")
	require.Equal(t, []string{"byTitle", "byTag", "byAuthor"}, info.IndexNames())
}

func TestApplyLeavesDriftInPlace(t *testing.T) {
	b := store.NewMemoryStore()
	conn, _ := open(t, b, notesSchema(1))
	conn.Close()

	s := notesSchema(2)
	s.Collections[0].KeyPath = schema.Path("uuid")
	s.Collections[0].Indexes[0] = schema.IndexSpec{Name: "byTitle", KeyPath: schema.Path("heading"), Options: schema.IndexOptions{Unique: true}}

	conn, r := open(t, b, s)
	defer conn.Close()
	require.False(t, r.Changed())
	require.Len(t, r.Drift, 2)
	require.Equal(t, "notes", r.Drift[0].Collection)
	require.Empty(t, r.Drift[0].Index)
	require.Equal(t, "byTitle", r.Drift[1].Index)
	require.Contains(t, r.Drift[1].String(), "declared keyPath heading unique=true")

	info, _ := conn.Collection("notes")
	require.Equal(t, "id", info.KeyPath.String())
	idx, ok := info.Index("byTitle")
	require.True(t, ok)
	require.Equal(t, "title", idx.KeyPath.String())
	require.False(t, idx.Options.Unique)
}

func TestApplyFailureRollsBack(t *testing.T) {
	b := store.NewMemoryStore()
	s := schema.Schema{Version: 1, Collections: []schema.Collection{
		{Name: "ok", KeyPath: schema.Path("id")},
		{Name: "bad", KeyPath: schema.Compound("a", "b"), AutoIncrement: true},
	}}
	_, err := b.Open(context.Background(), "app", 1, migrate.Upgrade(s, nil))
	require.ErrorIs(t, err, store.ErrData)
	require.ErrorContains(t, err, `create collection "bad"`)

	conn, err := b.Open(context.Background(), "app", 1, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Empty(t, conn.CollectionNames())
}

func TestApplyDirect(t *testing.T) {
	b := store.NewMemoryStore()
	var first, second migrate.Report
	conn, err := b.Open(context.Background(), "app", 1, func(ctx context.Context, up store.Upgrader, _, _ int) error {
		var err error
		if first, err = migrate.Apply(up, notesSchema(1)); err != nil {
			return err
		}
		second, err = migrate.Apply(up, notesSchema(1))
		return err
	})
	require.NoError(t, err)
	defer conn.Close()
	require.True(t, first.Changed())
	require.False(t, second.Changed())
	require.Equal(t, []string{"notes", "settings"}, conn.CollectionNames())
}
