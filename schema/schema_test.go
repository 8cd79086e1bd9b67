package schema_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/stevemurr/schemadb/schema"
)

func TestValidateAcceptsMinimalSchema(t *testing.T) {
	s := schema.Schema{
		Version:     1,
		Collections: []schema.Collection{{Name: "s", KeyPath: schema.Path("id"), AutoIncrement: true}},
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("expected valid schema: %v", err)
	}
}

func TestValidateReportsAllViolations(t *testing.T) {
	s := schema.Schema{
		Version:     0,
		Collections: []schema.Collection{{Name: "ok"}, {Name: "   "}, {Name: ""}},
	}
	err := s.Validate()
	if err == nil {
		t.Fatal("expected error")
	}

	var fields []string
	for _, v := range schema.Violations(err) {
		fields = append(fields, v.Field)
	}
	want := []string{"version", "collections[1].name", "collections[2].name"}
	if diff := cmp.Diff(want, fields); diff != "" {
		t.Fatalf("violations mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateNoCollections(t *testing.T) {
	err := schema.Schema{Version: 2}.Validate()
	violations := schema.Violations(err)
	if len(violations) != 1 || violations[0].Field != "collections" {
		t.Fatalf("expected one collections violation, got %v", violations)
	}
}

func TestLookupAndNames(t *testing.T) {
	s := schema.Schema{Version: 1, Collections: []schema.Collection{{Name: "a"}, {Name: "b"}}}
	if _, ok := s.Lookup("b"); !ok {
		t.Fatal("expected b to be declared")
	}
	if _, ok := s.Lookup("c"); ok {
		t.Fatal("expected c to be unknown")
	}
	if diff := cmp.Diff([]string{"a", "b"}, s.Names()); diff != "" {
		t.Fatalf("names mismatch:\n%s", diff)
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	s := schema.Schema{Version: 1, Collections: []schema.Collection{{
		Name:     "a",
		Indexes:  []schema.IndexSpec{{Name: "by_x", KeyPath: schema.Path("x")}},
		Document: map[string]any{"type": "object"},
	}}}
	c := s.Clone()
	s.Collections[0].Name = "mutated"
	s.Collections[0].Indexes[0].Name = "mutated"
	s.Collections[0].Document["type"] = "array"

	if c.Collections[0].Name != "a" || c.Collections[0].Indexes[0].Name != "by_x" {
		t.Fatalf("clone aliased caller data: %+v", c.Collections[0])
	}
	if c.Collections[0].Document["type"] != "object" {
		t.Fatal("clone aliased document rules")
	}
}

func TestKeyPathExtract(t *testing.T) {
	rec := map[string]any{
		"id":      float64(7),
		"profile": map[string]any{"email": "a@b.c"},
		"tags":    []any{"x", "y"},
	}

	tests := []struct {
		name string
		path schema.KeyPath
		want any
		ok   bool
	}{
		{"single", schema.Path("id"), float64(7), true},
		{"nested", schema.Path("profile.email"), "a@b.c", true},
		{"missing", schema.Path("nope"), nil, false},
		{"through scalar", schema.Path("id.x"), nil, false},
		{"compound", schema.Compound("id", "profile.email"), []any{float64(7), "a@b.c"}, true},
		{"compound missing", schema.Compound("id", "nope"), nil, false},
		{"compound of one", schema.Compound("id"), []any{float64(7)}, true},
		{"zero", schema.KeyPath{}, nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := tc.path.Extract(rec)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("value mismatch:\n%s", diff)
			}
		})
	}
}

func TestKeyPathInject(t *testing.T) {
	rec := map[string]any{"name": "x"}
	if err := schema.Path("meta.id").Inject(rec, float64(3)); err != nil {
		t.Fatal(err)
	}
	got, ok := schema.Path("meta.id").Extract(rec)
	if !ok || got != float64(3) {
		t.Fatalf("expected injected key, got %v", got)
	}

	if err := schema.Path("name.id").Inject(rec, float64(1)); err == nil {
		t.Fatal("expected error injecting through a string")
	}
	if err := schema.Compound("a", "b").Inject(rec, float64(1)); err == nil {
		t.Fatal("expected error injecting into compound path")
	}
}

func TestKeyPathCheck(t *testing.T) {
	if err := schema.Path("a.b").Check(); err != nil {
		t.Fatalf("expected valid: %v", err)
	}
	for _, p := range []schema.KeyPath{{}, schema.Path(""), schema.Path("a..b"), schema.Compound("a", "")} {
		if err := p.Check(); err == nil {
			t.Fatalf("expected %q to be rejected", p)
		}
	}
}

func TestKeyPathJSON(t *testing.T) {
	var c schema.Collection
	if err := json.Unmarshal([]byte(`{"name":"c","keyPath":["a","b"],"indexes":[{"name":"i","keyPath":"x"}]}`), &c); err != nil {
		t.Fatal(err)
	}
	if !c.KeyPath.IsCompound() || !c.KeyPath.Equal(schema.Compound("a", "b")) {
		t.Fatalf("unexpected key path %v", c.KeyPath)
	}
	if c.Indexes[0].KeyPath.IsCompound() || c.Indexes[0].KeyPath.String() != "x" {
		t.Fatalf("unexpected index key path %v", c.Indexes[0].KeyPath)
	}

	b, err := json.Marshal(schema.Collection{Name: "plain"})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"name":"plain"}` {
		t.Fatalf("expected key path to be omitted, got %s", b)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	content := `
version: 2
collections:
  - name: users
    keyPath: id
    autoIncrement: true
    indexes:
      - name: by_email
        keyPath: email
        options: {unique: true}
      - name: by_name
        keyPath: [last, first]
    document:
      type: object
      properties:
        age: {type: integer, minimum: 0}
  - name: blobs
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := schema.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("expected valid schema: %v", err)
	}
	users, _ := s.Lookup("users")
	if !users.AutoIncrement || users.KeyPath.String() != "id" {
		t.Fatalf("unexpected users collection %+v", users)
	}
	if !users.Indexes[0].Options.Unique || !users.Indexes[1].KeyPath.IsCompound() {
		t.Fatalf("unexpected indexes %+v", users.Indexes)
	}
	// YAML ints are normalized so rules compare against float64 records.
	if err := schema.ValidateDocument(users.Document, map[string]any{"age": float64(-1)}); err == nil {
		t.Fatal("expected minimum to apply after normalization")
	}
	blobs, _ := s.Lookup("blobs")
	if !blobs.KeyPath.IsZero() {
		t.Fatalf("expected no key path, got %v", blobs.KeyPath)
	}
}

func TestLoadJSONC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.jsonc")
	content := `{
  // comments are allowed
  "version": 1,
  "collections": [
    {"name": "s", "keyPath": "id", "autoIncrement": true,},
  ],
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := schema.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.Version != 1 || len(s.Collections) != 1 || s.Collections[0].Name != "s" {
		t.Fatalf("unexpected schema %+v", s)
	}
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	if _, err := schema.Load("schema.toml"); err == nil {
		t.Fatal("expected error for unknown extension")
	}
}
