package migrate

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	in := `create table t (id text);
insert into t values ('a;b');
`
	got := splitStatements(in)
	want := []string{
		"create table t (id text)",
		"insert into t values ('a;b')",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("splitStatements = %#v, want %#v", got, want)
	}
}

func TestListSQLOrdersAndFilters(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_b.up.sql", "0001_a.up.sql", "0001_a.down.sql", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("select 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	got, err := listSQL(dir, ".up.sql")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"0001_a.up.sql", "0002_b.up.sql"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("listSQL = %v, want %v", got, want)
	}
}

func TestListSQLMissingDir(t *testing.T) {
	got, err := listSQL(filepath.Join(t.TempDir(), "absent"), ".sql")
	if err != nil || got != nil {
		t.Fatalf("listSQL = %v, %v; want nil, nil", got, err)
	}
}
