package catalog

import (
	"path/filepath"
	"reflect"
	"testing"
)

func loadTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := LoadJSON(filepath.Join("testdata", "catalog.json"))
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	return c
}

func TestLookups(t *testing.T) {
	c := loadTestCatalog(t)

	cases := []struct {
		name    string
		lookup  string
		wantCol []string
		wantPK  []string
		found   bool
	}{
		{"qualified", "public.athletes", []string{"id", "name", "sport"}, []string{"id"}, true},
		{"default schema", "athletes", []string{"id", "name", "sport"}, []string{"id"}, true},
		{"case", "Public.Athletes", []string{"id", "name", "sport"}, []string{"id"}, true},
		{"other schema", "results", []string{"athlete_id", "year"}, []string{"athlete_id", "year"}, true},
		{"no pk", "stats.medals_by_year", []string{"year"}, nil, true},
		{"missing", "public.nope", nil, nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cols, ok := c.Columns(tc.lookup)
			if ok != tc.found {
				t.Fatalf("found = %v, want %v", ok, tc.found)
			}
			var names []string
			for _, col := range cols {
				names = append(names, col.Name)
			}
			if !reflect.DeepEqual(names, tc.wantCol) {
				t.Errorf("columns = %v, want %v", names, tc.wantCol)
			}
			pk, _ := c.PrimaryKeys(tc.lookup)
			if !reflect.DeepEqual(pk, tc.wantPK) {
				t.Errorf("pk = %v, want %v", pk, tc.wantPK)
			}
		})
	}
}

func TestExportRoundTripKeepsChecksum(t *testing.T) {
	c := loadTestCatalog(t)
	path := filepath.Join(t.TempDir(), "out.json")
	if err := c.ExportJSON(path); err != nil {
		t.Fatal(err)
	}
	again, err := LoadJSON(path)
	if err != nil {
		t.Fatal(err)
	}
	if again.Checksum() != c.Checksum() {
		t.Fatalf("checksum changed: %s != %s", again.Checksum(), c.Checksum())
	}
	want := []string{"public.athletes", "stats.medals_by_year", "stats.results"}
	if got := again.Tables(); !reflect.DeepEqual(got, want) {
		t.Fatalf("tables = %v, want %v", got, want)
	}
}
