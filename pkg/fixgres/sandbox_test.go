package fixgres

import (
	"net/url"
	"testing"
)

func TestWithSearchPath(t *testing.T) {
	got := withSearchPath("postgres://u:p@localhost:5432/app?sslmode=disable", "t_1")
	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("parse %q: %v", got, err)
	}
	q := u.Query()
	if q.Get("sslmode") != "disable" {
		t.Errorf("sslmode lost: %q", got)
	}
	if want := "-csearch_path=t_1,public"; q.Get("options") != want {
		t.Errorf("options = %q, want %q", q.Get("options"), want)
	}
}
