package fixgres

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"fmt"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	faker "github.com/go-faker/faker/v4"

	"github.com/zoravur/crossview/pkg/prng"
)

// Sandbox is a schema private to one test. Its DSN puts the schema first
// on the search_path, so unqualified tables resolve inside it.
type Sandbox struct {
	DB     *sql.DB
	DSN    string
	Schema string
	Seed   int64
}

var sandboxes atomic.Int64

// BootOnce is Boot for tests that do not use TestMain.
func BootOnce(t *testing.T, opts ...Option) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := Boot(ctx, opts...); err != nil {
		t.Fatalf("fixgres boot failed: %v", err)
	}
}

// NewSandbox creates a fresh schema and drops it when the test ends.
func NewSandbox(t *testing.T) *Sandbox {
	t.Helper()
	admin, err := DSN()
	if err != nil {
		t.Fatalf("%v: call fixgres.Boot in TestMain first", err)
	}

	adminDB, err := sql.Open("pgx", admin)
	if err != nil {
		t.Fatalf("open admin: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n := sandboxes.Add(1)
	schema := fmt.Sprintf("t_%x_%d", time.Now().UnixNano(), n)
	if _, err := adminDB.ExecContext(ctx, `CREATE SCHEMA "`+schema+`"`); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	dsn := withSearchPath(admin, schema)
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open sandbox: %v", err)
	}

	mu.Lock()
	seed := baseSeed + n
	mu.Unlock()

	sbx := &Sandbox{DB: db, DSN: dsn, Schema: schema, Seed: seed}
	t.Cleanup(func() {
		// the admin handle does not carry the sandbox search_path
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = adminDB.ExecContext(ctx, `DROP SCHEMA IF EXISTS "`+schema+`" CASCADE`)
		_ = db.Close()
		_ = adminDB.Close()
	})
	t.Logf("fixgres sandbox %s seed=%d", schema, seed)
	return sbx
}

// Exec runs statements in the sandbox and fails the test on error.
func (s *Sandbox) Exec(t *testing.T, stmts ...string) {
	t.Helper()
	for _, q := range stmts {
		if _, err := s.DB.Exec(q); err != nil {
			t.Fatalf("exec %q: %v", q, err)
		}
	}
}

// Fake fills v with faker data. Faker's crypto source is reseeded from the
// sandbox seed first, so generated UUIDs repeat under WithSeed.
func (s *Sandbox) Fake(v any) error {
	faker.SetCryptoSource(prng.New(s.Seed))
	return faker.FakeData(v)
}

func withSearchPath(base, schema string) string {
	u, _ := url.Parse(base)
	q := u.Query()
	q.Set("options", fmt.Sprintf("-csearch_path=%s,public", schema))
	u.RawQuery = q.Encode()
	return u.String()
}

func randomSeed() int64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return int64(binary.LittleEndian.Uint64(b[:]) >> 1)
}
