// Package fixgres runs one throwaway Postgres container per test binary and
// hands each test its own schema.
package fixgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

type config struct {
	image    string
	dbName   string
	user     string
	password string
	gooseFS  fs.FS
	seed     int64
}

type Option func(*config)

func WithImage(i string) Option    { return func(c *config) { c.image = i } }
func WithDBName(n string) Option   { return func(c *config) { c.dbName = n } }
func WithUser(u string) Option     { return func(c *config) { c.user = u } }
func WithPassword(p string) Option { return func(c *config) { c.password = p } }

// WithSeed fixes the base seed of sandbox fake data.
func WithSeed(s int64) Option { return func(c *config) { c.seed = s } }

// WithGooseUp runs the migrations in migFS against the public schema once
// the container is up.
func WithGooseUp(migFS fs.FS) Option { return func(c *config) { c.gooseFS = migFS } }

var (
	bootOnce sync.Once
	bootErr  error

	mu         sync.Mutex
	pg         *postgres.PostgresContainer
	connString string
	baseSeed   int64
)

// Boot starts the container and applies migrations. Later calls return
// the first call's result.
func Boot(ctx context.Context, opts ...Option) error {
	bootOnce.Do(func() {
		c := &config{
			image:    "docker.io/postgres:16-alpine",
			dbName:   "app",
			user:     "postgres",
			password: "pass",
		}
		for _, o := range opts {
			o(c)
		}
		if c.seed == 0 {
			c.seed = randomSeed()
		}
		bootErr = boot(ctx, c)
	})
	return bootErr
}

func boot(ctx context.Context, c *config) error {
	container, err := postgres.Run(ctx,
		c.image,
		postgres.WithDatabase(c.dbName),
		postgres.WithUsername(c.user),
		postgres.WithPassword(c.password),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return fmt.Errorf("start postgres: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return err
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return err
	}

	mu.Lock()
	pg = container
	baseSeed = c.seed
	connString = fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.user, c.password, host, port.Port(), c.dbName,
	)
	dsn := connString
	mu.Unlock()

	if c.gooseFS == nil {
		return nil
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(c.gooseFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// DSN returns the admin connection string of the running container.
func DSN() (string, error) {
	mu.Lock()
	defer mu.Unlock()
	if connString == "" {
		return "", errors.New("fixgres not booted")
	}
	return connString, nil
}

func ShutdownNow() error {
	mu.Lock()
	defer mu.Unlock()
	if pg == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := pg.Terminate(ctx)
	pg, connString = nil, ""
	return err
}
