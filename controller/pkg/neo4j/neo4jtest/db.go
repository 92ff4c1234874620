package neo4jtest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/malbeclabs/mtd/controller/pkg/neo4j"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
)

type DBConfig struct {
	Username       string
	Password       string
	ContainerImage string
}

func (cfg *DBConfig) Validate() error {
	if cfg.Username == "" {
		cfg.Username = "neo4j"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "neo4j:5-community"
	}
	return nil
}

// DB is a Neo4j server running in a container, shared by the tests of a package.
type DB struct {
	log       *slog.Logger
	cfg       *DBConfig
	boltURL   string
	container *tcneo4j.Neo4jContainer
}

// BoltURL returns the Bolt protocol URL for the Neo4j container.
func (db *DB) BoltURL() string {
	return db.boltURL
}

func (db *DB) Username() string {
	return db.cfg.Username
}

func (db *DB) Password() string {
	return db.cfg.Password
}

func (db *DB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate Neo4j container", "error", err)
	}
}

// NewDB starts a Neo4j container.
func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate DB config: %w", err)
	}

	var container *tcneo4j.Neo4jContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcneo4j.Run(ctx,
			cfg.ContainerImage,
			tcneo4j.WithAdminPassword(cfg.Password),
			tcneo4j.WithoutAuthentication(),
		)
		if err != nil {
			lastErr = err
			if isRetryableContainerStartErr(err) && attempt < 3 {
				log.Warn("neo4jtest: container start failed, retrying", "attempt", attempt, "error", err)
				time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("failed to start Neo4j container: %w", lastErr)
		}
		break
	}
	if container == nil {
		return nil, fmt.Errorf("failed to start Neo4j container after retries: %w", lastErr)
	}

	boltURL, err := container.BoltUrl(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get Neo4j bolt URL: %w", err)
	}

	return &DB{
		log:       log,
		cfg:       cfg,
		boltURL:   boltURL,
		container: container,
	}, nil
}

// NewTestClient connects to db, empties it and applies the schema. The client is closed
// when the test ends.
func NewTestClient(t *testing.T, db *DB) (neo4j.Client, error) {
	log := slog.New(slog.DiscardHandler)
	client, err := neo4j.NewClient(t.Context(), neo4j.ClientConfig{
		Logger:   log,
		URI:      db.boltURL,
		Database: neo4j.DefaultDatabase,
		Username: db.cfg.Username,
		Password: db.cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Neo4j client: %w", err)
	}
	t.Cleanup(func() {
		_ = client.Close(context.Background())
	})

	session, err := client.Session(t.Context())
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close(t.Context())

	res, err := session.Run(t.Context(), "MATCH (n) DETACH DELETE n", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to clear database: %w", err)
	}
	if _, err := res.Consume(t.Context()); err != nil {
		return nil, fmt.Errorf("failed to consume clear result: %w", err)
	}

	if err := neo4j.EnsureSchema(t.Context(), client); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return client, nil
}

func isRetryableContainerStartErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded")
}
