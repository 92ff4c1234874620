package neo4j

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	"CREATE CONSTRAINT switch_id IF NOT EXISTS FOR (s:Switch) REQUIRE s.id IS UNIQUE",
	"CREATE CONSTRAINT candidate_path_index IF NOT EXISTS FOR (p:CandidatePath) REQUIRE p.index IS UNIQUE",
}

// EnsureSchema creates the constraints used by the topology mirror. It is idempotent.
func EnsureSchema(ctx context.Context, c Client) error {
	session, err := c.Session(ctx)
	if err != nil {
		return fmt.Errorf("failed to create Neo4j session: %w", err)
	}
	defer session.Close(ctx)

	for _, stmt := range schemaStatements {
		res, err := session.Run(ctx, stmt, nil)
		if err != nil {
			return fmt.Errorf("failed to apply schema statement %q: %w", stmt, err)
		}
		if _, err := res.Consume(ctx); err != nil {
			return fmt.Errorf("failed to consume schema result: %w", err)
		}
	}
	return nil
}
