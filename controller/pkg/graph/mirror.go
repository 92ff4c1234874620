package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/mtd/controller/pkg/neo4j"
	"github.com/malbeclabs/mtd/controller/pkg/topology"
)

// MirrorConfig holds configuration for the Mirror.
type MirrorConfig struct {
	Logger *slog.Logger
	Neo4j  neo4j.Client
}

func (cfg *MirrorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Neo4j == nil {
		return errors.New("neo4j client is required")
	}
	return nil
}

// Mirror exports topology snapshots to Neo4j for inspection with graph tooling. The
// controller never reads the mirror back.
type Mirror struct {
	log *slog.Logger
	cfg MirrorConfig

	pending chan *topology.Snapshot
}

// NewMirror creates a new Mirror.
func NewMirror(cfg MirrorConfig) (*Mirror, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Mirror{
		log:     cfg.Logger,
		cfg:     cfg,
		pending: make(chan *topology.Snapshot, 1),
	}, nil
}

// Publish queues snap for export without blocking. A snapshot still waiting to be
// exported is replaced by the newer one.
func (m *Mirror) Publish(snap *topology.Snapshot) {
	for {
		select {
		case m.pending <- snap:
			return
		default:
		}
		select {
		case <-m.pending:
		default:
		}
	}
}

// Start exports published snapshots until ctx is done.
func (m *Mirror) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-m.pending:
				if err := m.Sync(ctx, snap); err != nil && !errors.Is(err, context.Canceled) {
					m.log.Error("graph: sync failed", "generation", snap.Generation, "error", err)
				}
			}
		}
	}()
}

// Sync replaces the mirrored graph with snap inside a single write transaction, so
// readers see either the previous snapshot or the new one.
func (m *Mirror) Sync(ctx context.Context, snap *topology.Snapshot) error {
	start := time.Now()

	session, err := m.cfg.Neo4j.Session(ctx)
	if err != nil {
		return fmt.Errorf("failed to create Neo4j session: %w", err)
	}
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.Transaction) (any, error) {
		if err := run(ctx, tx, "MATCH (n) WHERE n:Switch OR n:CandidatePath DETACH DELETE n", nil); err != nil {
			return nil, fmt.Errorf("failed to clear graph: %w", err)
		}
		if err := createSwitches(ctx, tx, snap); err != nil {
			return nil, fmt.Errorf("failed to create switches: %w", err)
		}
		if err := createLinks(ctx, tx, snap.Graph.Links()); err != nil {
			return nil, fmt.Errorf("failed to create links: %w", err)
		}
		if err := createCandidates(ctx, tx, snap); err != nil {
			return nil, fmt.Errorf("failed to create candidate paths: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("failed to sync graph: %w", err)
	}

	m.log.Info("graph: sync completed",
		"generation", snap.Generation,
		"switches", len(snap.Graph.Switches()),
		"candidates", len(snap.Candidates),
		"duration", time.Since(start).String())
	return nil
}

func run(ctx context.Context, tx neo4j.Transaction, cypher string, params map[string]any) error {
	res, err := tx.Run(ctx, cypher, params)
	if err != nil {
		return err
	}
	_, err = res.Consume(ctx)
	return err
}

// Neo4j integers are signed 64-bit; datapath ids are stored as their decimal string.
func switchKey(id topology.SwitchID) string {
	return id.String()
}

func createSwitches(ctx context.Context, tx neo4j.Transaction, snap *topology.Snapshot) error {
	switches := snap.Graph.Switches()
	if len(switches) == 0 {
		return nil
	}
	items := make([]map[string]any, len(switches))
	for i, id := range switches {
		items[i] = map[string]any{"id": switchKey(id)}
	}
	cypher := `
		UNWIND $items AS item
		CREATE (:Switch {id: item.id, generation: $generation})
	`
	return run(ctx, tx, cypher, map[string]any{"items": items, "generation": int64(snap.Generation)})
}

func createLinks(ctx context.Context, tx neo4j.Transaction, links []topology.Link) error {
	if len(links) == 0 {
		return nil
	}
	items := make([]map[string]any, len(links))
	for i, l := range links {
		items[i] = map[string]any{
			"src":      switchKey(l.Src),
			"dst":      switchKey(l.Dst),
			"src_port": int64(l.SrcPort),
			"dst_port": int64(l.DstPort),
		}
	}
	cypher := `
		UNWIND $items AS item
		MATCH (a:Switch {id: item.src})
		MATCH (b:Switch {id: item.dst})
		CREATE (a)-[:LINK {src_port: item.src_port, dst_port: item.dst_port}]->(b)
	`
	return run(ctx, tx, cypher, map[string]any{"items": items})
}

func createCandidates(ctx context.Context, tx neo4j.Transaction, snap *topology.Snapshot) error {
	if len(snap.Candidates) == 0 {
		return nil
	}
	items := make([]map[string]any, len(snap.Candidates))
	for i, p := range snap.Candidates {
		hops := make([]string, len(p))
		for j, id := range p {
			hops[j] = switchKey(id)
		}
		items[i] = map[string]any{
			"index": int64(i),
			"hops":  hops,
			"src":   hops[0],
			"dst":   hops[len(hops)-1],
		}
	}
	cypher := `
		UNWIND $items AS item
		MATCH (s:Switch {id: item.src})
		MATCH (d:Switch {id: item.dst})
		CREATE (p:CandidatePath {index: item.index, hops: item.hops, length: size(item.hops)})
		CREATE (p)-[:FROM]->(s)
		CREATE (p)-[:TO]->(d)
	`
	return run(ctx, tx, cypher, map[string]any{"items": items})
}
