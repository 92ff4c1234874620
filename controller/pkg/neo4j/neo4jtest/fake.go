// Package neo4jtest provides an in-memory neo4j.Client that records statements and a
// Neo4j testcontainer for integration tests.
package neo4jtest

import (
	"context"
	"sync"

	"github.com/malbeclabs/mtd/controller/pkg/neo4j"
	driver "github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Statement is one recorded cypher statement.
type Statement struct {
	Cypher string
	Params map[string]any
	// InTx is true when the statement ran inside a write transaction.
	InTx bool
}

// Client records every statement run through its sessions. Statements of a write
// transaction are kept only if the transaction work returns no error.
type Client struct {
	mu         sync.Mutex
	statements []Statement
	closed     bool

	// RunErr, when set, is returned by every Run call.
	RunErr error
}

func NewClient() *Client {
	return &Client{}
}

func (c *Client) Session(ctx context.Context) (neo4j.Session, error) {
	return &session{c: c}, nil
}

func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Statements returns the committed statements in execution order.
func (c *Client) Statements() []Statement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Statement(nil), c.statements...)
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) commit(stmts ...Statement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statements = append(c.statements, stmts...)
}

type session struct {
	c *Client
}

func (s *session) Run(ctx context.Context, cypher string, params map[string]any) (neo4j.Result, error) {
	if s.c.RunErr != nil {
		return nil, s.c.RunErr
	}
	s.c.commit(Statement{Cypher: cypher, Params: params})
	return result{}, nil
}

func (s *session) ExecuteWrite(ctx context.Context, work neo4j.TransactionWork) (any, error) {
	tx := &transaction{c: s.c}
	out, err := work(tx)
	if err != nil {
		return nil, err
	}
	s.c.commit(tx.pending...)
	return out, nil
}

func (s *session) Close(ctx context.Context) error {
	return nil
}

type transaction struct {
	c       *Client
	pending []Statement
}

func (t *transaction) Run(ctx context.Context, cypher string, params map[string]any) (neo4j.Result, error) {
	if t.c.RunErr != nil {
		return nil, t.c.RunErr
	}
	t.pending = append(t.pending, Statement{Cypher: cypher, Params: params, InTx: true})
	return result{}, nil
}

type result struct{}

func (result) Next(ctx context.Context) bool { return false }
func (result) Record() *driver.Record        { return nil }
func (result) Err() error                    { return nil }

func (result) Consume(ctx context.Context) (driver.ResultSummary, error) {
	return nil, nil
}
