// Package graph wraps the Neo4j driver behind small interfaces so catalog
// projection code can be tested without a running database.
package graph

import (
	"context"
	"log"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// SessionRunner is the slice of neo4j.SessionWithContext the catalog writer uses.
type SessionRunner interface {
	ExecuteWrite(ctx context.Context, work neo4j.ManagedTransactionWork, configurers ...func(*neo4j.TransactionConfig)) (any, error)
	Close(ctx context.Context) error
}

// DriverSessioner is the slice of neo4j.DriverWithContext the catalog writer uses.
// The concrete driver returns neo4j.SessionWithContext, which satisfies SessionRunner.
type DriverSessioner interface {
	NewSession(ctx context.Context, config neo4j.SessionConfig) SessionRunner
	Close(ctx context.Context) error
}

// Write runs a single Cypher statement in a write transaction on a fresh session.
// Each call opens and closes its own session; catalog writes are low-volume
// enough that session reuse is not worth the bookkeeping.
func Write(ctx context.Context, driver DriverSessioner, query string, params map[string]any) error {
	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer func() {
		if err := session.Close(ctx); err != nil {
			log.Printf("neo4j session close error: %v", err)
		}
	}()

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, query, params)
		return nil, err
	})
	return err
}
