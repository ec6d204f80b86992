// Package dbtest opens migrated throwaway workspace databases for tests.
package dbtest

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"grantline/internal/db"
	"grantline/internal/domain"
	"grantline/internal/migrate"
	"grantline/internal/repo"
)

// Epoch is the fixed clock used across package tests.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Open returns a migrated database in a temp workspace, closed on cleanup.
func Open(t testing.TB) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

// Clock is a settable test clock, safe for use from workflow goroutines.
type Clock struct {
	mu sync.Mutex
	T  time.Time
}

func NewClock() *Clock { return &Clock{T: Epoch} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.T
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.T = c.T.Add(d)
}

// SeedGrant inserts an under-review grant for tests that need a parent row.
func SeedGrant(t testing.TB, conn *sql.DB, id string, amount int64, plans ...domain.MilestonePlan) domain.Grant {
	t.Helper()
	g := domain.Grant{
		ID:         id,
		Requester:  "alice",
		Title:      "Grant " + id,
		Amount:     decimal.NewFromInt(amount),
		Currency:   "USDC",
		Status:     domain.GrantUnderReview,
		Proposal:   domain.Proposal{Title: "Grant " + id, FundingAmount: decimal.NewFromInt(amount)},
		Milestones: plans,
		PaidAmount: decimal.Zero,
		CreatedAt:  Epoch,
		UpdatedAt:  Epoch,
	}
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := (repo.Repo{DB: conn}).InsertGrantTx(ctx, tx, g); err != nil {
		t.Fatalf("seed grant: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return g
}
