package accounting

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/store"
)

func setupAccountant(t *testing.T) (*Accountant, store.Store) {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	st, err := store.NewSQLiteStoreWithDB(db)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewAccountant(st, logger.Default()), st
}

func TestCostPrefersReportedFigure(t *testing.T) {
	a, _ := setupAccountant(t)
	cost := a.Cost(TurnUsage{Model: "claude-sonnet-4", TokensIn: 1_000_000, ReportedCostUSD: 0.42})
	assert.InDelta(t, 0.42, cost, 1e-9)
}

func TestCostFromRateTable(t *testing.T) {
	a, _ := setupAccountant(t)

	// 1M in at $3/MTok + 100k out at $15/MTok + 500k cache-read at $0.30/MTok.
	cost := a.Cost(TurnUsage{
		Model:           "claude-sonnet-4-5",
		TokensIn:        1_000_000,
		TokensOut:       100_000,
		TokensCacheRead: 500_000,
	})
	assert.InDelta(t, 3.0+1.5+0.15, cost, 1e-9)
}

func TestRateForLongestPrefixAndFallback(t *testing.T) {
	a, _ := setupAccountant(t)

	assert.Equal(t, 15.0, a.RateFor("claude-opus-4-6").InputPerMTok)
	assert.Equal(t, 0.80, a.RateFor("claude-haiku-3-5").InputPerMTok)
	// Unknown models price at the most expensive tier.
	assert.Equal(t, fallbackRate, a.RateFor("experimental-model"))
}

func TestApplyTurnIncrementsSessionCounters(t *testing.T) {
	a, st := setupAccountant(t)
	ctx := context.Background()

	sess := &store.Session{UserID: "user-1", Mode: store.SessionModeBackground}
	require.NoError(t, st.CreateSession(ctx, sess))

	cost, err := a.ApplyTurn(ctx, sess.ID, TurnUsage{
		Model:      "claude-sonnet-4",
		TokensIn:   2000,
		TokensOut:  500,
		DurationMS: 1200,
	})
	require.NoError(t, err)
	assert.Greater(t, cost, 0.0)

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), got.Metrics.TokensIn)
	assert.Equal(t, int64(500), got.Metrics.TokensOut)
	assert.Equal(t, int64(1200), got.Metrics.DurationMS)
	assert.InDelta(t, cost, got.Metrics.CostUSD, 1e-9)
}

func TestCheckBudgetStandings(t *testing.T) {
	a, st := setupAccountant(t)
	ctx := context.Background()

	user := &store.User{
		Email:  "budget@example.com",
		Quotas: store.UserQuotas{MonthlyBudgetUSD: 10},
	}
	require.NoError(t, st.CreateUser(ctx, user))

	sess := &store.Session{UserID: user.ID, Mode: store.SessionModeInteractive}
	require.NoError(t, st.CreateSession(ctx, sess))

	standing, spent, err := a.CheckBudget(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, BudgetUnder, standing)
	assert.Zero(t, spent)

	require.NoError(t, st.IncrementSessionMetrics(ctx, sess.ID, store.MetricsDelta{CostUSD: 8.5}))
	standing, spent, err = a.CheckBudget(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, BudgetNear, standing)
	assert.InDelta(t, 8.5, spent, 1e-9)

	require.NoError(t, st.IncrementSessionMetrics(ctx, sess.ID, store.MetricsDelta{CostUSD: 2.0}))
	standing, _, err = a.CheckBudget(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, BudgetOver, standing)
}

func TestCheckBudgetZeroMeansUnlimited(t *testing.T) {
	a, st := setupAccountant(t)
	ctx := context.Background()

	user := &store.User{Email: "free@example.com"}
	require.NoError(t, st.CreateUser(ctx, user))

	sess := &store.Session{UserID: user.ID, Mode: store.SessionModeBackground}
	require.NoError(t, st.CreateSession(ctx, sess))
	require.NoError(t, st.IncrementSessionMetrics(ctx, sess.ID, store.MetricsDelta{CostUSD: 1000}))

	standing, _, err := a.CheckBudget(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, BudgetUnder, standing)
}
