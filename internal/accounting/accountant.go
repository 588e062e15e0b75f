// Package accounting computes per-turn cost from model rates and maintains
// session counters, user budget standing, and periodic metrics snapshots.
package accounting

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/store"
)

// ModelRate is USD per million tokens for one model.
type ModelRate struct {
	InputPerMTok      float64
	OutputPerMTok     float64
	CacheWritePerMTok float64
	CacheReadPerMTok  float64
}

// rateTableVersion tags the in-code rate table so recorded costs can be
// traced to the rates that produced them.
const rateTableVersion = "2026-08"

// defaultRates is matched by model-name prefix, longest prefix first. The
// fallback row prices unknown models conservatively.
var defaultRates = map[string]ModelRate{
	"claude-opus":   {InputPerMTok: 15.0, OutputPerMTok: 75.0, CacheWritePerMTok: 18.75, CacheReadPerMTok: 1.50},
	"claude-sonnet": {InputPerMTok: 3.0, OutputPerMTok: 15.0, CacheWritePerMTok: 3.75, CacheReadPerMTok: 0.30},
	"claude-haiku":  {InputPerMTok: 0.80, OutputPerMTok: 4.0, CacheWritePerMTok: 1.0, CacheReadPerMTok: 0.08},
}

var fallbackRate = ModelRate{InputPerMTok: 15.0, OutputPerMTok: 75.0, CacheWritePerMTok: 18.75, CacheReadPerMTok: 1.50}

// BudgetStanding is the user's month-to-date position against their budget.
type BudgetStanding string

const (
	BudgetUnder BudgetStanding = "under"
	BudgetNear  BudgetStanding = "near" // at or past 80% of budget
	BudgetOver  BudgetStanding = "over"
)

// TurnUsage is the token accounting of one completed turn.
type TurnUsage struct {
	Model            string
	TokensIn         int64
	TokensOut        int64
	TokensCacheWrite int64
	TokensCacheRead  int64
	ReportedCostUSD  float64 // cost as reported by the CLI, preferred when set
	DurationMS       int64
}

// Accountant applies turn costs and answers budget checks.
type Accountant struct {
	store  store.Store
	logger *logger.Logger
	rates  map[string]ModelRate
}

// NewAccountant creates an accountant with the built-in rate table.
func NewAccountant(st store.Store, log *logger.Logger) *Accountant {
	return &Accountant{store: st, logger: log, rates: defaultRates}
}

// RateFor resolves a model name to its rate by longest prefix match.
func (a *Accountant) RateFor(model string) ModelRate {
	best := ""
	for prefix := range a.rates {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return fallbackRate
	}
	return a.rates[best]
}

// Cost computes the USD cost of a turn. The CLI's own figure wins when
// present; otherwise the rate table prices the token counts.
func (a *Accountant) Cost(u TurnUsage) float64 {
	if u.ReportedCostUSD > 0 {
		return u.ReportedCostUSD
	}
	r := a.RateFor(u.Model)
	perTok := func(n int64, perM float64) float64 { return float64(n) * perM / 1e6 }
	return perTok(u.TokensIn, r.InputPerMTok) +
		perTok(u.TokensOut, r.OutputPerMTok) +
		perTok(u.TokensCacheWrite, r.CacheWritePerMTok) +
		perTok(u.TokensCacheRead, r.CacheReadPerMTok)
}

// ApplyTurn records a completed turn: one atomic increment of the session's
// counters. Returns the cost applied.
func (a *Accountant) ApplyTurn(ctx context.Context, sessionID string, u TurnUsage) (float64, error) {
	cost := a.Cost(u)
	err := a.store.IncrementSessionMetrics(ctx, sessionID, store.MetricsDelta{
		CostUSD:          cost,
		TokensIn:         u.TokensIn,
		TokensOut:        u.TokensOut,
		TokensCacheWrite: u.TokensCacheWrite,
		TokensCacheRead:  u.TokensCacheRead,
		DurationMS:       u.DurationMS,
	})
	if err != nil {
		return 0, err
	}
	a.logger.Debug("turn cost applied",
		zap.String("session_id", sessionID),
		zap.String("model", u.Model),
		zap.Float64("cost_usd", cost),
		zap.String("rate_table", rateTableVersion))
	return cost, nil
}

// CheckBudget compares the user's month-to-date cost to their monthly
// budget. A zero budget means unlimited and always reads as under.
func (a *Accountant) CheckBudget(ctx context.Context, userID string) (BudgetStanding, float64, error) {
	user, err := a.store.GetUser(ctx, userID)
	if err != nil {
		return "", 0, err
	}
	spent, err := a.store.MonthToDateCost(ctx, userID, time.Now().UTC())
	if err != nil {
		return "", 0, err
	}
	budget := user.Quotas.MonthlyBudgetUSD
	if budget <= 0 {
		return BudgetUnder, spent, nil
	}
	switch {
	case spent >= budget:
		return BudgetOver, spent, nil
	case spent >= 0.8*budget:
		return BudgetNear, spent, nil
	default:
		return BudgetUnder, spent, nil
	}
}

// Snapshotter periodically copies active sessions' counters into snapshot
// rows for time-series reporting.
type Snapshotter struct {
	store    store.Store
	interval time.Duration
	logger   *logger.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSnapshotter creates a snapshotter with the given interval.
func NewSnapshotter(st store.Store, interval time.Duration, log *logger.Logger) *Snapshotter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Snapshotter{
		store:    st,
		interval: interval,
		logger:   log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the snapshot loop until Stop.
func (s *Snapshotter) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.snapshotActive(context.Background())
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight pass to finish.
func (s *Snapshotter) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Snapshotter) snapshotActive(ctx context.Context) {
	sessions, err := s.store.ListSessionsByStatus(ctx,
		store.SessionStatusActive, store.SessionStatusProcessing, store.SessionStatusWaitingUser)
	if err != nil {
		s.logger.Warn("snapshot pass failed to list sessions", zap.Error(err))
		return
	}
	for _, sess := range sessions {
		err := s.store.InsertMetricsSnapshot(ctx, &store.MetricsSnapshot{
			SessionID: sess.ID,
			Metrics:   sess.Metrics,
		})
		if err != nil {
			s.logger.Warn("failed to insert metrics snapshot",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
}
