package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/store"
)

// Decision is what the engine reports for one tool call: the winning
// verdict plus the policy that produced it.
type Decision struct {
	Result
	PolicyName string
	Cached     bool
}

// Engine evaluates an ordered policy chain per session. Decisions are cached
// per (tool, canonical input) for the session's lifetime; the cache is
// dropped when the policy set changes. Every evaluation, cached or not, is
// persisted as a PermissionDecision audit row.
type Engine struct {
	sessionID string
	store     store.Store
	logger    *logger.Logger

	mu       sync.Mutex
	policies []Policy
	cache    map[string]Decision
}

// NewEngine creates a policy engine for one session with the given ordered
// policy chain.
func NewEngine(sessionID string, policies []Policy, st store.Store, log *logger.Logger) *Engine {
	return &Engine{
		sessionID: sessionID,
		store:     st,
		logger:    log,
		policies:  policies,
		cache:     make(map[string]Decision),
	}
}

// SetPolicies replaces the policy chain and invalidates the decision cache.
func (e *Engine) SetPolicies(policies []Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies = policies
	e.cache = make(map[string]Decision)
}

// Evaluate runs the chain in order; the first non-abstain result wins. An
// all-abstain chain resolves to allow.
func (e *Engine) Evaluate(ctx context.Context, toolName string, input map[string]interface{}) Decision {
	key := cacheKey(toolName, input)

	e.mu.Lock()
	cached, hit := e.cache[key]
	e.mu.Unlock()

	var decision Decision
	if hit {
		decision = cached
		decision.Cached = true
	} else {
		decision = e.evaluateChain(toolName, input)
		e.mu.Lock()
		e.cache[key] = decision
		e.mu.Unlock()
	}

	e.record(ctx, toolName, input, decision)
	return decision
}

func (e *Engine) evaluateChain(toolName string, input map[string]interface{}) Decision {
	req := Request{SessionID: e.sessionID, ToolName: toolName, Input: input}

	e.mu.Lock()
	chain := e.policies
	e.mu.Unlock()

	for _, p := range chain {
		result := p.Evaluate(req)
		if result.Outcome != OutcomeAbstain {
			return Decision{Result: result, PolicyName: p.Name()}
		}
	}
	// No policy claimed the call.
	return Decision{Result: Allow()}
}

func (e *Engine) record(ctx context.Context, toolName string, input map[string]interface{}, d Decision) {
	outcome := store.PermissionAllow
	if d.Outcome == OutcomeDeny {
		outcome = store.PermissionDeny
	}
	err := e.store.InsertPermissionDecision(ctx, &store.PermissionDecision{
		SessionID:     e.sessionID,
		ToolName:      toolName,
		InputSnapshot: input,
		Decision:      outcome,
		PolicyName:    d.PolicyName,
		Reason:        d.Reason,
		Interrupted:   d.Interrupt,
	})
	if err != nil {
		e.logger.Warn("failed to persist permission decision",
			zap.String("session_id", e.sessionID),
			zap.String("tool", toolName),
			zap.Error(err))
	}
}

// cacheKey hashes the tool name plus the canonicalized input. Maps are
// serialized with sorted keys so logically equal inputs collide.
func cacheKey(toolName string, input map[string]interface{}) string {
	h := sha256.New()
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	h.Write(canonicalize(input))
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalize(v interface{}) []byte {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			out = append(out, canonicalize(val[k])...)
		}
		return append(out, '}')
	case []interface{}:
		out := []byte{'['}
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			out = append(out, canonicalize(item)...)
		}
		return append(out, ']')
	default:
		b, _ := json.Marshal(val)
		return b
	}
}
