// Package session owns the session lifecycle: the ten-state machine, quota
// enforcement on create, executor wiring per mode, termination, and
// archival. One coordinator serves the whole process.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentdeck/agentdeck/internal/accounting"
	"github.com/agentdeck/agentdeck/internal/agent"
	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/executor"
	"github.com/agentdeck/agentdeck/internal/hooks"
	"github.com/agentdeck/agentdeck/internal/pipeline"
	"github.com/agentdeck/agentdeck/internal/policy"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/internal/workdir"
)

// legalTransitions is the session state machine. Anything not listed fails
// with InvalidState.
var legalTransitions = map[store.SessionStatus][]store.SessionStatus{
	store.SessionStatusCreated:     {store.SessionStatusConnecting, store.SessionStatusTerminated},
	store.SessionStatusConnecting:  {store.SessionStatusActive, store.SessionStatusFailed},
	store.SessionStatusActive:      {store.SessionStatusWaitingUser, store.SessionStatusProcessing, store.SessionStatusPaused, store.SessionStatusCompleted, store.SessionStatusFailed, store.SessionStatusTerminated},
	store.SessionStatusWaitingUser: {store.SessionStatusActive, store.SessionStatusProcessing, store.SessionStatusTerminated},
	store.SessionStatusProcessing:  {store.SessionStatusActive, store.SessionStatusCompleted, store.SessionStatusFailed},
	store.SessionStatusPaused:      {store.SessionStatusActive, store.SessionStatusTerminated},
	store.SessionStatusCompleted:   {store.SessionStatusArchived},
	store.SessionStatusFailed:      {store.SessionStatusArchived},
	store.SessionStatusTerminated:  {store.SessionStatusArchived},
}

func transitionLegal(from, to store.SessionStatus) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ClientFactory builds an agent client for one session. Swapped out in
// tests.
type ClientFactory func(cfg agent.Config) executor.Client

// Defaults carries the server-level fallbacks applied when a session's
// config leaves a field unset.
type Defaults struct {
	Command               []string
	Model                 string
	MaxRetries            int
	RetryDelay            time.Duration
	Timeout               time.Duration
	MaxConcurrentSessions int
	BlockedCommands       []string
	RestrictedPaths       []string
	ArchiveCompression    store.Compression
}

// streamExecutor is the interface interactive and forked executors share.
type streamExecutor interface {
	Execute(ctx context.Context, prompt string) (<-chan executor.Outcome, error)
	Interrupt(ctx context.Context) error
	Close() (agent.Metrics, error)
}

// runtime is the in-memory half of a live session.
type runtime struct {
	client     executor.Client
	stream     streamExecutor
	background *executor.BackgroundExecutor
	cancelTurn context.CancelFunc
}

// Coordinator drives session lifecycles.
type Coordinator struct {
	store      store.Store
	workdirs   *workdir.Manager
	hookReg    *hooks.Registry
	policyReg  *policy.Registry
	accountant *accounting.Accountant
	bus        bus.EventBus
	defaults   Defaults
	logger     *logger.Logger

	newClient ClientFactory

	mu       sync.Mutex
	runtimes map[string]*runtime
}

// NewCoordinator creates a coordinator. A nil factory spawns real agent
// subprocesses.
func NewCoordinator(st store.Store, workdirs *workdir.Manager, hookReg *hooks.Registry,
	policyReg *policy.Registry, accountant *accounting.Accountant, eventBus bus.EventBus,
	defaults Defaults, factory ClientFactory, log *logger.Logger) *Coordinator {
	if factory == nil {
		factory = func(cfg agent.Config) executor.Client {
			return agent.NewClient(cfg, log)
		}
	}
	return &Coordinator{
		store:      st,
		workdirs:   workdirs,
		hookReg:    hookReg,
		policyReg:  policyReg,
		accountant: accountant,
		bus:        eventBus,
		defaults:   defaults,
		logger:     log.WithFields(zap.String("component", "session-coordinator")),
		newClient:  factory,
		runtimes:   make(map[string]*runtime),
	}
}

// CreateRequest describes a new session.
type CreateRequest struct {
	UserID          string
	Mode            store.SessionMode
	Config          store.SessionConfig
	ParentSessionID string
	ForkAtMessage   int64
}

// Create enforces the concurrency quota, provisions a working directory,
// and inserts the session row in CREATED.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*store.Session, error) {
	switch req.Mode {
	case store.SessionModeInteractive, store.SessionModeBackground:
	case store.SessionModeForked:
		if req.ParentSessionID == "" {
			return nil, apperrors.Validation("forked session requires parent_session_id")
		}
	default:
		return nil, apperrors.Validation(fmt.Sprintf("unknown session mode: %s", req.Mode))
	}
	if req.UserID == "" {
		return nil, apperrors.Validation("user_id is required")
	}

	if err := c.checkQuota(ctx, req.UserID); err != nil {
		return nil, err
	}

	sess := &store.Session{
		ID:              uuid.New().String(),
		UserID:          req.UserID,
		Mode:            req.Mode,
		Config:          req.Config,
		ParentSessionID: req.ParentSessionID,
	}

	if req.Mode == store.SessionModeForked {
		if req.ForkAtMessage < 0 {
			return nil, apperrors.Validation("fork_at_message cannot be negative")
		}
		parent, err := c.store.GetSession(ctx, req.ParentSessionID)
		if err != nil {
			return nil, err
		}
		// Zero copies the whole parent history.
		sess.ForkAtMessage = req.ForkAtMessage
		// Forks inherit the parent's config; the request may override.
		inherited := parent.Config
		if req.Config.Model != "" {
			inherited.Model = req.Config.Model
		}
		if len(req.Config.AllowedTools) > 0 {
			inherited.AllowedTools = req.Config.AllowedTools
		}
		sess.Config = inherited
		// The forked executor clones the parent's tree on first query.
		sess.WorkdirPath = c.workdirs.Path(sess.ID)
	} else {
		path, err := c.workdirs.Create(sess.ID)
		if err != nil {
			return nil, err
		}
		sess.WorkdirPath = path
	}

	if err := c.store.CreateSession(ctx, sess); err != nil {
		if req.Mode != store.SessionModeForked {
			_ = c.workdirs.Delete(sess.WorkdirPath)
		}
		return nil, err
	}

	c.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("user_id", sess.UserID),
		zap.String("mode", string(sess.Mode)))
	return sess, nil
}

func (c *Coordinator) checkQuota(ctx context.Context, userID string) error {
	user, err := c.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.SystemTask {
		return nil
	}
	limit := user.Quotas.MaxConcurrentSessions
	if limit <= 0 {
		limit = c.defaults.MaxConcurrentSessions
	}
	if limit <= 0 {
		return nil
	}
	active, err := c.store.CountActiveSessions(ctx, userID)
	if err != nil {
		return err
	}
	if active >= limit {
		return apperrors.QuotaExceeded(fmt.Sprintf("user has %d active sessions (limit %d)", active, limit))
	}
	return nil
}

// Transition applies a guarded, legality-checked state change and publishes
// the change on the session's subject.
func (c *Coordinator) Transition(ctx context.Context, id string, from, to store.SessionStatus, reason string) error {
	if !transitionLegal(from, to) {
		return apperrors.InvalidState(fmt.Sprintf("illegal transition %s -> %s", from, to))
	}
	if err := c.store.UpdateSessionStatus(ctx, id, from, to, reason); err != nil {
		return err
	}
	_ = c.bus.Publish(ctx, bus.SessionSubject(id), bus.NewEvent(bus.EventSessionStateChanged, "coordinator",
		map[string]interface{}{
			"session_id": id,
			"from":       string(from),
			"to":         string(to),
			"reason":     reason,
		}))
	return nil
}

// StartQuery runs one turn. The first query on a fresh session connects the
// subprocess (CREATED -> CONNECTING -> ACTIVE) before the turn transitions
// to PROCESSING. The returned channel delivers the turn's outcome; for
// interactive sessions the session is back in ACTIVE by then.
func (c *Coordinator) StartQuery(ctx context.Context, id, prompt string) (<-chan executor.Outcome, error) {
	sess, err := c.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	standing, spent, err := c.accountant.CheckBudget(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	if standing == accounting.BudgetOver {
		return nil, apperrors.BudgetExceeded(fmt.Sprintf("monthly budget exhausted (spent $%.2f)", spent))
	}

	rt, err := c.ensureRuntime(ctx, sess)
	if err != nil {
		return nil, err
	}

	switch sess.Status {
	case store.SessionStatusCreated:
		if err := c.connect(ctx, sess, rt); err != nil {
			return nil, err
		}
	case store.SessionStatusActive, store.SessionStatusWaitingUser:
	default:
		return nil, apperrors.InvalidState(fmt.Sprintf("session %s cannot accept a query while %s", id, sess.Status))
	}

	fresh, err := c.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.Transition(ctx, id, fresh.Status, store.SessionStatusProcessing, "query started"); err != nil {
		return nil, err
	}

	turnCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	rt.cancelTurn = cancel
	c.mu.Unlock()

	if sess.Mode == store.SessionModeBackground {
		out := make(chan executor.Outcome, 1)
		go func() {
			defer close(out)
			defer cancel()
			res, execErr := rt.background.Execute(turnCtx, prompt)
			c.finishBackground(id, res, execErr)
			var result *pipeline.TurnResult
			if res != nil {
				result = res.Result
			}
			out <- executor.Outcome{Result: result, Err: execErr}
		}()
		return out, nil
	}

	inner, err := rt.stream.Execute(turnCtx, prompt)
	if err != nil {
		cancel()
		// The turn never started; hand the session back.
		_ = c.Transition(context.Background(), id, store.SessionStatusProcessing, store.SessionStatusActive, "query failed to start")
		return nil, err
	}

	out := make(chan executor.Outcome, 1)
	go func() {
		defer close(out)
		defer cancel()
		outcome := <-inner
		c.finishInteractive(id, outcome)
		out <- outcome
	}()
	return out, nil
}

func (c *Coordinator) connect(ctx context.Context, sess *store.Session, rt *runtime) error {
	if err := c.Transition(ctx, sess.ID, store.SessionStatusCreated, store.SessionStatusConnecting, "connecting agent"); err != nil {
		return err
	}
	if err := rt.client.Connect(ctx); err != nil {
		_ = c.Transition(context.Background(), sess.ID, store.SessionStatusConnecting, store.SessionStatusFailed, err.Error())
		return err
	}
	return c.Transition(ctx, sess.ID, store.SessionStatusConnecting, store.SessionStatusActive, "agent connected")
}

// finishInteractive hands the session back to ACTIVE after a turn, whatever
// the turn's outcome; a terminate may already have moved the row on.
func (c *Coordinator) finishInteractive(id string, outcome executor.Outcome) {
	ctx := context.Background()
	reason := "turn completed"
	if outcome.Err != nil {
		reason = "turn failed: " + outcome.Err.Error()
	}
	if err := c.Transition(ctx, id, store.SessionStatusProcessing, store.SessionStatusActive, reason); err != nil {
		c.logger.Debug("post-turn transition skipped", zap.String("session_id", id), zap.Error(err))
	}
}

// finishBackground resolves a background run to COMPLETED or FAILED and
// releases the subprocess.
func (c *Coordinator) finishBackground(id string, res *executor.ExecutionResult, execErr error) {
	ctx := context.Background()
	to := store.SessionStatusCompleted
	reason := "execution completed"
	if execErr != nil || res == nil || !res.Success {
		to = store.SessionStatusFailed
		reason = "execution failed"
		if execErr != nil {
			reason = "execution failed: " + execErr.Error()
		}
	}
	if err := c.Transition(ctx, id, store.SessionStatusProcessing, to, reason); err != nil {
		c.logger.Warn("background completion transition failed", zap.String("session_id", id), zap.Error(err))
	}
	c.releaseRuntime(id)
}

// Pause suspends an idle session.
func (c *Coordinator) Pause(ctx context.Context, id string) error {
	return c.Transition(ctx, id, store.SessionStatusActive, store.SessionStatusPaused, "paused by user")
}

// Resume reactivates a paused session.
func (c *Coordinator) Resume(ctx context.Context, id string) error {
	return c.Transition(ctx, id, store.SessionStatusPaused, store.SessionStatusActive, "resumed by user")
}

// Fork creates a FORKED session seeded from a parent.
func (c *Coordinator) Fork(ctx context.Context, parentID string, forkAtMessage int64, userID string) (*store.Session, error) {
	parent, err := c.store.GetSession(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		userID = parent.UserID
	}
	return c.Create(ctx, CreateRequest{
		UserID:          userID,
		Mode:            store.SessionModeForked,
		ParentSessionID: parent.ID,
		ForkAtMessage:   forkAtMessage,
	})
}

// Terminate stops a session: the in-flight turn is cancelled and the
// subprocess interrupted best-effort, then the row moves to TERMINATED. A
// PROCESSING session is first handed back to ACTIVE by the unwinding turn.
func (c *Coordinator) Terminate(ctx context.Context, id string) error {
	sess, err := c.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status.IsTerminal() {
		return apperrors.InvalidState(fmt.Sprintf("session %s is already %s", id, sess.Status))
	}

	c.mu.Lock()
	rt := c.runtimes[id]
	var cancel context.CancelFunc
	if rt != nil {
		cancel = rt.cancelTurn
	}
	c.mu.Unlock()

	if rt != nil {
		if cancel != nil {
			cancel()
		}
		if rt.stream != nil {
			if err := rt.stream.Interrupt(ctx); err != nil && !apperrors.IsNotFound(err) {
				c.logger.Debug("interrupt on terminate", zap.String("session_id", id), zap.Error(err))
			}
		}
	}

	// A cancelled turn unwinds PROCESSING -> ACTIVE on its own; wait for
	// the row to leave PROCESSING before the final transition.
	current := sess.Status
	if current == store.SessionStatusProcessing {
		current = c.awaitNotProcessing(ctx, id)
	}
	if err := c.Transition(ctx, id, current, store.SessionStatusTerminated, "terminated by user"); err != nil {
		return err
	}
	c.releaseRuntime(id)
	return nil
}

func (c *Coordinator) awaitNotProcessing(ctx context.Context, id string) store.SessionStatus {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := c.store.GetSession(ctx, id)
		if err != nil {
			return store.SessionStatusProcessing
		}
		if sess.Status != store.SessionStatusProcessing {
			return sess.Status
		}
		select {
		case <-ctx.Done():
			return store.SessionStatusProcessing
		case <-time.After(50 * time.Millisecond):
		}
	}
	return store.SessionStatusProcessing
}

// Archive compresses a terminal session's working directory. On success the
// session moves to ARCHIVED; on failure the archive row records the error
// and the session keeps its terminal state.
func (c *Coordinator) Archive(ctx context.Context, id string) (*store.Archive, error) {
	sess, err := c.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case store.SessionStatusCompleted, store.SessionStatusFailed, store.SessionStatusTerminated:
	default:
		return nil, apperrors.InvalidState(fmt.Sprintf("session %s cannot be archived while %s", id, sess.Status))
	}

	compression := c.defaults.ArchiveCompression
	if compression == "" {
		compression = store.CompressionGzip
	}

	arch := &store.Archive{
		SessionID:   id,
		Compression: compression,
		Status:      store.ArchiveStatusInProgress,
	}
	if err := c.store.CreateArchive(ctx, arch); err != nil {
		return nil, err
	}

	result, err := c.workdirs.Archive(ctx, id, compression)
	if err != nil {
		arch.Status = store.ArchiveStatusFailed
		arch.Error = err.Error()
		if uerr := c.store.UpdateArchive(ctx, arch); uerr != nil {
			c.logger.Warn("failed to record archive failure", zap.String("session_id", id), zap.Error(uerr))
		}
		return arch, err
	}

	now := time.Now().UTC()
	arch.Path = result.Path
	arch.SizeBytes = result.SizeBytes
	arch.Manifest = result.Manifest
	arch.Status = store.ArchiveStatusCompleted
	arch.ArchivedAt = &now
	if err := c.store.UpdateArchive(ctx, arch); err != nil {
		return nil, err
	}
	if err := c.store.SetSessionArchive(ctx, id, arch.ID); err != nil {
		return nil, err
	}
	if err := c.Transition(ctx, id, sess.Status, store.SessionStatusArchived, "workdir archived"); err != nil {
		return nil, err
	}
	return arch, nil
}

// ensureRuntime builds the client/pipeline/executor trio on first use.
func (c *Coordinator) ensureRuntime(ctx context.Context, sess *store.Session) (*runtime, error) {
	c.mu.Lock()
	if rt, ok := c.runtimes[sess.ID]; ok {
		c.mu.Unlock()
		return rt, nil
	}
	c.mu.Unlock()

	policies, err := c.buildPolicies(sess)
	if err != nil {
		return nil, err
	}

	opts := c.buildOptions(sess)
	includePartials := sess.Mode != store.SessionModeBackground

	client := c.newClient(agent.Config{
		Command:                opts.Command,
		WorkDir:                sess.WorkdirPath,
		Model:                  opts.Model,
		AllowedTools:           opts.AllowedTools,
		PermissionMode:         opts.PermissionMode,
		MaxRetries:             opts.MaxRetries,
		RetryDelay:             opts.RetryDelay,
		Timeout:                opts.Timeout,
		IncludePartialMessages: includePartials,
	})

	engine := policy.NewEngine(sess.ID, policies, c.store, c.logger)
	dispatcher := hooks.NewDispatcher(sess.ID, c.hookReg, hooks.EnabledSet(sess.Config.HooksEnabled),
		c.store, c.bus, c.logger)
	p := pipeline.New(sess.ID, c.store, engine, dispatcher, c.accountant, client, c.bus,
		includePartials, c.logger)

	rt := &runtime{client: client}
	switch sess.Mode {
	case store.SessionModeBackground:
		rt.background = executor.NewBackground(sess.ID, client, p, c.store, c.bus, opts, c.logger)
	case store.SessionModeForked:
		parent, err := c.store.GetSession(ctx, sess.ParentSessionID)
		if err != nil {
			return nil, err
		}
		rt.stream = executor.NewForked(sess.ID, client, p, c.store, c.bus, opts, c.workdirs,
			parent.ID, parent.WorkdirPath, sess.ForkAtMessage, c.logger)
	default:
		rt.stream = executor.NewInteractive(sess.ID, client, p, c.store, c.bus, opts, c.logger)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.runtimes[sess.ID]; ok {
		return existing, nil
	}
	c.runtimes[sess.ID] = rt
	return rt, nil
}

// buildPolicies assembles the session's chain: custom policies first, then
// the built-in deny rules, then the permission-mode shorthand.
func (c *Coordinator) buildPolicies(sess *store.Session) ([]policy.Policy, error) {
	custom, err := c.policyReg.Resolve(sess.Config.CustomPolicies)
	if err != nil {
		return nil, err
	}
	chain := append([]policy.Policy{}, custom...)
	if len(c.defaults.BlockedCommands) > 0 {
		chain = append(chain, &policy.CommandPolicy{BlockedCommands: c.defaults.BlockedCommands})
	}
	if len(c.defaults.RestrictedPaths) > 0 {
		chain = append(chain, &policy.FileAccessPolicy{RestrictedPaths: c.defaults.RestrictedPaths})
	}
	if sess.Config.PermissionMode != "" {
		chain = append(chain, &policy.PermissionModePolicy{Mode: string(sess.Config.PermissionMode)})
	}
	return chain, nil
}

func (c *Coordinator) buildOptions(sess *store.Session) executor.Options {
	cfg := sess.Config
	opts := executor.Options{
		Command:        c.defaults.Command,
		Model:          cfg.Model,
		AllowedTools:   cfg.AllowedTools,
		PermissionMode: string(cfg.PermissionMode),
		MaxRetries:     cfg.MaxRetries,
		RetryDelay:     time.Duration(cfg.RetryDelayMS) * time.Millisecond,
		Timeout:        time.Duration(cfg.TimeoutMS) * time.Millisecond,
	}
	if opts.Model == "" {
		opts.Model = c.defaults.Model
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = c.defaults.MaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = c.defaults.RetryDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = c.defaults.Timeout
	}
	return opts
}

// releaseRuntime disconnects and forgets a session's runtime.
func (c *Coordinator) releaseRuntime(id string) {
	c.mu.Lock()
	rt := c.runtimes[id]
	delete(c.runtimes, id)
	c.mu.Unlock()
	if rt == nil {
		return
	}
	if _, err := rt.client.Disconnect(); err != nil {
		c.logger.Debug("runtime disconnect", zap.String("session_id", id), zap.Error(err))
	}
}

// Shutdown disconnects every live runtime. Sessions keep their persisted
// states; a restart resumes from the store.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.runtimes))
	for id := range c.runtimes {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			c.releaseRuntime(id)
			return nil
		})
	}
	_ = g.Wait()
	c.logger.Info("coordinator shut down", zap.String("sessions", strings.Join(ids, ",")))
}
