package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/dealdesk/internal/definition"
	"github.com/pitabwire/dealdesk/internal/observability"
	"github.com/pitabwire/dealdesk/internal/openapi"
	"github.com/pitabwire/dealdesk/model"
	"github.com/pitabwire/dealdesk/reconcile"
)

const (
	defaultIdleTimeout    = 12 * time.Hour
	defaultSaveLease      = time.Minute
	defaultIdempotencyTTL = 24 * time.Hour

	// maxWriteAttempts bounds the read-modify-write retries on version
	// conflicts.
	maxWriteAttempts = 5

	// outcomeTimeout bounds recording a save outcome once the request
	// context is gone.
	outcomeTimeout = 5 * time.Second
)

// Engine manages edit sessions: it loads entities from their backend,
// applies edits, and sends the minimal patch back on save.
type Engine struct {
	registry    *definition.Registry
	store       Store
	invoker     model.OperationInvoker
	capResolver model.CapabilityResolver

	index          *openapi.Index
	idempotency    IdempotencyStore
	idempotencyTTL time.Duration
	logger         *zap.Logger
	metrics        *observability.Metrics
	now            func() time.Time
	newID          func() string
	idleTimeout    time.Duration
	saveLease      time.Duration
	defaultLoc     *time.Location
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records session metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator replaces the random session ID generator.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// WithIdleTimeout sets how long an untouched session survives ExpireIdle.
func WithIdleTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.idleTimeout = d
		}
	}
}

// WithSaveLease bounds how long an in-flight save blocks another save.
func WithSaveLease(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.saveLease = d
		}
	}
}

// WithDefaultLocation sets the timezone for callers that send none.
func WithDefaultLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.defaultLoc = loc
		}
	}
}

// WithIdempotency enables replay of saves retried with the same key.
func WithIdempotency(store IdempotencyStore, ttl time.Duration) Option {
	return func(e *Engine) {
		e.idempotency = store
		if ttl > 0 {
			e.idempotencyTTL = ttl
		}
	}
}

// WithOpenAPIIndex validates create requests against the backend's request
// schema before they are sent.
func WithOpenAPIIndex(idx *openapi.Index) Option {
	return func(e *Engine) { e.index = idx }
}

// NewEngine creates a session engine.
func NewEngine(
	registry *definition.Registry,
	store Store,
	invoker model.OperationInvoker,
	capResolver model.CapabilityResolver,
	opts ...Option,
) *Engine {
	e := &Engine{
		registry:       registry,
		store:          store,
		invoker:        invoker,
		capResolver:    capResolver,
		idempotencyTTL: defaultIdempotencyTTL,
		logger:         zap.NewNop(),
		now:            func() time.Time { return time.Now().UTC() },
		newID:          func() string { return uuid.New().String() },
		idleTimeout:    defaultIdleTimeout,
		saveLease:      defaultSaveLease,
		defaultLoc:     time.UTC,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Open loads an entity and starts an edit session on it. An empty entityID
// opens a draft for a new entity, saved through the create operation.
func (e *Engine) Open(
	ctx context.Context,
	rctx *model.RequestContext,
	entityType string,
	entityID string,
) (model.SessionView, error) {
	ctx, span := observability.StartSpan(ctx, "session.open",
		observability.AttrEntityType.String(entityType),
		observability.AttrEntityID.String(entityID),
	)
	view, err := e.open(ctx, rctx, entityType, entityID)
	observability.EndSpanWithError(span, err)
	return view, err
}

func (e *Engine) open(ctx context.Context, rctx *model.RequestContext, entityType, entityID string) (model.SessionView, error) {
	// 1. Look up the entity definition.
	def, ok := e.registry.GetEntity(entityType)
	if !ok {
		return model.SessionView{}, model.NewNotFoundError(fmt.Sprintf("entity type %q not found", entityType))
	}

	// 2. Check entity-level capabilities.
	if err := e.authorize(rctx, def); err != nil {
		return model.SessionView{}, err
	}

	// 3. Load the entity, or start from defaults for a new one.
	var entity map[string]any
	if entityID == "" {
		if def.Create == nil {
			return model.SessionView{}, model.NewBadRequestError(
				fmt.Sprintf("entity type %q cannot be created; an entity_id is required", entityType),
			)
		}
	} else {
		var err error
		entity, err = e.fetchEntity(ctx, rctx, def, entityID)
		if err != nil {
			return model.SessionView{}, err
		}
	}

	// 4. Build baseline and working state in the caller's timezone.
	loc := rctx.Location(e.defaultLoc)
	c := reconcile.NewController(def.Fields, loc)
	c.Initialize(entity)

	// 5. Persist the session.
	now := e.now()
	sess := model.EditSession{
		ID:         e.newID(),
		EntityType: def.ID,
		EntityID:   entityID,
		TenantID:   rctx.TenantID,
		SubjectID:  rctx.SubjectID,
		Timezone:   loc.String(),
		Baseline:   c.Baseline(),
		Working:    c.Working(),
		Operations: map[string]model.AsyncOperation{},
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.Create(ctx, sess); err != nil {
		return model.SessionView{}, err
	}

	if e.metrics != nil {
		e.metrics.RecordSessionOpened(def.ID)
	}
	observability.RequestLogger(ctx, e.logger).Info("edit session opened",
		observability.SessionFields(sess.ID, sess.EntityType, sess.EntityID)...,
	)
	return e.view(sess, c), nil
}

// Get returns the caller's view of a session.
func (e *Engine) Get(ctx context.Context, rctx *model.RequestContext, sessionID string) (model.SessionView, error) {
	sess, def, err := e.load(ctx, rctx, sessionID)
	if err != nil {
		return model.SessionView{}, err
	}
	return e.view(sess, e.controller(sess, def)), nil
}

// List returns the caller's open sessions.
func (e *Engine) List(ctx context.Context, rctx *model.RequestContext, filters model.SessionFilters) ([]model.SessionSummary, error) {
	sessions, err := e.store.List(ctx, rctx.TenantID, rctx.SubjectID, filters)
	if err != nil {
		return nil, err
	}

	summaries := make([]model.SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		status := reconcile.StatusClean
		switch {
		case e.saving(sess):
			status = reconcile.StatusSaving
		case reconcile.HasChanges(sess.Baseline, sess.Working):
			status = reconcile.StatusDirty
		}
		summaries = append(summaries, model.SessionSummary{
			ID:         sess.ID,
			EntityType: sess.EntityType,
			EntityID:   sess.EntityID,
			Status:     status,
			UpdatedAt:  sess.UpdatedAt,
		})
	}
	return summaries, nil
}

// UpdateFields applies raw input values to the working state. Either every
// key is applied or, when any key is not declared, none is.
func (e *Engine) UpdateFields(
	ctx context.Context,
	rctx *model.RequestContext,
	sessionID string,
	fields map[string]any,
) (model.SessionView, error) {
	sess, def, c, err := e.mutate(ctx, rctx, sessionID, func(_ *model.EditSession, _ model.EntityDefinition, c *reconcile.Controller) (bool, error) {
		var unknown []string
		for key := range fields {
			if !c.Declares(key) {
				unknown = append(unknown, key)
			}
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			return false, model.NewUnknownFieldError(unknown)
		}
		if len(fields) == 0 {
			return false, nil
		}
		for key, raw := range fields {
			c.UpdateField(key, raw)
		}
		return true, nil
	})
	if err != nil {
		return model.SessionView{}, err
	}

	if e.metrics != nil && len(fields) > 0 {
		e.metrics.RecordFieldUpdates(def.ID, len(fields))
	}
	return e.view(sess, c), nil
}

// Changes describes every dirty field. String fields carry a text diff.
func (e *Engine) Changes(ctx context.Context, rctx *model.RequestContext, sessionID string) ([]model.FieldChange, error) {
	sess, def, err := e.load(ctx, rctx, sessionID)
	if err != nil {
		return nil, err
	}
	c := e.controller(sess, def)
	return fieldChanges(c.Specs(), c.Baseline(), c.Working()), nil
}

// Save sends the minimal patch for the session's edits to the backend. An
// empty patch is skipped without a backend call. Edits made while the save
// is in flight are kept on top of the committed state.
func (e *Engine) Save(
	ctx context.Context,
	rctx *model.RequestContext,
	sessionID string,
	idempotencyKey string,
) (model.SaveResult, error) {
	ctx, span := observability.StartSpan(ctx, "session.save",
		observability.AttrSessionID.String(sessionID),
	)
	result, err := e.save(ctx, rctx, sessionID, idempotencyKey)
	if err == nil {
		span.SetAttributes(observability.AttrPatchSize.Int(len(result.Patch)))
	}
	observability.EndSpanWithError(span, err)
	return result, err
}

func (e *Engine) save(ctx context.Context, rctx *model.RequestContext, sessionID, idempotencyKey string) (model.SaveResult, error) {
	start := e.now()

	var (
		patch     reconcile.Patch
		sent      reconcile.State
		patchHash string
		idemKey   string
		replay    *model.SaveResult
		skipped   bool
	)

	// 1. Build the patch and mark the save in flight before calling out.
	sess, def, c, err := e.mutate(ctx, rctx, sessionID, func(s *model.EditSession, def model.EntityDefinition, c *reconcile.Controller) (bool, error) {
		replay, skipped = nil, false
		patch = c.BuildPatch()

		// 1a. Replay a save retried with the same idempotency key.
		if idempotencyKey != "" && e.idempotency != nil {
			var err error
			if patchHash, err = HashPatch(patch); err != nil {
				return false, err
			}
			idemKey = FormatIdempotencyKey(s.ID, idempotencyKey)
			record, found, err := e.idempotency.Check(ctx, idemKey)
			if err != nil {
				return false, err
			}
			if found {
				result, err := record.Replay(idemKey, patchHash, patch.Empty())
				if err != nil {
					return false, err
				}
				replay = &result
				return false, nil
			}
		}

		// 1b. Nothing to send.
		if patch.Empty() {
			skipped = true
			return false, nil
		}

		// 1c. One save at a time per session.
		if e.saving(*s) {
			return false, model.NewSaveInProgressError()
		}

		// 1d. Validate new entities against the create request schema.
		if s.IsNew() {
			if err := e.validateCreate(def, patch); err != nil {
				return false, err
			}
		}

		sent = c.Working()
		s.StartOperation(model.OpSave, e.now())
		return true, nil
	})
	if err != nil {
		return model.SaveResult{}, err
	}
	logger := observability.RequestLogger(ctx, e.logger).With(
		observability.SessionFields(sess.ID, sess.EntityType, sess.EntityID)...,
	)

	if replay != nil {
		e.recordSave(def.ID, observability.SaveOutcomeReplayed, 0, start)
		logger.Debug("save replayed from idempotency key")
		return *replay, nil
	}
	if skipped {
		e.recordSave(def.ID, observability.SaveOutcomeSkipped, 0, start)
		return model.SaveResult{Skipped: true, Patch: patch, Session: e.view(sess, c)}, nil
	}

	// 2. Send the patch.
	if ce := logger.Check(zap.DebugLevel, "sending patch"); ce != nil {
		ce.Write(zap.Any("patch", observability.RedactBody(plainBody(patch), nil)))
	}
	entity, entityID, callErr := e.sendPatch(ctx, rctx, def, sess.EntityID, patch)

	// 3. Commit the server's entity, keeping edits that arrived meanwhile,
	// or record the failure and leave the working state alone. This runs
	// even when the caller went away, otherwise the save stays in flight
	// until the lease runs out.
	outcomeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
	defer cancel()
	sess, _, c, err = e.mutate(outcomeCtx, rctx, sessionID, func(s *model.EditSession, _ model.EntityDefinition, c *reconcile.Controller) (bool, error) {
		if callErr != nil {
			s.FinishOperation(model.OpSave, callErr, e.now())
			return true, nil
		}
		if s.IsNew() {
			s.EntityID = entityID
		}
		c.Rebase(entity, sent)
		s.FinishOperation(model.OpSave, nil, e.now())
		return true, nil
	})
	if err != nil {
		logger.Error("recording save outcome failed", zap.Error(err), zap.NamedError("save_error", callErr))
		if callErr != nil {
			return model.SaveResult{}, callErr
		}
		return model.SaveResult{}, err
	}

	if callErr != nil {
		outcome := observability.SaveOutcomeFailed
		if model.ErrorCode(callErr) == model.ErrValidationError {
			outcome = observability.SaveOutcomeRejected
		}
		e.recordSave(def.ID, outcome, len(patch), start)
		logger.Warn("save failed", zap.Error(callErr), zap.Strings("fields", patch.Keys()))
		return model.SaveResult{}, callErr
	}

	result := model.SaveResult{Saved: true, Patch: patch, Session: e.view(sess, c)}
	e.recordSave(def.ID, observability.SaveOutcomeSaved, len(patch), start)
	logger.Info("entity saved", zap.Strings("fields", patch.Keys()))

	// 4. Remember the outcome for retries.
	if idemKey != "" {
		record := IdempotencyRecord{PatchHash: patchHash, Result: result}
		if err := e.idempotency.Store(outcomeCtx, idemKey, record, e.idempotencyTTL); err != nil {
			logger.Warn("storing idempotency record failed", zap.Error(err))
		}
	}
	return result, nil
}

// Reload fetches the entity again and carries the caller's edits over onto
// the fresh values.
func (e *Engine) Reload(ctx context.Context, rctx *model.RequestContext, sessionID string) (model.SessionView, error) {
	ctx, span := observability.StartSpan(ctx, "session.reload",
		observability.AttrSessionID.String(sessionID),
	)
	view, err := e.reload(ctx, rctx, sessionID)
	observability.EndSpanWithError(span, err)
	return view, err
}

func (e *Engine) reload(ctx context.Context, rctx *model.RequestContext, sessionID string) (model.SessionView, error) {
	started := e.now()

	// 1. Load the session.
	sess, def, err := e.load(ctx, rctx, sessionID)
	if err != nil {
		return model.SessionView{}, err
	}
	if sess.IsNew() {
		return model.SessionView{}, model.NewBadRequestError("a new entity has nothing to reload")
	}

	// 2. Fetch the entity.
	entity, fetchErr := e.fetchEntity(ctx, rctx, def, sess.EntityID)

	// 3. Rebase edits onto the fresh entity, or record the failure.
	sess, _, c, err := e.mutate(ctx, rctx, sessionID, func(s *model.EditSession, _ model.EntityDefinition, c *reconcile.Controller) (bool, error) {
		s.StartOperation(model.OpReload, started)
		if fetchErr == nil {
			c.Rebase(entity, c.Baseline())
		}
		s.FinishOperation(model.OpReload, fetchErr, e.now())
		return true, nil
	})
	if err != nil {
		return model.SessionView{}, err
	}

	status := "ok"
	if fetchErr != nil {
		status = "error"
	}
	if e.metrics != nil {
		e.metrics.RecordReload(def.ID, status)
	}
	if fetchErr != nil {
		return model.SessionView{}, fetchErr
	}
	return e.view(sess, c), nil
}

// Reset discards every edit.
func (e *Engine) Reset(ctx context.Context, rctx *model.RequestContext, sessionID string) (model.SessionView, error) {
	sess, _, c, err := e.mutate(ctx, rctx, sessionID, func(_ *model.EditSession, _ model.EntityDefinition, c *reconcile.Controller) (bool, error) {
		if !c.HasChanges() {
			return false, nil
		}
		c.Reset()
		return true, nil
	})
	if err != nil {
		return model.SessionView{}, err
	}
	return e.view(sess, c), nil
}

// Discard ends a session without saving.
func (e *Engine) Discard(ctx context.Context, rctx *model.RequestContext, sessionID string) error {
	sess, err := e.loadOwned(ctx, rctx, sessionID)
	if err != nil {
		return err
	}
	if err := e.store.Delete(ctx, rctx.TenantID, sess.ID); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.RecordSessionClosed()
	}
	observability.RequestLogger(ctx, e.logger).Info("edit session discarded",
		observability.SessionFields(sess.ID, sess.EntityType, sess.EntityID)...,
	)
	return nil
}

// ExpireIdle deletes sessions untouched for longer than the idle timeout.
func (e *Engine) ExpireIdle(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-e.idleTimeout)
	n, err := e.store.DeleteIdle(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("session: expire idle: %w", err)
	}
	if n > 0 {
		if e.metrics != nil {
			e.metrics.RecordSessionsExpired(n)
		}
		e.logger.Info("expired idle edit sessions", zap.Int("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// RunSweeper calls ExpireIdle every interval until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.ExpireIdle(ctx); err != nil {
				e.logger.Error("session sweep failed", zap.Error(err))
			}
		}
	}
}

// loadOwned fetches a session of the caller. Sessions of other subjects are
// reported as not found.
func (e *Engine) loadOwned(ctx context.Context, rctx *model.RequestContext, sessionID string) (model.EditSession, error) {
	sess, err := e.store.Get(ctx, rctx.TenantID, sessionID)
	if err != nil {
		return model.EditSession{}, err
	}
	if sess.SubjectID != rctx.SubjectID {
		return model.EditSession{}, model.NewSessionNotFoundError(sessionID)
	}
	return sess, nil
}

// load fetches a session of the caller with its definition and checks the
// caller may still edit the entity type.
func (e *Engine) load(ctx context.Context, rctx *model.RequestContext, sessionID string) (model.EditSession, model.EntityDefinition, error) {
	sess, err := e.loadOwned(ctx, rctx, sessionID)
	if err != nil {
		return model.EditSession{}, model.EntityDefinition{}, err
	}
	def, ok := e.registry.GetEntity(sess.EntityType)
	if !ok {
		return model.EditSession{}, model.EntityDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("entity type %q not found", sess.EntityType),
		)
	}
	if err := e.authorize(rctx, def); err != nil {
		return model.EditSession{}, model.EntityDefinition{}, err
	}
	return sess, def, nil
}

// mutate runs fn on a freshly loaded session and persists the result when
// fn reports a write. Version conflicts reload and run fn again.
func (e *Engine) mutate(
	ctx context.Context,
	rctx *model.RequestContext,
	sessionID string,
	fn func(*model.EditSession, model.EntityDefinition, *reconcile.Controller) (bool, error),
) (model.EditSession, model.EntityDefinition, *reconcile.Controller, error) {
	for attempt := 1; ; attempt++ {
		sess, def, err := e.load(ctx, rctx, sessionID)
		if err != nil {
			return model.EditSession{}, model.EntityDefinition{}, nil, err
		}
		c := e.controller(sess, def)

		write, err := fn(&sess, def, c)
		if err != nil || !write {
			return sess, def, c, err
		}

		sess.Baseline = c.Baseline()
		sess.Working = c.Working()
		sess.UpdatedAt = e.now()
		err = e.store.Update(ctx, &sess)
		if err == nil {
			return sess, def, c, nil
		}
		if model.ErrorCode(err) != model.ErrConflict || attempt >= maxWriteAttempts {
			return model.EditSession{}, model.EntityDefinition{}, nil, err
		}
	}
}

// controller rebuilds the reconcile controller of a persisted session. When
// the entity definition changed since the session was opened, the stored
// states are migrated field by field.
func (e *Engine) controller(sess model.EditSession, def model.EntityDefinition) *reconcile.Controller {
	loc := e.defaultLoc
	if sess.Timezone != "" {
		if l, err := time.LoadLocation(sess.Timezone); err == nil {
			loc = l
		}
	}
	c := reconcile.NewController(def.Fields, loc)
	if c.Restore(sess.Baseline, sess.Working) {
		return c
	}

	e.logger.Warn("edit session does not match its entity definition; migrating",
		observability.SessionFields(sess.ID, sess.EntityType, sess.EntityID)...,
	)
	c.Initialize(sess.Baseline.Values())
	for key, w := range sess.Working {
		b, ok := sess.Baseline[key]
		if ok && b.Equal(w) {
			continue
		}
		c.UpdateField(key, w.Display())
	}
	return c
}

func (e *Engine) authorize(rctx *model.RequestContext, def model.EntityDefinition) error {
	if len(def.Capabilities) == 0 {
		return nil
	}
	caps, err := e.capResolver.Resolve(rctx)
	if err != nil {
		return fmt.Errorf("resolve capabilities: %w", err)
	}
	if !caps.HasAll(def.Capabilities...) {
		return model.NewForbiddenError(fmt.Sprintf("insufficient capabilities to edit %q", def.ID))
	}
	return nil
}

// saving reports whether a save of sess is in flight and within its lease.
func (e *Engine) saving(sess model.EditSession) bool {
	op := sess.Operation(model.OpSave)
	if op.State != model.OperationInFlight || op.StartedAt == nil {
		return false
	}
	return e.now().Sub(*op.StartedAt) < e.saveLease
}

func (e *Engine) validateCreate(def model.EntityDefinition, patch reconcile.Patch) error {
	if e.index == nil || def.Create == nil {
		return nil
	}
	problems := e.index.ValidateRequest(def.Create.ServiceID, def.Create.OperationID, plainBody(patch))
	if len(problems) == 0 {
		return nil
	}
	details := make([]model.FieldError, 0, len(problems))
	for _, p := range problems {
		details = append(details, model.FieldError{Field: p.Field, Code: model.ErrValidationError, Message: p.Message})
	}
	return model.NewValidationError(details)
}

func (e *Engine) view(sess model.EditSession, c *reconcile.Controller) model.SessionView {
	dirty := c.Changed()
	if dirty == nil {
		dirty = []string{}
	}
	unsendable := c.Unsendable()
	if unsendable == nil {
		unsendable = []string{}
	}
	ops := make(map[string]model.AsyncOperation, len(sess.Operations))
	for name, op := range sess.Operations {
		ops[name] = op
	}
	return model.SessionView{
		ID:               sess.ID,
		EntityType:       sess.EntityType,
		EntityID:         sess.EntityID,
		Status:           c.Status(e.saving(sess)),
		HasChanges:       c.HasChanges(),
		DirtyFields:      dirty,
		UnsendableFields: unsendable,
		Values:           c.Working().Values(),
		Operations:       ops,
		Version:          sess.Version,
		UpdatedAt:        sess.UpdatedAt,
	}
}

func (e *Engine) recordSave(entityType, outcome string, fields int, start time.Time) {
	if e.metrics != nil {
		e.metrics.RecordSave(entityType, outcome, fields, e.now().Sub(start))
	}
}

// plainBody converts patch to generic JSON values.
func plainBody(patch reconcile.Patch) map[string]any {
	b, err := json.Marshal(patch)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}
