// Package coordinator routes analytical requests to a processing path and
// drives each resulting task through dispatch, retry and aggregation to a
// terminal status.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/basket/go-analyst/internal/bus"
	"github.com/basket/go-analyst/internal/capability"
	"github.com/basket/go-analyst/internal/config"
	"github.com/basket/go-analyst/internal/conversation"
	otelPkg "github.com/basket/go-analyst/internal/otel"
	"github.com/basket/go-analyst/internal/shared"
)

var (
	ErrEmptyRequest = errors.New("empty request")
	ErrClosed       = errors.New("orchestrator closed")
	ErrNoNarrator   = errors.New("no narrator configured")
)

// QueryClassifier maps a request and its context window to a task kind.
// Implementations should return one of the defined kinds; anything else is
// treated as direct_query.
type QueryClassifier interface {
	Classify(ctx context.Context, req Request, window []conversation.Turn) TaskKind
}

// Capabilities is the calling convention the orchestrator drives.
// capability.Adapter implements it.
type Capabilities interface {
	Query(ctx context.Context, in capability.QueryInput) capability.Result
	Segment(ctx context.Context, in capability.SegmentInput) capability.Result
	ControlGroup(ctx context.Context, in capability.SynthesisInput) capability.Result
}

// Recorder mirrors terminal tasks and conversation turns to durable storage.
// Recording errors are logged; they never change a task's outcome.
type Recorder interface {
	RecordTask(ctx context.Context, snap TaskSnapshot) error
	RecordTurn(ctx context.Context, sessionID string, turn conversation.Turn) error
	RecordEpoch(ctx context.Context, sessionID string, epoch int) error
}

// Policy holds the orchestration constants a task runs under.
type Policy struct {
	RetryCeiling       int           `json:"retry_ceiling"`
	CallTimeout        time.Duration `json:"call_timeout"`
	StallTurnBudget    int           `json:"stall_turn_budget"`
	ContextWindowTurns int           `json:"context_window_turns"`
	CompletionMarker   string        `json:"completion_marker"`
	TaskHistoryLimit   int           `json:"task_history_limit"`
}

// PolicyFromConfig converts the config section, applying defaults to unset
// values.
func PolicyFromConfig(c config.PolicyConfig) Policy {
	d := config.DefaultPolicy()
	p := Policy{
		RetryCeiling:       c.RetryCeiling,
		CallTimeout:        c.CallTimeout(),
		StallTurnBudget:    c.StallTurnBudget,
		ContextWindowTurns: c.ContextWindowTurns,
		CompletionMarker:   c.CompletionMarker,
		TaskHistoryLimit:   c.TaskHistoryLimit,
	}
	if p.RetryCeiling < 0 {
		p.RetryCeiling = d.RetryCeiling
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = d.CallTimeout()
	}
	if p.StallTurnBudget <= 0 {
		p.StallTurnBudget = d.StallTurnBudget
	}
	if p.ContextWindowTurns <= 0 {
		p.ContextWindowTurns = d.ContextWindowTurns
	}
	if p.TaskHistoryLimit <= 0 {
		p.TaskHistoryLimit = d.TaskHistoryLimit
	}
	return p
}

// DefaultPolicy is one retry per call, a 120s attempt timeout, 20 rounds
// before a stall and a 10-turn context window.
func DefaultPolicy() Policy { return PolicyFromConfig(config.DefaultPolicy()) }

// MaxAttempts is the attempt cap of a single capability call.
func (p Policy) MaxAttempts() int { return p.RetryCeiling + 1 }

// Config wires an Orchestrator. Classifier and Capabilities are required.
type Config struct {
	Classifier   QueryClassifier
	Errors       ErrorClassifier
	Capabilities Capabilities
	Narrator     Narrator
	Sessions     *conversation.Registry
	Bus          *bus.Bus
	Recorder     Recorder
	Tracer       trace.Tracer
	Metrics      *otelPkg.Metrics
	Logger       *slog.Logger
	Policy       Policy
	Now          func() time.Time
	NewID        func() string
}

// Orchestrator is the task state machine. It is safe for concurrent use;
// requests of one session are serialized, sessions run independently.
type Orchestrator struct {
	classifier QueryClassifier
	errs       ErrorClassifier
	caps       Capabilities
	narrator   Narrator
	sessions   *conversation.Registry
	bus        *bus.Bus
	recorder   Recorder
	tracer     trace.Tracer
	metrics    *otelPkg.Metrics
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string

	policy atomic.Pointer[Policy]

	locksMu sync.Mutex
	locks   map[string]*sessionLock

	tasksMu sync.RWMutex
	tasks   map[string]*Task
	order   []string

	closeMu  sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// New validates cfg and returns an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Classifier == nil {
		return nil, errors.New("coordinator: classifier is required")
	}
	if cfg.Capabilities == nil {
		return nil, errors.New("coordinator: capabilities are required")
	}
	o := &Orchestrator{
		classifier: cfg.Classifier,
		errs:       cfg.Errors,
		caps:       cfg.Capabilities,
		narrator:   cfg.Narrator,
		sessions:   cfg.Sessions,
		bus:        cfg.Bus,
		recorder:   cfg.Recorder,
		tracer:     cfg.Tracer,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		now:        cfg.Now,
		newID:      cfg.NewID,
		locks:      make(map[string]*sessionLock),
		tasks:      make(map[string]*Task),
	}
	if o.errs == nil {
		o.errs = PatternClassifier{}
	}
	if o.sessions == nil {
		o.sessions = conversation.NewRegistry(nil)
	}
	if o.tracer == nil {
		o.tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	if o.newID == nil {
		o.newID = func() string { return uuid.NewString() }
	}
	p := cfg.Policy
	if p == (Policy{}) {
		p = DefaultPolicy()
	}
	o.SetPolicy(p)
	return o, nil
}

// Policy returns the active policy.
func (o *Orchestrator) Policy() Policy { return *o.policy.Load() }

// SetPolicy swaps the policy for tasks submitted from now on.
func (o *Orchestrator) SetPolicy(p Policy) {
	if p.RetryCeiling < 0 {
		p.RetryCeiling = 0
	}
	o.policy.Store(&p)
}

// Submit classifies text, drives the resulting task to a terminal status and
// appends the turn to the session's context. Task-level failures are attached
// to the result; the error return is reserved for requests that never became
// a task.
func (o *Orchestrator) Submit(ctx context.Context, text, sessionID string) (*AggregatedResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyRequest
	}
	if sessionID == "" {
		sessionID = shared.NewSessionID()
	}

	o.closeMu.RLock()
	if o.closed {
		o.closeMu.RUnlock()
		return nil, ErrClosed
	}
	o.inflight.Add(1)
	o.closeMu.RUnlock()
	defer o.inflight.Done()

	release, err := o.lockSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("wait for session %s: %w", sessionID, err)
	}
	defer release()

	conv, err := o.sessions.Open(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	ctx = shared.WithSessionID(ctx, sessionID)

	policy := o.Policy()
	window := conv.Window(policy.ContextWindowTurns)
	req := Request{Text: text, SessionID: sessionID, Ordinal: conv.NextOrdinal(), ReceivedAt: o.now()}

	kind := o.classifier.Classify(ctx, req, window)
	if !kind.Valid() {
		shared.LoggerFrom(ctx, o.logger).Info("classification indeterminate, defaulting to direct_query",
			"error_kind", string(KindClassificationIndeterminate), "kind", string(kind))
		kind = KindDirectQuery
	}

	task := newTask(o.newID(), kind, req, o.now())
	o.storeTask(task, policy.TaskHistoryLimit)
	ctx = shared.WithTaskID(ctx, task.ID())
	log := shared.LoggerFrom(ctx, o.logger)

	ctx, span := otelPkg.StartSpan(ctx, o.tracer, "task.submit",
		otelPkg.AttrSessionID.String(sessionID),
		otelPkg.AttrTaskID.String(task.ID()),
		otelPkg.AttrTaskKind.String(string(kind)),
	)
	o.bus.Publish(bus.TopicTaskCreated, bus.TaskCreatedEvent{
		TaskID: task.ID(), SessionID: sessionID, Kind: string(kind), Request: text,
	})
	log.Info("task created", "kind", string(kind), "ordinal", req.Ordinal)

	res := o.run(ctx, task, window, policy)
	span.SetAttributes(otelPkg.AttrTaskStatus.String(string(res.Status)))
	if res.Status == StatusFailed {
		otelPkg.EndSpan(span, res.Outcome())
	} else {
		otelPkg.EndSpan(span, "")
	}

	turn, err := conv.Append(conversation.Turn{
		Ordinal: req.Ordinal,
		Request: text,
		Kind:    string(kind),
		Outcome: res.Outcome(),
		Status:  string(res.Status),
		TaskID:  task.ID(),
	})
	if err != nil {
		return nil, fmt.Errorf("append turn: %w", err)
	}
	o.bus.Publish(bus.TopicConversationTurn, bus.TurnEvent{
		SessionID: sessionID, Ordinal: turn.Ordinal, Kind: turn.Kind, Status: turn.Status, TaskID: turn.TaskID,
	})
	o.record(ctx, task.Snapshot(), turn)
	return res, nil
}

// run drives task from Created to Terminal.
func (o *Orchestrator) run(ctx context.Context, task *Task, window []conversation.Turn, p Policy) *AggregatedResult {
	req := task.Request()

	switch task.Kind() {
	case KindSegmentationComparison:
		o.transition(ctx, task, StateDispatching)
		parts := SplitComparison(req.Text)
		synth := o.caps.ControlGroup(ctx, capability.SynthesisInput{
			Target:          parts.Target,
			ExplicitControl: parts.ExplicitControl,
			Focus:           parts.Focus,
			SessionID:       req.SessionID,
			History:         window,
		})
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, task, newTaskError(KindCancelled, "", 0, "cancelled before dispatch", err))
		}
		if !synth.OK() {
			return o.fail(ctx, task, newTaskError(KindControlSynthesisFailed, RoleControl, 0,
				synth.Message(), ErrCapabilityFatal))
		}
		control := synth.ControlDescription()
		task.setControl(control, parts.Focus)
		task.addCall(&CapabilityCall{Role: RoleTarget, Capability: capability.ExecuteSegmentationAnalysis, Input: parts.Target})
		task.addCall(&CapabilityCall{Role: RoleControl, Capability: capability.ExecuteSegmentationAnalysis, Input: control})
	default:
		task.addCall(&CapabilityCall{Role: RoleDirect, Capability: capability.ExecuteSQLQuery, Input: req.Text})
	}

	return o.driveCalls(ctx, task, window, p)
}

// driveCalls runs dispatch rounds until every call is settled, a call
// exhausts its retries, the context is cancelled or the round budget runs
// out. Each round dispatches only the calls still pending.
func (o *Orchestrator) driveCalls(ctx context.Context, task *Task, window []conversation.Turn, p Policy) *AggregatedResult {
	pending := rolesOf(task)

	for round := 1; len(pending) > 0; round++ {
		if round > p.StallTurnBudget {
			return o.fail(ctx, task, newTaskError(KindStallDetected, "", round-1,
				fmt.Sprintf("calls still pending after %d rounds", round-1), nil))
		}
		o.transition(ctx, task, StateDispatching)

		var g errgroup.Group
		for _, role := range pending {
			g.Go(func() error {
				o.attempt(ctx, task, role, window, p)
				return nil
			})
		}
		o.transition(ctx, task, StateAwaitingResult)
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return o.fail(ctx, task, newTaskError(KindCancelled, "", round, "session cancelled: "+err.Error(), err))
		}

		var retry []CallRole
		for _, role := range pending {
			call, _ := task.call(role)
			if call.Settled() {
				continue
			}
			last, _ := call.Last()
			if last.Number >= p.MaxAttempts() {
				cause := newTaskError(KindCapabilityFatal, role, last.Number, last.Result.Message(), nil)
				return o.fail(ctx, task, newTaskError(KindRetryCeilingExceeded, role, last.Number,
					last.Result.Message(), cause))
			}
			retry = append(retry, role)
		}
		pending = retry

		if len(pending) > 0 {
			o.transition(ctx, task, StateRetrying)
			for _, role := range pending {
				call, _ := task.call(role)
				last, _ := call.Last()
				o.metrics.RecordRetry(ctx, string(call.Capability), string(role))
				o.bus.Publish(bus.TopicCallRetrying, bus.CallEvent{
					TaskID: task.ID(), SessionID: task.Request().SessionID, Role: string(role),
					Capability: string(call.Capability), Attempt: last.Number + 1, Reason: last.Result.Message(),
				})
				shared.LoggerFrom(ctx, o.logger).Info("regenerating capability call",
					"call_role", string(role), "attempt", last.Number+1, "previous_failure", last.Result.Message())
			}
		}
	}

	o.transition(ctx, task, StateAggregating)
	res, err := Aggregate(task.Snapshot())
	if err != nil {
		return o.fail(ctx, task, newTaskError(KindCapabilityFatal, "", 0, err.Error(), err))
	}
	var advisories []*TaskError
	for _, c := range task.Snapshot().Calls {
		last, _ := c.Last()
		if !last.Result.OK() {
			advisories = append(advisories, newTaskError(KindCapabilityAdvisory, c.Role, last.Number, last.Result.Message(), nil))
		}
	}
	o.finish(ctx, task, res.Status, advisories...)
	return o.result(task, &res)
}

// attempt performs one invocation of the call with the given role.
func (o *Orchestrator) attempt(ctx context.Context, task *Task, role CallRole, window []conversation.Turn, p Policy) {
	call, ok := task.call(role)
	if !ok {
		return
	}
	number := len(call.Attempts) + 1
	var retry *capability.Retry
	if last, ok := call.Last(); ok {
		retry = nextRetry(last)
	}

	ctx = shared.WithAttempt(shared.WithCallRole(ctx, string(role)), number)
	ctx, span := otelPkg.StartClientSpan(ctx, o.tracer, "capability.call",
		otelPkg.AttrTaskID.String(task.ID()),
		otelPkg.AttrCapability.String(string(call.Capability)),
		otelPkg.AttrCallRole.String(string(role)),
		otelPkg.AttrAttempt.Int(number),
	)
	actx, cancel := context.WithTimeout(ctx, p.CallTimeout)
	defer cancel()

	req := task.Request()
	o.bus.Publish(bus.TopicCallDispatched, bus.CallEvent{
		TaskID: task.ID(), SessionID: req.SessionID, Role: string(role),
		Capability: string(call.Capability), Attempt: number,
	})

	started := o.now()
	var res capability.Result
	switch role {
	case RoleDirect:
		res = o.caps.Query(actx, capability.QueryInput{
			Question: call.Input, SessionID: req.SessionID, History: window, Attempt: number, Retry: retry,
		})
	default:
		snap := task.Snapshot()
		counterpart := snap.Control
		if role == RoleControl {
			counterpart = callInput(snap, RoleTarget)
		}
		res = o.caps.Segment(actx, capability.SegmentInput{
			Role: string(role), Cohort: call.Input, Counterpart: counterpart, Focus: snap.Focus,
			SessionID: req.SessionID, History: window, Attempt: number, Retry: retry,
		})
	}

	a := Attempt{Number: number, Input: call.Input, Result: res, StartedAt: started}
	outcome, category, reason := "success", "", ""
	if !res.OK() {
		cls := o.errs.ClassifyFailure(*res.Failure)
		a.Classification = &cls
		outcome, category, reason = string(cls.Category), string(cls.Category), string(cls.Reason)
		span.SetAttributes(otelPkg.AttrFailureCategory.String(category), attribute.String("analyst.failure.reason", reason))
	}
	task.recordAttempt(role, a)

	o.metrics.RecordAttempt(ctx, string(call.Capability), string(role), category, reason, res.Duration)
	o.bus.Publish(bus.TopicCallCompleted, bus.CallEvent{
		TaskID: task.ID(), SessionID: req.SessionID, Role: string(role), Capability: string(call.Capability),
		Attempt: number, Outcome: outcome, Reason: res.Message(), Duration: res.Duration,
	})
	if category == string(CategoryFatal) {
		otelPkg.EndSpan(span, res.Message())
	} else {
		otelPkg.EndSpan(span, "")
	}
	shared.LoggerFrom(ctx, o.logger).Debug("capability call finished",
		"capability", string(call.Capability), "outcome", outcome, "reason", reason,
		"duration_ms", res.Duration.Milliseconds())
}

func callInput(s TaskSnapshot, role CallRole) string {
	for _, c := range s.Calls {
		if c.Role == role {
			return c.Input
		}
	}
	return ""
}

func rolesOf(task *Task) []CallRole {
	snap := task.Snapshot()
	roles := make([]CallRole, 0, len(snap.Calls))
	for _, c := range snap.Calls {
		roles = append(roles, c.Role)
	}
	return roles
}

func (o *Orchestrator) transition(ctx context.Context, task *Task, s State) {
	prev, changed := task.setState(s)
	if !changed {
		return
	}
	o.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID: task.ID(), SessionID: task.Request().SessionID, OldState: string(prev), NewState: string(s),
	})
	shared.LoggerFrom(ctx, o.logger).Debug("task state changed", "from", string(prev), "to", string(s))
}

func (o *Orchestrator) fail(ctx context.Context, task *Task, e *TaskError) *AggregatedResult {
	o.finish(ctx, task, StatusFailed, e)
	snap := task.Snapshot()
	return o.result(task, &AggregatedResult{
		TaskID:    snap.ID,
		SessionID: snap.Request.SessionID,
		Ordinal:   snap.Request.Ordinal,
		Kind:      snap.Kind,
		Status:    StatusFailed,
		Attempts:  snap.MaxAttempts(),
	})
}

func (o *Orchestrator) finish(ctx context.Context, task *Task, status Status, errs ...*TaskError) {
	if !task.finish(status, o.now(), errs...) {
		return
	}
	snap := task.Snapshot()
	kinds := make([]string, 0, len(snap.Errors))
	for _, e := range snap.Errors {
		kinds = append(kinds, string(e.Kind))
	}
	o.metrics.RecordTask(ctx, string(snap.Kind), string(status), snap.Duration())
	o.bus.Publish(bus.TopicTaskTerminal, bus.TaskTerminalEvent{
		TaskID: snap.ID, SessionID: snap.Request.SessionID, Kind: string(snap.Kind),
		Status: string(status), ErrorKinds: kinds, Duration: snap.Duration(),
	})
	log := shared.LoggerFrom(ctx, o.logger)
	if status == StatusFailed {
		log.Warn("task failed", "error_kinds", kinds, "attempts", snap.MaxAttempts())
	} else {
		log.Info("task finished", "status", string(status), "attempts", snap.MaxAttempts(),
			"duration_ms", snap.Duration().Milliseconds())
	}
}

// result attaches the task's recorded errors to res.
func (o *Orchestrator) result(task *Task, res *AggregatedResult) *AggregatedResult {
	res.Errors = task.Snapshot().Errors
	return res
}

func (o *Orchestrator) record(ctx context.Context, snap TaskSnapshot, turn conversation.Turn) {
	if o.recorder == nil {
		return
	}
	// Persist with a context that outlives a cancelled request; the task has
	// already reached its terminal status.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	log := shared.LoggerFrom(ctx, o.logger)
	if err := o.recorder.RecordTask(rctx, snap); err != nil {
		log.Error("record task failed", "error", err)
	}
	if err := o.recorder.RecordTurn(rctx, snap.Request.SessionID, turn); err != nil {
		log.Error("record turn failed", "error", err)
	}
}

// Summarize asks the narrator to turn res.SummaryRequest into a report. The
// narrator must end with the completion marker; when it has not after the
// policy's turn budget, a stall is attached to res and the partial text kept.
func (o *Orchestrator) Summarize(ctx context.Context, res *AggregatedResult) error {
	if o.narrator == nil {
		return ErrNoNarrator
	}
	if res == nil || res.SummaryRequest == "" {
		return nil
	}
	p := o.Policy()
	ctx = shared.WithTaskID(shared.WithSessionID(ctx, res.SessionID), res.TaskID)
	text, turns, err := summarize(ctx, o.narrator, res.SummaryRequest, p.CompletionMarker, p.StallTurnBudget)
	res.Summary = text

	var te *TaskError
	if errors.As(err, &te) {
		res.Errors = append(res.Errors, *te)
		if te.Kind == KindStallDetected {
			o.bus.Publish(bus.TopicConversationStall, bus.StallEvent{SessionID: res.SessionID, TaskID: res.TaskID, Turns: turns})
			shared.LoggerFrom(ctx, o.logger).Warn("completion marker missing", "turns", turns, "marker", p.CompletionMarker)
		}
		return nil
	}
	return err
}

// sessionLock is a per-session mutex that can be abandoned on ctx. refs
// counts holders and waiters; the entry is dropped when it reaches zero.
type sessionLock struct {
	ch   chan struct{}
	refs int
}

// lockSession enforces one writer per session.
func (o *Orchestrator) lockSession(ctx context.Context, sessionID string) (func(), error) {
	o.locksMu.Lock()
	l, ok := o.locks[sessionID]
	if !ok {
		l = &sessionLock{ch: make(chan struct{}, 1)}
		o.locks[sessionID] = l
	}
	l.refs++
	o.locksMu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			o.unrefSession(sessionID, l)
		}, nil
	case <-ctx.Done():
		o.unrefSession(sessionID, l)
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) unrefSession(sessionID string, l *sessionLock) {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(o.locks, sessionID)
	}
}

func (o *Orchestrator) lockCount() int {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	return len(o.locks)
}

func (o *Orchestrator) storeTask(t *Task, limit int) {
	o.tasksMu.Lock()
	defer o.tasksMu.Unlock()
	o.tasks[t.ID()] = t
	o.order = append(o.order, t.ID())
	for len(o.order) > limit && limit > 0 {
		oldest := o.tasks[o.order[0]]
		if oldest != nil && !oldest.Status().Terminal() {
			break
		}
		delete(o.tasks, o.order[0])
		o.order = o.order[1:]
	}
}

// Task returns a snapshot of a task still held in memory.
func (o *Orchestrator) Task(id string) (TaskSnapshot, bool) {
	o.tasksMu.RLock()
	t, ok := o.tasks[id]
	o.tasksMu.RUnlock()
	if !ok {
		return TaskSnapshot{}, false
	}
	return t.Snapshot(), true
}

// History returns every turn of a session, across epochs. Reading an
// unknown session does not register it.
func (o *Orchestrator) History(ctx context.Context, sessionID string) ([]conversation.Turn, error) {
	return o.sessions.History(ctx, sessionID)
}

// Clear starts a new epoch for the session. Earlier turns stay in the log
// but no longer reach capabilities.
func (o *Orchestrator) Clear(ctx context.Context, sessionID string) (int, error) {
	release, err := o.lockSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	defer release()
	conv, err := o.sessions.Open(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	epoch := conv.NewEpoch()
	if o.recorder != nil {
		if err := o.recorder.RecordEpoch(ctx, sessionID, epoch); err != nil {
			shared.LoggerFrom(ctx, o.logger).Error("record epoch failed", "session_id", sessionID, "error", err)
		}
	}
	return epoch, nil
}

// StatusReport summarizes the orchestrator for CLI and health output.
type StatusReport struct {
	Sessions []string       `json:"sessions"`
	Tasks    map[Status]int `json:"tasks"`
	Active   int            `json:"active"`
	Policy   Policy         `json:"policy"`
}

// Status reports known sessions, tasks by status and the active policy.
func (o *Orchestrator) Status() StatusReport {
	rep := StatusReport{
		Sessions: o.sessions.Sessions(),
		Tasks:    make(map[Status]int),
		Policy:   o.Policy(),
	}
	o.tasksMu.RLock()
	defer o.tasksMu.RUnlock()
	for _, t := range o.tasks {
		s := t.Status()
		rep.Tasks[s]++
		if !s.Terminal() {
			rep.Active++
		}
	}
	return rep
}

// Close rejects new submissions and waits for in-flight ones to finish or
// for ctx to expire.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.closeMu.Lock()
	o.closed = true
	o.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
