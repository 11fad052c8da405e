// Package engine runs one execution: admission against the usage ledger,
// dependency-ordered node dispatch with retries, incremental persistence of
// node results and the final summary.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/autoflow/internal/apperr"
	"github.com/edvin/autoflow/internal/core"
	"github.com/edvin/autoflow/internal/graph"
	"github.com/edvin/autoflow/internal/metrics"
	"github.com/edvin/autoflow/internal/model"
	"github.com/edvin/autoflow/internal/nodes"
	"github.com/edvin/autoflow/internal/template"
)

type ExecutionStore interface {
	Get(ctx context.Context, id string) (*model.Execution, error)
	MarkRunning(ctx context.Context, id string) (bool, error)
	Complete(ctx context.Context, id string, p core.CompleteParams) error
	FailQueued(ctx context.Context, id, reason string, summary *model.Summary) error
	CancelRequested(ctx context.Context, id string) (bool, error)
	AppendNodeResult(ctx context.Context, r *model.NodeResult) error
}

type Ledger interface {
	CheckAdmission(ctx context.Context, userID, metric string) error
	IncrementUsage(ctx context.Context, userID, metric string, amount int64) error
}

type Options struct {
	Retry   RetryPolicy
	Limiter *UserLimiter
	// Sleep waits between retry attempts.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Engine struct {
	store    ExecutionStore
	ledger   Ledger
	registry *nodes.Registry
	retry    RetryPolicy
	limiter  *UserLimiter
	sleep    func(ctx context.Context, d time.Duration) error
	logger   zerolog.Logger
	now      func() time.Time
}

func New(store ExecutionStore, ledger Ledger, registry *nodes.Registry, opts Options, logger zerolog.Logger) *Engine {
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Limiter == nil {
		opts.Limiter = NewUserLimiter(DefaultMaxConcurrentPerUser)
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Engine{
		store:    store,
		ledger:   ledger,
		registry: registry,
		retry:    opts.Retry,
		limiter:  opts.Limiter,
		sleep:    opts.Sleep,
		logger:   logger.With().Str("component", "engine").Logger(),
		now:      time.Now,
	}
}

// Outcome is the terminal state of a run.
type Outcome struct {
	ExecutionID string         `json:"execution_id"`
	Status      string         `json:"status"`
	Summary     *model.Summary `json:"summary,omitempty"`
}

// Run executes a queued execution to a terminal status. Executions that are
// no longer queued are left alone, so a redelivered run is harmless. Node
// failures end up in the record; only persistence failures of the
// execution row itself are returned.
func (e *Engine) Run(ctx context.Context, executionID string) (*Outcome, error) {
	exec, err := e.store.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	log := e.logger.With().Str("execution_id", exec.ID).Str("workflow_id", exec.WorkflowID).Str("user_id", exec.UserID).Logger()
	if exec.Status != model.ExecutionQueued {
		log.Info().Str("status", exec.Status).Msg("execution is not queued, nothing to run")
		return &Outcome{ExecutionID: exec.ID, Status: exec.Status, Summary: exec.Summary}, nil
	}

	plan, kinds, err := e.compile(exec.Graph)
	if err != nil {
		return e.reject(ctx, log, exec, err, "Workflow graph is invalid")
	}

	release, err := e.limiter.Acquire(ctx, exec.UserID)
	if err != nil {
		return nil, fmt.Errorf("wait for execution slot: %w", err)
	}
	defer release()

	// Admission runs once the slot is held, so usage recorded by runs that
	// finished while this one waited counts.
	if err := e.admit(ctx, exec, kinds); err != nil {
		return e.reject(ctx, log, exec, err, "Execution was not started")
	}

	ok, err := e.store.MarkRunning(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Info().Msg("execution left queued status before it started")
		current, err := e.store.Get(ctx, exec.ID)
		if err != nil {
			return nil, err
		}
		return &Outcome{ExecutionID: current.ID, Status: current.Status, Summary: current.Summary}, nil
	}

	start := e.now()
	log.Info().Int("nodes", len(plan.Order)).Msg("execution started")

	r := newRun(e, exec, plan, kinds, log)
	r.execute(ctx)

	status, summary := r.outcome()
	duration := e.now().Sub(start).Milliseconds()
	params := core.CompleteParams{
		Status:      status,
		DurationMs:  duration,
		FinalOutput: r.finalOutput(),
		Summary:     summary,
	}
	if status == model.ExecutionFailed {
		msg := summary.Message
		params.Error = &msg
	}
	if err := e.store.Complete(ctx, exec.ID, params); err != nil {
		return nil, err
	}
	metrics.ExecutionsTotal.WithLabelValues(status).Inc()
	log.Info().Str("status", status).Int64("duration_ms", duration).Int("failed", summary.NodesFailed).Int("skipped", summary.NodesSkipped).Msg("execution finished")

	e.recordUsage(ctx, log, exec.UserID, summary.CreditsUsed)
	return &Outcome{ExecutionID: exec.ID, Status: status, Summary: summary}, nil
}

func (e *Engine) compile(g model.Graph) (*graph.Plan, map[string]*nodes.Kind, error) {
	plan, err := graph.Build(g)
	if err != nil {
		return nil, nil, err
	}
	kinds, err := e.registry.Compile(g)
	if err != nil {
		return nil, nil, err
	}
	return plan, kinds, nil
}

// admit checks the execution quota, and the AI credit quota when the graph
// holds an AI node.
func (e *Engine) admit(ctx context.Context, exec *model.Execution, kinds map[string]*nodes.Kind) error {
	if err := e.ledger.CheckAdmission(ctx, exec.UserID, model.MetricExecutions); err != nil {
		return err
	}
	for _, k := range kinds {
		if k.UsesAI {
			return e.ledger.CheckAdmission(ctx, exec.UserID, model.MetricCredits)
		}
	}
	return nil
}

func (e *Engine) reject(ctx context.Context, log zerolog.Logger, exec *model.Execution, cause error, headline string) (*Outcome, error) {
	log.Warn().Err(cause).Str("kind", string(apperr.KindOf(cause))).Msg("execution rejected before start")
	summary := &model.Summary{
		Status:    model.ExecutionFailed,
		Message:   fmt.Sprintf("%s. %s.", headline, strings.TrimSuffix(apperr.UserMessage(cause), ".")),
		ErrorKind: string(apperr.KindOf(cause)),
	}
	if err := e.store.FailQueued(ctx, exec.ID, cause.Error(), summary); err != nil {
		if apperr.Is(err, apperr.KindInvalidTransition) {
			return &Outcome{ExecutionID: exec.ID, Status: exec.Status}, nil
		}
		return nil, err
	}
	metrics.ExecutionsTotal.WithLabelValues(model.ExecutionFailed).Inc()
	return &Outcome{ExecutionID: exec.ID, Status: model.ExecutionFailed, Summary: summary}, nil
}

// recordUsage charges the execution and its AI credits. Ledger errors are
// logged and dropped; the execution already finished.
func (e *Engine) recordUsage(ctx context.Context, log zerolog.Logger, userID string, credits int64) {
	if err := e.ledger.IncrementUsage(ctx, userID, model.MetricExecutions, 1); err != nil {
		log.Error().Err(err).Msg("record execution usage")
	}
	if credits > 0 {
		if err := e.ledger.IncrementUsage(ctx, userID, model.MetricCredits, credits); err != nil {
			log.Error().Err(err).Int64("credits", credits).Msg("record credit usage")
		}
	}
}

// run is the state of one graph traversal.
type run struct {
	engine *Engine
	exec   *model.Execution
	plan   *graph.Plan
	kinds  map[string]*nodes.Kind
	log    zerolog.Logger

	mu        sync.Mutex
	seq       int
	results   map[string]*model.NodeResult
	outputs   map[string]map[string]any
	errs      map[string]error
	credits   int64
	cancelled bool
	done      map[string]chan struct{}
}

func newRun(e *Engine, exec *model.Execution, plan *graph.Plan, kinds map[string]*nodes.Kind, log zerolog.Logger) *run {
	r := &run{
		engine:  e,
		exec:    exec,
		plan:    plan,
		kinds:   kinds,
		log:     log,
		results: map[string]*model.NodeResult{},
		outputs: map[string]map[string]any{},
		errs:    map[string]error{},
		done:    make(map[string]chan struct{}, len(plan.Order)),
	}
	for _, id := range plan.Order {
		r.done[id] = make(chan struct{})
	}
	return r
}

// execute starts one goroutine per node. A node waits for all of its
// predecessors, so independent branches run concurrently while each chain
// stays ordered.
func (r *run) execute(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range r.plan.Order {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(r.done[id])
			for _, pred := range r.plan.Predecessors[id] {
				<-r.done[pred]
			}
			r.runNode(ctx, id)
		}()
	}
	wg.Wait()
}

func (r *run) runNode(ctx context.Context, id string) {
	node, _ := r.exec.Graph.NodeByID(id)
	kind := r.kinds[id]

	if reason, skip := r.blockedBy(node); skip {
		r.record(ctx, node, kind, model.NodeSkipped, nil, nil, 0, 0, []model.LogEntry{{
			Level: model.LogInfo, Message: reason, Timestamp: r.engine.now().UTC(),
		}})
		return
	}
	if r.cancelRequested(ctx) {
		r.record(ctx, node, kind, model.NodeSkipped, nil, nil, 0, 0, []model.LogEntry{{
			Level: model.LogInfo, Message: "execution cancelled", Timestamp: r.engine.now().UTC(),
		}})
		return
	}

	start := r.engine.now()
	out, attempts, logs, err := r.invoke(ctx, node, kind)
	elapsed := r.engine.now().Sub(start)
	metrics.NodeDuration.WithLabelValues(kind.Name).Observe(elapsed.Seconds())

	if err != nil {
		r.record(ctx, node, kind, model.NodeFailed, nil, err, attempts, elapsed.Milliseconds(), logs.Entries())
		return
	}
	r.mu.Lock()
	r.credits += out.CreditsUsed
	r.mu.Unlock()
	r.record(ctx, node, kind, model.NodeSuccess, out.Data, nil, attempts, elapsed.Milliseconds(), logs.Entries())
}

// blockedBy reports whether a predecessor outcome prevents node from running.
func (r *run) blockedBy(node model.Node) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pred := range r.plan.Predecessors[node.ID] {
		res := r.results[pred]
		if res == nil {
			continue
		}
		switch res.Status {
		case model.NodeSkipped:
			return fmt.Sprintf("skipped because upstream node %q was skipped", res.NodeName), true
		case model.NodeFailed:
			predNode, _ := r.exec.Graph.NodeByID(pred)
			if !predNode.ContinueOnFail {
				return fmt.Sprintf("skipped because upstream node %q failed", res.NodeName), true
			}
		}
	}
	return "", false
}

// cancelRequested checks the persisted cancellation flag once per node
// dispatch and latches it.
func (r *run) cancelRequested(ctx context.Context) bool {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return true
	}
	r.mu.Unlock()

	requested, err := r.engine.store.CancelRequested(ctx, r.exec.ID)
	if err != nil {
		r.log.Warn().Err(err).Msg("check cancellation")
		return false
	}
	if requested {
		r.mu.Lock()
		r.cancelled = true
		r.mu.Unlock()
	}
	return requested
}

// invoke prepares the node config and calls the kind with retries.
func (r *run) invoke(ctx context.Context, node model.Node, kind *nodes.Kind) (*nodes.Output, int, *nodes.Logs, error) {
	logs := nodes.NewLogs()
	cfg, err := kind.Schema.Prepare(node.Config)
	if err != nil {
		return nil, 0, logs, apperr.Wrap(apperr.KindConfiguration, err, "prepare config")
	}
	resolver := template.NewResolver(r.scope())
	resolved := resolver.ResolveConfig(cfg)
	if len(resolver.Missing) > 0 {
		logs.Warn("unresolved template references", map[string]any{"paths": resolver.Missing})
	}
	if err := kind.Schema.Check(resolved); err != nil {
		logs.Error(apperr.UserMessage(err), nil)
		return nil, 0, logs, err
	}

	policy := r.engine.retry
	for attempt := 1; ; attempt++ {
		out, err := kind.Execute(ctx, &nodes.Input{
			ExecutionID: r.exec.ID,
			WorkflowID:  r.exec.WorkflowID,
			UserID:      r.exec.UserID,
			NodeID:      node.ID,
			Config:      resolved,
			Trigger:     r.exec.TriggerPayload,
			TestMode:    r.exec.TestMode,
			Log:         logs,
		})
		if err == nil {
			if out == nil {
				out = &nodes.Output{}
			}
			return out, attempt, logs, nil
		}
		if attempt >= policy.MaxAttempts || !policy.Retryable(err) || ctx.Err() != nil {
			logs.Error(err.Error(), map[string]any{"attempt": attempt, "kind": string(apperr.KindOf(err))})
			return nil, attempt, logs, err
		}
		wait := policy.wait(attempt)
		logs.Warn("attempt failed, retrying", map[string]any{"attempt": attempt, "error": err.Error(), "wait_ms": wait.Milliseconds()})
		if serr := r.engine.sleep(ctx, wait); serr != nil {
			return nil, attempt, logs, errors.Join(err, serr)
		}
	}
}

// scope is the template data visible to a node: the trigger payload under
// "trigger" plus every completed node's output under its id.
func (r *run) scope() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	scope := make(map[string]any, len(r.outputs)+1)
	for id, out := range r.outputs {
		scope[id] = out
	}
	scope["trigger"] = r.exec.TriggerPayload
	return scope
}

// record persists a node result before the node's dependents are released.
func (r *run) record(ctx context.Context, node model.Node, kind *nodes.Kind, status string, data map[string]any, cause error, attempts int, durationMs int64, logs []model.LogEntry) {
	res := &model.NodeResult{
		ExecutionID: r.exec.ID,
		NodeID:      node.ID,
		NodeName:    node.DisplayName(),
		NodeKind:    kind.Name,
		Status:      status,
		OutputData:  data,
		Attempts:    attempts,
		DurationMs:  durationMs,
		Logs:        logs,
	}
	if cause != nil {
		msg := apperr.UserMessage(cause)
		res.Error = &msg
	}

	r.mu.Lock()
	r.seq++
	res.Seq = r.seq
	r.results[node.ID] = res
	if status == model.NodeSuccess {
		r.outputs[node.ID] = data
	}
	if cause != nil {
		r.errs[node.ID] = cause
	}
	r.mu.Unlock()

	if err := r.engine.store.AppendNodeResult(ctx, res); err != nil {
		r.log.Error().Err(err).Str("node_id", node.ID).Msg("persist node result")
	}

	metrics.NodeRunsTotal.WithLabelValues(kind.Name, status).Inc()
}

func (r *run) outcome() (string, *model.Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &model.Summary{CreditsUsed: r.credits}
	var firstFailed string
	for _, id := range r.plan.Order {
		res := r.results[id]
		switch res.Status {
		case model.NodeSuccess:
			s.NodesRun++
		case model.NodeFailed:
			s.NodesRun++
			s.NodesFailed++
			if firstFailed == "" {
				firstFailed = id
			}
		case model.NodeSkipped:
			s.NodesSkipped++
		}
	}

	switch {
	case firstFailed != "":
		s.Status = model.ExecutionFailed
		s.FailedAtNode = firstFailed
		res := r.results[firstFailed]
		cause := r.errs[firstFailed]
		s.ErrorKind = string(apperr.KindOf(cause))
		s.Message = fmt.Sprintf("Execution stopped at node %s. %s.", res.NodeName, strings.TrimSuffix(apperr.UserMessage(cause), "."))
	case r.cancelled:
		s.Status = model.ExecutionCancelled
		s.ErrorKind = string(apperr.KindCancelled)
		s.Message = fmt.Sprintf("Execution was cancelled after %d of %d nodes.", s.NodesRun, len(r.plan.Order))
	default:
		s.Status = model.ExecutionSuccess
		s.Message = fmt.Sprintf("All %d nodes completed successfully.", s.NodesRun)
	}
	return s.Status, s
}

// finalOutput is the single leaf's output, or the outputs of all
// successful leaves keyed by node id.
func (r *run) finalOutput() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	leaves := r.plan.Leaves()
	if len(leaves) == 1 {
		if out, ok := r.outputs[leaves[0]]; ok {
			return out
		}
		return nil
	}
	out := map[string]any{}
	for _, id := range leaves {
		if data, ok := r.outputs[id]; ok {
			out[id] = data
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
