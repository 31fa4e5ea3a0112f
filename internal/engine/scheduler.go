package engine

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"womflow/internal/bind"
	"womflow/internal/config"
	"womflow/internal/dag"
	"womflow/internal/fsx"
	"womflow/internal/model"
	"womflow/internal/store"
	"womflow/internal/tool"
	"womflow/internal/womerror"
)

// Scheduler states / terminal results.
const (
	StatusDone      = model.ExecutionDone
	StatusFailed    = model.ExecutionFailed
	StatusCancelled = model.ExecutionCancelled
)

// Result summarizes one scheduled execution.
type Result struct {
	Status   string // DONE, FAILED or CANCELLED
	Statuses map[string]model.Status
}

// Rules returns the rule names in the result, sorted.
func (r *Result) Rules() []string {
	names := make([]string, 0, len(r.Statuses))
	for name := range r.Statuses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Failed reports whether any rule ended in EXECUTION_ERROR.
func (r *Result) Failed() []string {
	var out []string
	for _, name := range r.Rules() {
		if r.Statuses[name] == model.StatusExecutionError {
			out = append(out, name)
		}
	}
	return out
}

func (r *Result) allSucceeded() bool {
	for _, st := range r.Statuses {
		if st != model.StatusExecuted && st != model.StatusAlreadyExecuted {
			return false
		}
	}
	return true
}

// Scheduler drives a bounded worker pool over the dependency graph.
type Scheduler struct {
	st    *store.Store
	cfg   *config.Config
	fresh *Freshness
	log   *zap.Logger
}

// NewScheduler creates a scheduler.
func NewScheduler(st *store.Store, cfg *config.Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		st:    st,
		cfg:   cfg,
		fresh: NewFreshness(st, cfg, logger),
		log:   logger,
	}
}

type completion struct {
	name   string
	status model.Status
	err    error // fatal (persistence) errors only
}

// Run executes the plan. Workers pick ready rules, meaning rules whose every
// predecessor completed with EXECUTED or ALREADY_EXECUTED, until nothing is
// running and nothing can become ready. Cancellation is cooperative:
// in-flight callbacks finish, no new rules are picked.
func (s *Scheduler) Run(ctx context.Context, plan *bind.Plan, graph *dag.Graph) (*Result, error) {
	result := &Result{Status: StatusDone, Statuses: make(map[string]model.Status, len(plan.Rules))}

	pending := make(map[string]*model.Rule, len(plan.Rules))
	for _, r := range plan.Rules {
		pending[r.Name] = r
	}
	completed := make(map[string]model.Status, len(plan.Rules))

	var eg errgroup.Group
	workers := s.cfg.WorkerCount
	if workers < 1 {
		workers = 1
	}
	eg.SetLimit(workers)

	// Buffered so a worker never blocks handing in its completion; the
	// dispatch loop may itself be blocked waiting for a pool slot.
	done := make(chan completion, len(plan.Rules))

	running := 0
	cancelled := false
	var fatal error

	for {
		if !cancelled && ctx.Err() != nil {
			cancelled = true
			s.log.Info("cancellation requested, letting in-flight rules finish")
		}
		if !cancelled && fatal == nil {
			for _, rule := range s.readyRules(pending, completed, graph) {
				delete(pending, rule.Name)
				running++
				eg.Go(func() error {
					status, err := s.runRule(ctx, rule, plan)
					done <- completion{name: rule.Name, status: status, err: err}
					return nil
				})
			}
		}
		if running == 0 {
			break
		}
		c := <-done
		running--
		completed[c.name] = c.status
		result.Statuses[c.name] = c.status
		if c.err != nil && fatal == nil {
			fatal = c.err
		}
	}
	_ = eg.Wait()

	// finalization must outlive cancellation: the terminal statuses are
	// what the next run's freshness checks read
	ctx = context.WithoutCancel(ctx)

	if fatal != nil {
		_ = s.finishExecution(ctx, plan, StatusFailed)
		return nil, fatal
	}

	// Everything left in pending never became ready: a predecessor failed
	// or an input never appeared.
	for name, rule := range pending {
		rule.Status = model.StatusNotPlanned
		result.Statuses[name] = model.StatusNotPlanned
		if !s.cfg.DryRun {
			if err := s.st.UpdateRuleStatus(ctx, rule.ID, model.StatusNotPlanned); err != nil {
				return nil, err
			}
		}
	}

	switch {
	case cancelled:
		result.Status = StatusCancelled
	case result.allSucceeded():
		result.Status = StatusDone
	default:
		result.Status = StatusFailed
	}
	if err := s.finishExecution(ctx, plan, result.Status); err != nil {
		return nil, err
	}

	s.log.Info("workflow finished",
		zap.String("status", result.Status),
		zap.Int("rules", len(plan.Rules)),
		zap.Strings("failed", result.Failed()))
	return result, nil
}

func (s *Scheduler) finishExecution(ctx context.Context, plan *bind.Plan, status string) error {
	return s.st.FinishExecution(ctx, plan.Execution.ID, status, time.Now())
}

// readyRules returns pending rules whose predecessors all completed
// successfully, in plan order for determinism at W=1.
func (s *Scheduler) readyRules(pending map[string]*model.Rule, completed map[string]model.Status, graph *dag.Graph) []*model.Rule {
	var ready []*model.Rule
	for _, name := range graph.Names() {
		rule, ok := pending[name]
		if !ok {
			continue
		}
		ok = true
		for _, pred := range graph.Predecessors(name) {
			st, finished := completed[pred]
			if !finished || (st != model.StatusExecuted && st != model.StatusAlreadyExecuted) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, rule)
		}
	}
	return ready
}

// runRule executes one picked rule. The returned error is fatal to the
// whole scheduler (persistence only); callback failures are folded into the
// rule status.
func (s *Scheduler) runRule(ctx context.Context, rule *model.Rule, plan *bind.Plan) (model.Status, error) {
	// only the callback observes cancellation; bookkeeping for a rule that
	// was already picked still has to land
	pctx := context.WithoutCancel(ctx)

	decision, err := s.fresh.Evaluate(pctx, rule, plan.Execution.ID)
	if err != nil {
		return model.StatusExecutionError, err
	}

	switch decision {
	case DecisionNotReady:
		// predecessors completed, yet an input is still missing
		s.log.Warn("rule has unready inputs", zap.String("rule", rule.Name))
		rule.Status = model.StatusNotExecuted
		return model.StatusNotExecuted, nil

	case DecisionAlreadySatisfied:
		now := time.Now()
		zero := int64(0)
		rule.StartedAt, rule.FinishedAt, rule.DurationMS = &now, &now, &zero
		rule.Status = model.StatusAlreadyExecuted
		s.log.Info("rule already satisfied, skipping", zap.String("rule", rule.Name))
		if !s.cfg.DryRun {
			if err := s.st.UpdateRuleRun(pctx, rule); err != nil {
				return rule.Status, err
			}
		}
		return rule.Status, nil
	}

	if s.cfg.DryRun {
		// simulated run: no callback, nothing persisted
		s.log.Info("dry-run: would execute rule", zap.String("rule", rule.Name), zap.String("tool", rule.Tool))
		rule.Status = model.StatusExecuted
		return rule.Status, nil
	}

	started := time.Now()
	rule.StartedAt = &started
	if err := s.recordInputProvenance(pctx, rule); err != nil {
		return s.failRule(pctx, rule, started, err)
	}

	session := s.st.NewSession()
	defer session.Close()
	handle := tool.NewHandle(rule, plan.Specs[rule.Name], session, s.log)

	s.log.Info("executing rule", zap.String("rule", rule.Name), zap.String("tool", rule.Tool))
	runErr := s.invoke(ctx, plan.Tools[rule.Name], handle)
	if runErr == nil && session.Something() {
		// commit whatever the callback left buffered
		runErr = session.Commit(pctx)
	}
	if runErr != nil {
		session.Rollback()
		return s.failRule(pctx, rule, started, runErr)
	}

	if err := s.recordOutputs(pctx, rule); err != nil {
		return s.failRule(pctx, rule, started, err)
	}

	finished := time.Now()
	duration := finished.Sub(started).Milliseconds()
	rule.FinishedAt = &finished
	rule.DurationMS = &duration
	rule.Status = model.StatusExecuted
	if err := s.st.UpdateRuleRun(pctx, rule); err != nil {
		return rule.Status, err
	}
	s.log.Info("rule executed",
		zap.String("rule", rule.Name),
		zap.Int64("duration_ms", duration))
	return rule.Status, nil
}

// invoke runs the callback, turning panics into ExecutionFailure errors.
func (s *Scheduler) invoke(ctx context.Context, t tool.Tool, h *tool.Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = womerror.Newf(womerror.ExecutionFailure, "rule panicked: %v", r)
		}
	}()
	if err := t.Run(ctx, h); err != nil {
		return womerror.Wrap(womerror.ExecutionFailure, err, "rule callback failed")
	}
	return nil
}

// failRule records an EXECUTION_ERROR outcome. Persistence errors while
// recording the failure are fatal and take precedence.
func (s *Scheduler) failRule(ctx context.Context, rule *model.Rule, started time.Time, cause error) (model.Status, error) {
	finished := time.Now()
	duration := finished.Sub(started).Milliseconds()
	rule.FinishedAt = &finished
	rule.DurationMS = &duration
	rule.Status = model.StatusExecutionError
	s.log.Error("rule failed", zap.String("rule", rule.Name), zap.Error(cause))
	if womerror.IsKind(cause, womerror.PersistenceFailure) {
		return rule.Status, cause
	}
	if err := s.st.UpdateRuleRun(ctx, rule); err != nil {
		return rule.Status, err
	}
	return rule.Status, nil
}

// recordInputProvenance stamps the input descriptors with the mtimes and
// sizes observed right before the run. These stamps are the provenance a
// future freshness check compares against.
func (s *Scheduler) recordInputProvenance(ctx context.Context, rule *model.Rule) error {
	for _, in := range rule.InputFiles() {
		mtime, size, err := fsx.Stat(in.Path)
		if err != nil {
			return womerror.Newf(womerror.FileNotFound,
				"the input file %s of rule %s doesn't exist", in.Path, rule.Name)
		}
		in.MtimeMillis, in.Size, in.UsedAt = &mtime, &size, &mtime
		if err := s.st.UpdateFileStats(ctx, in); err != nil {
			return err
		}
	}
	for _, in := range rule.InputTables() {
		mod, err := s.st.GetModification(ctx, in.TableName)
		if err != nil {
			return err
		}
		if mod == nil {
			return womerror.Newf(womerror.PersistenceFailure,
				"no modification row for input table %s of rule %s", in.TableName, rule.Name)
		}
		usedAt := mod.ModifiedAt
		in.UsedAt = &usedAt
		if err := s.st.UpdateTableUsedAt(ctx, in); err != nil {
			return err
		}
	}
	return nil
}

// recordOutputs refreshes output stamps after a successful run and bumps the
// modification ledger so downstream freshness sees the change.
func (s *Scheduler) recordOutputs(ctx context.Context, rule *model.Rule) error {
	for _, out := range rule.OutputFiles() {
		mtime, size, err := fsx.Stat(out.Path)
		if err != nil {
			return womerror.Newf(womerror.FileNotFound,
				"the output file %s of rule %s doesn't exist after execution", out.Path, rule.Name)
		}
		out.MtimeMillis, out.Size, out.UsedAt = &mtime, &size, &mtime
		if err := s.st.UpdateFileStats(ctx, out); err != nil {
			return err
		}
	}
	now := time.Now().UnixMilli()
	for _, out := range rule.OutputTables() {
		prev, err := s.st.GetModification(ctx, out.TableName)
		if err != nil {
			return err
		}
		at := now
		if prev != nil && at <= prev.ModifiedAt {
			// clocks are millisecond-grained; keep the ledger strictly monotonic
			at = prev.ModifiedAt + 1
		}
		if err := s.st.TouchModification(ctx, out.TableName, at); err != nil {
			return err
		}
		out.UsedAt = &at
		if err := s.st.UpdateTableUsedAt(ctx, out); err != nil {
			return err
		}
	}
	return nil
}
