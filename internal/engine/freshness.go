// Package engine runs a bound plan: the freshness evaluator decides which
// rules actually need to run, and the scheduler drives a bounded worker
// pool over the dependency graph.
package engine

import (
	"context"

	"go.uber.org/zap"

	"womflow/internal/config"
	"womflow/internal/fsx"
	"womflow/internal/model"
	"womflow/internal/store"
)

// Decision is the outcome of a freshness evaluation.
type Decision int

const (
	// DecisionNotReady: some input is missing; the rule cannot run.
	DecisionNotReady Decision = iota

	// DecisionMustRun: inputs are ready and outputs are stale or absent.
	DecisionMustRun

	// DecisionAlreadySatisfied: outputs are fresh and the input provenance
	// matches the previous successful run; skip the callback.
	DecisionAlreadySatisfied
)

func (d Decision) String() string {
	switch d {
	case DecisionNotReady:
		return "NOT_READY"
	case DecisionMustRun:
		return "MUST_RUN"
	case DecisionAlreadySatisfied:
		return "ALREADY_SATISFIED"
	default:
		return "UNKNOWN"
	}
}

// Freshness evaluates rule readiness and output staleness against the
// filesystem and the modification ledger.
type Freshness struct {
	st  *store.Store
	cfg *config.Config
	log *zap.Logger
}

// NewFreshness creates an evaluator.
func NewFreshness(st *store.Store, cfg *config.Config, logger *zap.Logger) *Freshness {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Freshness{st: st, cfg: cfg, log: logger}
}

// Evaluate decides whether the rule is not ready, must run, or is already
// satisfied. Callers invoke it only once every predecessor has completed.
func (f *Freshness) Evaluate(ctx context.Context, rule *model.Rule, executionID int64) (Decision, error) {
	ready, err := f.inputsReady(ctx, rule)
	if err != nil {
		return DecisionNotReady, err
	}
	if !ready {
		rule.State = model.StateNotReady
		return DecisionNotReady, nil
	}
	rule.State = model.StateReady

	satisfied, err := f.alreadySatisfied(ctx, rule, executionID)
	if err != nil {
		return DecisionMustRun, err
	}
	if satisfied {
		return DecisionAlreadySatisfied, nil
	}
	return DecisionMustRun, nil
}

// inputsReady checks every declared input. Files must exist on disk; tables
// must have a modification row and, under the rows policy, at least one row.
// In dry-run mode missing files do not block: the rule reports "must run"
// without being invoked.
func (f *Freshness) inputsReady(ctx context.Context, rule *model.Rule) (bool, error) {
	for _, in := range rule.InputFiles() {
		if !fsx.Exists(in.Path) {
			if f.cfg.DryRun {
				continue
			}
			f.log.Debug("input file not ready", zap.String("rule", rule.Name), zap.String("path", in.Path))
			return false, nil
		}
	}
	for _, in := range rule.InputTables() {
		mod, err := f.st.GetModification(ctx, in.TableName)
		if err != nil {
			return false, err
		}
		if mod == nil {
			f.log.Debug("input table has no modification row", zap.String("rule", rule.Name), zap.String("table", in.TableName))
			return false, nil
		}
		if f.cfg.TableReadyRequiresRows && !f.cfg.DryRun {
			n, err := f.st.TableCount(ctx, in.TableName)
			if err != nil {
				return false, err
			}
			if n == 0 {
				f.log.Debug("input table is empty", zap.String("rule", rule.Name), zap.String("table", in.TableName))
				return false, nil
			}
		}
	}
	return true, nil
}

// alreadySatisfied reports whether the rule's outputs are fresh: they exist,
// every output is strictly more recent than every input (a tie reruns), and
// the current input provenance matches the most recent successful run.
func (f *Freshness) alreadySatisfied(ctx context.Context, rule *model.Rule, executionID int64) (bool, error) {
	outFiles, outTables := rule.OutputFiles(), rule.OutputTables()
	if len(outFiles) == 0 && len(outTables) == 0 {
		// a sink rule has nothing to be fresh against
		return false, nil
	}

	var newestInput, oldestOutput int64
	newestInput = -1
	oldestOutput = -1

	for _, in := range rule.InputFiles() {
		mtime, err := fsx.MtimeMillis(in.Path)
		if err != nil {
			return false, nil // missing input in dry-run; cannot be satisfied
		}
		if mtime > newestInput {
			newestInput = mtime
		}
	}
	for _, in := range rule.InputTables() {
		mod, err := f.st.GetModification(ctx, in.TableName)
		if err != nil {
			return false, err
		}
		if mod == nil {
			return false, nil
		}
		if mod.ModifiedAt > newestInput {
			newestInput = mod.ModifiedAt
		}
	}

	for _, out := range outFiles {
		mtime, err := fsx.MtimeMillis(out.Path)
		if err != nil {
			return false, nil // output missing: must run
		}
		if oldestOutput == -1 || mtime < oldestOutput {
			oldestOutput = mtime
		}
	}
	for _, out := range outTables {
		n, err := f.st.TableCount(ctx, out.TableName)
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil // output table empty: must run
		}
		mod, err := f.st.GetModification(ctx, out.TableName)
		if err != nil {
			return false, err
		}
		if mod == nil {
			return false, nil
		}
		if oldestOutput == -1 || mod.ModifiedAt < oldestOutput {
			oldestOutput = mod.ModifiedAt
		}
	}

	// strict: a tie means the inputs may have changed under us
	if newestInput >= oldestOutput {
		return false, nil
	}
	return f.provenanceMatches(ctx, rule, executionID)
}

// provenanceMatches compares the current input stamps against those recorded
// by the most recent successful run of the same rule name.
func (f *Freshness) provenanceMatches(ctx context.Context, rule *model.Rule, executionID int64) (bool, error) {
	prov, err := f.st.LastRunProvenance(ctx, rule.Name, executionID)
	if err != nil {
		return false, err
	}
	if prov == nil {
		return false, nil
	}

	inFiles, inTables := rule.InputFiles(), rule.InputTables()
	if len(prov.Files) != len(inFiles) || len(prov.Tables) != len(inTables) {
		return false, nil
	}
	for _, in := range inFiles {
		stamp, ok := prov.Files[in.Path]
		if !ok || stamp.UsedAt == nil || stamp.Size == nil {
			return false, nil
		}
		mtime, size, err := fsx.Stat(in.Path)
		if err != nil {
			return false, nil
		}
		if *stamp.UsedAt != mtime || *stamp.Size != size {
			return false, nil
		}
	}
	for _, in := range inTables {
		usedAt, ok := prov.Tables[in.Model]
		if !ok || usedAt == nil {
			return false, nil
		}
		mod, err := f.st.GetModification(ctx, in.TableName)
		if err != nil {
			return false, err
		}
		if mod == nil || mod.ModifiedAt != *usedAt {
			return false, nil
		}
	}
	return true, nil
}
