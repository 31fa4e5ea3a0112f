// Package bind materializes a parsed definition into persisted rule rows:
// it resolves tool identifiers through the registry, binds file and table
// descriptors, seeds the freshness ledger, and verifies the declared shape
// of every rule before anything is committed.
package bind

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"womflow/internal/config"
	"womflow/internal/definition"
	"womflow/internal/fsx"
	"womflow/internal/model"
	"womflow/internal/store"
	"womflow/internal/tool"
	"womflow/internal/womerror"
)

// Plan is the bound, committed rule set handed to the scheduler.
type Plan struct {
	Execution *model.Execution
	Rules     []*model.Rule

	// Tools and Specs are keyed by rule name.
	Tools map[string]tool.Tool
	Specs map[string]map[string]tool.Spec
}

// Binder turns rule blocks into a Plan.
type Binder struct {
	st     *store.Store
	tools  *tool.Registry
	models *model.Registry
	cfg    *config.Config
	log    *zap.Logger
}

// New creates a binder.
func New(st *store.Store, tools *tool.Registry, models *model.Registry, cfg *config.Config, logger *zap.Logger) *Binder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Binder{st: st, tools: tools, models: models, cfg: cfg, log: logger}
}

// Bind binds a whole definition under one execution row. On any failure the
// transaction is rolled back and no rule rows remain.
func (b *Binder) Bind(ctx context.Context, doc *definition.Document) (*Plan, error) {
	session := b.st.NewSession()
	defer session.Close()

	exec := &model.Execution{
		UUID:      uuid.NewString(),
		StartedAt: time.Now(),
		Status:    model.ExecutionRunning,
	}
	session.InsertExecution(exec)

	plan := &Plan{
		Execution: exec,
		Tools:     make(map[string]tool.Tool),
		Specs:     make(map[string]map[string]tool.Spec),
	}
	for _, block := range doc.Rules {
		rule, t, specs, err := b.bindRule(ctx, session, block)
		if err != nil {
			session.Rollback()
			return nil, err
		}
		session.InsertRule(exec, rule)
		plan.Rules = append(plan.Rules, rule)
		plan.Tools[rule.Name] = t
		plan.Specs[rule.Name] = specs
	}

	if err := session.Commit(ctx); err != nil {
		return nil, err
	}
	b.log.Debug("workflow bound",
		zap.String("execution", exec.UUID),
		zap.Int("rules", len(plan.Rules)))
	return plan, nil
}

// Materialize builds the rule set of a definition without persisting
// anything: no execution row, no rule rows, no ledger seeding, no table DDL.
// Tool resolution and content checks still apply, so the result is exactly
// what Bind would commit.
func (b *Binder) Materialize(ctx context.Context, doc *definition.Document) ([]*model.Rule, error) {
	var rules []*model.Rule
	for _, block := range doc.Rules {
		rule, _, _, err := b.bindRule(ctx, nil, block)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// BindSingle binds one rule whose inputs, outputs and params are supplied
// directly by the caller instead of a definition file.
func (b *Binder) BindSingle(ctx context.Context, toolID string, inputFiles, inputTables, outputFiles, outputTables, params map[string]string) (*Plan, error) {
	block := &definition.RuleBlock{
		Name:         "rule_" + toolID,
		Tool:         toolID,
		InputFiles:   orEmpty(inputFiles),
		InputTables:  orEmpty(inputTables),
		OutputFiles:  orEmpty(outputFiles),
		OutputTables: orEmpty(outputTables),
		Params:       orEmpty(params),
	}
	return b.Bind(ctx, &definition.Document{Rules: []*definition.RuleBlock{block}})
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// bindRule materializes one rule: resolve the tool, bind descriptors and
// options, seed modification rows, create user tables, and check the bound
// names against the tool's declared shape. With a nil session the database
// side effects are skipped.
func (b *Binder) bindRule(ctx context.Context, session *store.Session, block *definition.RuleBlock) (*model.Rule, tool.Tool, map[string]tool.Spec, error) {
	t, err := b.tools.Resolve(block.Tool)
	if err != nil {
		return nil, nil, nil, wrapRule(err, block.Name)
	}
	specs, err := tool.ParseSpecs(t)
	if err != nil {
		return nil, nil, nil, wrapRule(err, block.Name)
	}

	rule := &model.Rule{
		Name:   block.Name,
		Tool:   block.Tool,
		Status: model.StatusNotExecuted,
		State:  model.StateNew,
	}

	addFiles := func(m map[string]string, role model.Role) {
		for name, path := range m {
			rule.Files = append(rule.Files, &model.FileDescriptor{
				Name: name,
				Path: fsx.Resolve(b.cfg.WorkingDirectory, path),
				Role: role,
			})
		}
	}
	addFiles(block.InputFiles, model.RoleInput)
	addFiles(block.OutputFiles, model.RoleOutput)

	addTables := func(m map[string]string, role model.Role) error {
		for name, modelID := range m {
			tm, err := b.models.Get(modelID)
			if err != nil {
				return wrapRule(err, block.Name)
			}
			if session != nil {
				if tm.Schema != "" {
					if err := b.st.ExecDDL(ctx, tm.Schema); err != nil {
						return err
					}
				}
				if _, _, err := session.GetOrCreateModification(ctx, tm.TableName, time.Now().UnixMilli()); err != nil {
					return err
				}
			}
			rule.Tables = append(rule.Tables, &model.TableDescriptor{
				Name:      name,
				TableName: tm.TableName,
				Model:     modelID,
				Role:      role,
			})
		}
		return nil
	}
	if err := addTables(block.InputTables, model.RoleInput); err != nil {
		return nil, nil, nil, err
	}
	if err := addTables(block.OutputTables, model.RoleOutput); err != nil {
		return nil, nil, nil, err
	}

	for name, value := range block.Params {
		rule.Options = append(rule.Options, &model.Option{Name: name, Value: value})
	}
	sortDescriptors(rule)

	if err := checkContent(rule, t, specs); err != nil {
		return nil, nil, nil, err
	}
	return rule, t, specs, nil
}

// checkContent verifies that the bound names match the tool's declared
// shape exactly, unknown options are rejected, required options are
// present, and option values cast per their specs.
func checkContent(rule *model.Rule, t tool.Tool, specs map[string]tool.Spec) error {
	check := func(what string, bound, declared []string) error {
		if !sameSet(bound, declared) {
			return womerror.Newf(womerror.ContentViolation,
				"the given %s names for %s are not correct, they should be [%s], they are [%s]",
				what, rule.Tool, strings.Join(sorted(declared), ", "), strings.Join(sorted(bound), ", ")).
				WithContext("rule %s", rule.Name)
		}
		return nil
	}
	if err := check("input file", names(rule.InputFiles()), t.DeclaredInputFiles()); err != nil {
		return err
	}
	if err := check("output file", names(rule.OutputFiles()), t.DeclaredOutputFiles()); err != nil {
		return err
	}
	if err := check("input table", tableNames(rule.InputTables()), t.DeclaredInputTables()); err != nil {
		return err
	}
	if err := check("output table", tableNames(rule.OutputTables()), t.DeclaredOutputTables()); err != nil {
		return err
	}

	for _, opt := range rule.Options {
		spec, ok := specs[opt.Name]
		if !ok {
			return womerror.Newf(womerror.ContentViolation,
				"the option %q is not declared by %s", opt.Name, rule.Tool).
				WithContext("rule %s", rule.Name)
		}
		if _, err := spec.Cast(opt.Value); err != nil {
			return womerror.Newf(womerror.ContentViolation,
				"the option %q does not accept %q: %v", opt.Name, opt.Value, err).
				WithContext("rule %s", rule.Name)
		}
	}
	for name, spec := range specs {
		if !spec.Required {
			continue
		}
		if !hasOption(rule, name) {
			return womerror.Newf(womerror.ContentViolation,
				"the option %q has not been provided but it is required", name).
				WithContext("rule %s", rule.Name)
		}
	}
	return nil
}

func hasOption(rule *model.Rule, name string) bool {
	for _, o := range rule.Options {
		if o.Name == name {
			return true
		}
	}
	return false
}

func names(files []*model.FileDescriptor) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Name
	}
	return out
}

func tableNames(tables []*model.TableDescriptor) []string {
	out := make([]string, len(tables))
	for i, t := range tables {
		out[i] = t.Name
	}
	return out
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if !set[s] {
			return false
		}
	}
	return true
}

func sorted(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

// sortDescriptors gives rules a stable descriptor order regardless of map
// iteration during binding.
func sortDescriptors(rule *model.Rule) {
	sort.Slice(rule.Files, func(i, j int) bool {
		if rule.Files[i].Role != rule.Files[j].Role {
			return rule.Files[i].Role < rule.Files[j].Role
		}
		return rule.Files[i].Name < rule.Files[j].Name
	})
	sort.Slice(rule.Tables, func(i, j int) bool {
		if rule.Tables[i].Role != rule.Tables[j].Role {
			return rule.Tables[i].Role < rule.Tables[j].Role
		}
		return rule.Tables[i].Name < rule.Tables[j].Name
	})
	sort.Slice(rule.Options, func(i, j int) bool { return rule.Options[i].Name < rule.Options[j].Name })
}

func wrapRule(err error, ruleName string) error {
	var we *womerror.Error
	if errors.As(err, &we) && we.Context == "" {
		return we.WithContext("rule %s", ruleName)
	}
	return fmt.Errorf("rule %s: %w", ruleName, err)
}
