package engine

import (
	"context"

	"go.uber.org/zap"

	"womflow/internal/bind"
	"womflow/internal/config"
	"womflow/internal/dag"
	"womflow/internal/definition"
	"womflow/internal/model"
	"womflow/internal/store"
	"womflow/internal/tool"
)

// Engine ties the parser, binder and scheduler together behind the
// operations the CLI exposes.
type Engine struct {
	st     *store.Store
	binder *bind.Binder
	sched  *Scheduler
	log    *zap.Logger
}

// New creates an engine over an open store and the given registries.
func New(st *store.Store, tools *tool.Registry, models *model.Registry, cfg *config.Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		st:     st,
		binder: bind.New(st, tools, models, cfg, logger),
		sched:  NewScheduler(st, cfg, logger),
		log:    logger,
	}
}

// RunDefinition parses the definition file at path, binds it and runs it.
func (e *Engine) RunDefinition(ctx context.Context, path string) (*Result, error) {
	doc, err := definition.Load(path)
	if err != nil {
		return nil, err
	}
	return e.RunDocument(ctx, doc)
}

// RunDocument binds a parsed document and runs it.
func (e *Engine) RunDocument(ctx context.Context, doc *definition.Document) (*Result, error) {
	plan, err := e.binder.Bind(ctx, doc)
	if err != nil {
		return nil, err
	}
	graph, err := dag.Build(plan.Rules)
	if err != nil {
		// the execution row is already committed; close it out
		_ = e.sched.finishExecution(ctx, plan, StatusFailed)
		return nil, err
	}
	return e.sched.Run(ctx, plan, graph)
}

// RunSingle runs one tool as a synthetic single-rule workflow, with inputs,
// outputs and params supplied directly instead of a definition file.
func (e *Engine) RunSingle(ctx context.Context, toolID string, inputFiles, inputTables, outputFiles, outputTables, params map[string]string) (*Result, error) {
	plan, err := e.binder.BindSingle(ctx, toolID, inputFiles, inputTables, outputFiles, outputTables, params)
	if err != nil {
		return nil, err
	}
	graph, err := dag.Build(plan.Rules)
	if err != nil {
		_ = e.sched.finishExecution(ctx, plan, StatusFailed)
		return nil, err
	}
	return e.sched.Run(ctx, plan, graph)
}

// DOT parses and materializes a definition without persisting anything and
// renders its dependency graph in Graphviz dot format.
func (e *Engine) DOT(ctx context.Context, path string) (string, error) {
	doc, err := definition.Load(path)
	if err != nil {
		return "", err
	}
	rules, err := e.binder.Materialize(ctx, doc)
	if err != nil {
		return "", err
	}
	graph, err := dag.Build(rules)
	if err != nil {
		return "", err
	}
	return graph.DOT(), nil
}
