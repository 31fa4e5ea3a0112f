package tool

import (
	"context"

	"go.uber.org/zap"

	"womflow/internal/model"
	"womflow/internal/store"
	"womflow/internal/womerror"
)

// Handle is the facade a rule body uses during Run. Every accessor checks
// the name against the rule's declared set; asking for anything undeclared
// is an UndeclaredAccess error rather than a silent nil.
type Handle struct {
	rule    *model.Rule
	specs   map[string]Spec
	options map[string]string
	session *store.Session
	log     *zap.Logger
}

// NewHandle builds the facade for one rule run. The session is the worker's
// own; specs come from the rule's tool.
func NewHandle(rule *model.Rule, specs map[string]Spec, session *store.Session, logger *zap.Logger) *Handle {
	if logger == nil {
		logger = zap.NewNop()
	}
	options := make(map[string]string, len(rule.Options))
	for _, o := range rule.Options {
		options[o.Name] = o.Value
	}
	return &Handle{
		rule:    rule,
		specs:   specs,
		options: options,
		session: session,
		log:     logger.With(zap.String("rule", rule.Name), zap.String("tool", rule.Tool)),
	}
}

// RuleName returns the name of the rule being run.
func (h *Handle) RuleName() string { return h.rule.Name }

// InputFile returns the absolute path bound to a declared input file name.
func (h *Handle) InputFile(name string) (string, error) {
	return h.filePath(name, model.RoleInput)
}

// OutputFile returns the absolute path bound to a declared output file name.
func (h *Handle) OutputFile(name string) (string, error) {
	return h.filePath(name, model.RoleOutput)
}

func (h *Handle) filePath(name string, role model.Role) (string, error) {
	for _, f := range h.rule.Files {
		if f.Name == name && f.Role == role {
			return f.Path, nil
		}
	}
	return "", womerror.Newf(womerror.UndeclaredAccess,
		"the %s file %q has not been specified", role, name).
		WithContext("rule %s", h.rule.Name)
}

// InputTable returns a handle on a declared input table.
func (h *Handle) InputTable(name string) (*TableHandle, error) {
	return h.table(name, model.RoleInput)
}

// OutputTable returns a handle on a declared output table.
func (h *Handle) OutputTable(name string) (*TableHandle, error) {
	return h.table(name, model.RoleOutput)
}

func (h *Handle) table(name string, role model.Role) (*TableHandle, error) {
	for _, t := range h.rule.Tables {
		if t.Name == name && t.Role == role {
			return &TableHandle{desc: t, session: h.session}, nil
		}
	}
	return nil, womerror.Newf(womerror.UndeclaredAccess,
		"the %s table %q has not been specified", role, name).
		WithContext("rule %s", h.rule.Name)
}

// Option returns the typed value of a declared option. A declared but unset
// optional option yields nil.
func (h *Handle) Option(name string) (any, error) {
	spec, declared := h.specs[name]
	if !declared {
		return nil, womerror.Newf(womerror.UndeclaredAccess,
			"the option %q has not been declared", name).
			WithContext("rule %s", h.rule.Name)
	}
	raw, ok := h.options[name]
	if !ok {
		return nil, nil
	}
	return spec.Cast(raw)
}

// Session returns the worker's transactional database session. Rule bodies
// may commit within it; the store's shared lock keeps concurrent commits
// safe.
func (h *Handle) Session() *store.Session { return h.session }

// Logger returns a logger tagged with the rule and tool names.
func (h *Handle) Logger() *zap.Logger { return h.log }

// TableHandle exposes a bound table to the rule body.
type TableHandle struct {
	desc    *model.TableDescriptor
	session *store.Session
}

// Name returns the physical table name, safe to splice into statements run
// through the handle's session.
func (t *TableHandle) Name() string { return t.desc.TableName }

// Model returns the model identifier the table was declared with.
func (t *TableHandle) Model() string { return t.desc.Model }

// Count returns the current number of rows.
func (t *TableHandle) Count(ctx context.Context) (int64, error) {
	var n int64
	err := t.session.QueryRow(ctx, "SELECT COUNT(*) FROM "+quoteIdent(t.desc.TableName)).Scan(&n)
	if err != nil {
		return 0, womerror.Wrap(womerror.PersistenceFailure, err, "failed to count "+t.desc.TableName)
	}
	return n, nil
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}
