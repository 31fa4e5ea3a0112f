package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"womflow/internal/bind"
	"womflow/internal/config"
	"womflow/internal/dag"
	"womflow/internal/definition"
	"womflow/internal/model"
	"womflow/internal/store"
	"womflow/internal/tool"
	"womflow/internal/womerror"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder notes the order rules ran in.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) note(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, name)
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *recorder) before(a, b string) bool {
	ia, ib := -1, -1
	for i, n := range r.names() {
		if n == a && ia == -1 {
			ia = i
		}
		if n == b && ib == -1 {
			ib = i
		}
	}
	return ia != -1 && ib != -1 && ia < ib
}

// copyTool reads its input file and writes it to its output file.
type copyTool struct {
	tool.Base
	rec *recorder
}

func (c *copyTool) DeclaredInputFiles() []string  { return []string{"src"} }
func (c *copyTool) DeclaredOutputFiles() []string { return []string{"dst"} }

func (c *copyTool) Run(ctx context.Context, h *tool.Handle) error {
	if c.rec != nil {
		c.rec.note(h.RuleName())
	}
	src, err := h.InputFile("src")
	if err != nil {
		return err
	}
	dst, err := h.OutputFile("dst")
	if err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

// loadTool parses its input file into rows of the counts table.
type loadTool struct {
	tool.Base
	rec *recorder
}

func (l *loadTool) DeclaredInputFiles() []string   { return []string{"src"} }
func (l *loadTool) DeclaredOutputTables() []string { return []string{"counts"} }

func (l *loadTool) Run(ctx context.Context, h *tool.Handle) error {
	if l.rec != nil {
		l.rec.note(h.RuleName())
	}
	src, err := h.InputFile("src")
	if err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	counts, err := h.OutputTable("counts")
	if err != nil {
		return err
	}
	return h.Session().Execute(ctx,
		fmt.Sprintf("INSERT INTO %q (length) VALUES (?)", counts.Name()), len(data))
}

// sumTool reads the counts table and writes the total to its output file.
type sumTool struct {
	tool.Base
	rec *recorder
}

func (s *sumTool) DeclaredInputTables() []string { return []string{"counts"} }
func (s *sumTool) DeclaredOutputFiles() []string { return []string{"total"} }

func (s *sumTool) Run(ctx context.Context, h *tool.Handle) error {
	if s.rec != nil {
		s.rec.note(h.RuleName())
	}
	counts, err := h.InputTable("counts")
	if err != nil {
		return err
	}
	var total int64
	row := h.Session().QueryRow(ctx, fmt.Sprintf("SELECT COALESCE(SUM(length), 0) FROM %q", counts.Name()))
	if err := row.Scan(&total); err != nil {
		return err
	}
	out, err := h.OutputFile("total")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return err
	}
	return os.WriteFile(out, []byte(fmt.Sprintf("%d\n", total)), 0644)
}

// failTool always fails.
type failTool struct {
	tool.Base
	panics bool
}

func (f *failTool) DeclaredInputFiles() []string  { return []string{"src"} }
func (f *failTool) DeclaredOutputFiles() []string { return []string{"dst"} }

func (f *failTool) Run(ctx context.Context, h *tool.Handle) error {
	if f.panics {
		panic("tool blew up")
	}
	return errors.New("tool failed on purpose")
}

type harness struct {
	st     *store.Store
	eng    *Engine
	binder *bind.Binder
	cfg    *config.Config
	rec    *recorder
	dir    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rec := &recorder{}
	tools := tool.NewRegistry()
	tools.MustRegister("file.copy", &copyTool{rec: rec})
	tools.MustRegister("file.load", &loadTool{rec: rec})
	tools.MustRegister("table.sum", &sumTool{rec: rec})
	tools.MustRegister("always.fail", &failTool{})
	tools.MustRegister("always.panic", &failTool{panics: true})

	models := model.NewRegistry()
	models.MustRegister(model.TableModel{
		Identifier: "app.Counts",
		TableName:  "counts",
		Schema:     "CREATE TABLE IF NOT EXISTS counts (id INTEGER PRIMARY KEY, length INTEGER NOT NULL)",
	})

	dir := t.TempDir()
	cfg := &config.Config{WorkingDirectory: dir, WorkerCount: 2, TableReadyRequiresRows: true}
	require.NoError(t, cfg.Validate())

	return &harness{
		st:     st,
		eng:    New(st, tools, models, cfg, nil),
		binder: bind.New(st, tools, models, cfg, nil),
		cfg:    cfg,
		rec:    rec,
		dir:    dir,
	}
}

func (h *harness) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(h.dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func (h *harness) chtimes(t *testing.T, name string, when time.Time) {
	t.Helper()
	require.NoError(t, os.Chtimes(filepath.Join(h.dir, name), when, when))
}

func (h *harness) run(t *testing.T, src string) (*Result, error) {
	t.Helper()
	doc, err := definition.Parse([]byte(src))
	require.NoError(t, err)
	return h.eng.RunDocument(context.Background(), doc)
}

const chainDefinition = `
rule load:
    tool: file.load
    input:
        files:
            src: data/in.txt
    output:
        tables:
            counts: app.Counts

rule sum:
    tool: table.sum
    input:
        tables:
            counts: app.Counts
    output:
        files:
            total: out/total.txt
`

func TestRunChainOrdersByDependency(t *testing.T) {
	h := newHarness(t)
	h.write(t, "data/in.txt", "hello")

	res, err := h.run(t, chainDefinition)
	require.NoError(t, err)
	require.Equal(t, StatusDone, res.Status)
	require.Equal(t, model.StatusExecuted, res.Statuses["load"])
	require.Equal(t, model.StatusExecuted, res.Statuses["sum"])
	require.True(t, h.rec.before("load", "sum"), "order: %v", h.rec.names())

	total, err := os.ReadFile(filepath.Join(h.dir, "out/total.txt"))
	require.NoError(t, err)
	require.Equal(t, "5\n", string(total))

	// terminal states persisted
	execs, err := h.st.RecentExecutions(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.Equal(t, model.ExecutionDone, execs[0].Status)
	require.NotNil(t, execs[0].FinishedAt)

	rules, err := h.st.RulesForExecution(context.Background(), execs[0].ID)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	for _, r := range rules {
		require.Equal(t, model.StatusExecuted, r.Status, "rule %s", r.Name)
		require.NotNil(t, r.DurationMS, "rule %s", r.Name)
	}
}

func TestRerunSkipsFreshRules(t *testing.T) {
	h := newHarness(t)
	h.write(t, "data/in.txt", "hello")
	past := time.Now().Add(-time.Hour)
	h.chtimes(t, "data/in.txt", past)

	res, err := h.run(t, chainDefinition)
	require.NoError(t, err)
	require.Equal(t, StatusDone, res.Status)

	// make the file output strictly newer than every input
	h.chtimes(t, "out/total.txt", time.Now().Add(time.Hour))

	res, err = h.run(t, chainDefinition)
	require.NoError(t, err)
	require.Equal(t, StatusDone, res.Status)
	require.Equal(t, model.StatusAlreadyExecuted, res.Statuses["load"], "unchanged input must not reload")
	require.Equal(t, model.StatusAlreadyExecuted, res.Statuses["sum"], "fresh output must not be rebuilt")

	// exactly one load and one sum ran across both executions
	require.Len(t, h.rec.names(), 2)
}

func TestChangedInputTriggersRerun(t *testing.T) {
	h := newHarness(t)
	h.write(t, "data/in.txt", "hello")
	h.chtimes(t, "data/in.txt", time.Now().Add(-time.Hour))

	_, err := h.run(t, chainDefinition)
	require.NoError(t, err)
	h.chtimes(t, "out/total.txt", time.Now().Add(time.Hour))

	// new content, newer than the recorded provenance
	h.write(t, "data/in.txt", "longer input")
	h.chtimes(t, "data/in.txt", time.Now().Add(2*time.Hour))

	res, err := h.run(t, chainDefinition)
	require.NoError(t, err)
	require.Equal(t, StatusDone, res.Status)
	require.Equal(t, model.StatusExecuted, res.Statuses["load"], "changed input must rerun")
}

func TestFailurePropagatesToDependents(t *testing.T) {
	h := newHarness(t)
	h.write(t, "data/in.txt", "x")

	res, err := h.run(t, `
rule broken:
    tool: always.fail
    input:
        files:
            src: data/in.txt
    output:
        files:
            dst: out/mid.txt

rule after:
    tool: file.copy
    input:
        files:
            src: out/mid.txt
    output:
        files:
            dst: out/final.txt
`)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, model.StatusExecutionError, res.Statuses["broken"])
	require.Equal(t, model.StatusNotPlanned, res.Statuses["after"])
	require.Equal(t, []string{"broken"}, res.Failed())

	execs, err := h.st.RecentExecutions(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, model.ExecutionFailed, execs[0].Status)

	rules, err := h.st.RulesForExecution(context.Background(), execs[0].ID)
	require.NoError(t, err)
	byName := map[string]model.Status{}
	for _, r := range rules {
		byName[r.Name] = r.Status
	}
	require.Equal(t, model.StatusExecutionError, byName["broken"])
	require.Equal(t, model.StatusNotPlanned, byName["after"])
}

func TestPanicBecomesExecutionError(t *testing.T) {
	h := newHarness(t)
	h.write(t, "data/in.txt", "x")

	res, err := h.run(t, `
rule boom:
    tool: always.panic
    input:
        files:
            src: data/in.txt
    output:
        files:
            dst: out/never.txt
`)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, model.StatusExecutionError, res.Statuses["boom"])
}

func TestMissingInputLeavesRuleNotExecuted(t *testing.T) {
	h := newHarness(t)

	res, err := h.run(t, `
rule copy:
    tool: file.copy
    input:
        files:
            src: data/never-created.txt
    output:
        files:
            dst: out/copy.txt
`)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, model.StatusNotExecuted, res.Statuses["copy"])
	require.Empty(t, h.rec.names(), "the callback must not run")
}

func TestDryRunInvokesNothing(t *testing.T) {
	h := newHarness(t)
	h.cfg.DryRun = true

	res, err := h.run(t, chainDefinition)
	require.NoError(t, err)
	require.Equal(t, StatusDone, res.Status)
	require.Equal(t, model.StatusExecuted, res.Statuses["load"])
	require.Equal(t, model.StatusExecuted, res.Statuses["sum"])
	require.Empty(t, h.rec.names(), "dry-run must not invoke callbacks")

	require.NoFileExists(t, filepath.Join(h.dir, "out/total.txt"))

	// simulated statuses are not persisted on the rule rows
	execs, err := h.st.RecentExecutions(context.Background(), 1)
	require.NoError(t, err)
	rules, err := h.st.RulesForExecution(context.Background(), execs[0].ID)
	require.NoError(t, err)
	for _, r := range rules {
		require.Equal(t, model.StatusNotExecuted, r.Status)
	}
}

func TestEmptyWorkflow(t *testing.T) {
	h := newHarness(t)
	res, err := h.run(t, "")
	require.NoError(t, err)
	require.Equal(t, StatusDone, res.Status)
	require.Empty(t, res.Statuses)
}

func TestCancelledContextRunsNothing(t *testing.T) {
	h := newHarness(t)
	h.write(t, "data/in.txt", "hello")

	doc, err := definition.Parse([]byte(chainDefinition))
	require.NoError(t, err)
	plan, err := h.binder.Bind(context.Background(), doc)
	require.NoError(t, err)
	graph, err := dag.Build(plan.Rules)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sched := NewScheduler(h.st, h.cfg, nil)
	res, err := sched.Run(ctx, plan, graph)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, res.Status)
	require.Equal(t, model.StatusNotPlanned, res.Statuses["load"])
	require.Equal(t, model.StatusNotPlanned, res.Statuses["sum"])
	require.Empty(t, h.rec.names())

	execs, err := h.st.RecentExecutions(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, model.ExecutionCancelled, execs[0].Status)
}

func TestCyclicWorkflowFails(t *testing.T) {
	h := newHarness(t)
	h.write(t, "a.txt", "x")

	_, err := h.run(t, `
rule forward:
    tool: file.copy
    input:
        files:
            src: a.txt
    output:
        files:
            dst: b.txt

rule backward:
    tool: file.copy
    input:
        files:
            src: b.txt
    output:
        files:
            dst: a.txt
`)
	require.True(t, womerror.IsKind(err, womerror.CyclicWorkflow), "got %v", err)

	// the execution row is closed out as failed
	execs, lerr := h.st.RecentExecutions(context.Background(), 1)
	require.NoError(t, lerr)
	require.Len(t, execs, 1)
	require.Equal(t, model.ExecutionFailed, execs[0].Status)
}

func TestRunSingle(t *testing.T) {
	h := newHarness(t)
	h.write(t, "data/in.txt", "abc")

	res, err := h.eng.RunSingle(context.Background(), "file.load",
		map[string]string{"src": "data/in.txt"},
		nil,
		nil,
		map[string]string{"counts": "app.Counts"},
		nil,
	)
	require.NoError(t, err)
	require.Equal(t, StatusDone, res.Status)
	require.Equal(t, model.StatusExecuted, res.Statuses["rule_file.load"])

	n, err := h.st.TableCount(context.Background(), "counts")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestDOTDoesNotExecute(t *testing.T) {
	h := newHarness(t)
	path := h.write(t, "workflow.yml", chainDefinition)

	dot, err := h.eng.DOT(context.Background(), path)
	require.NoError(t, err)
	require.Contains(t, dot, `"load" -> "sum";`)
	require.Empty(t, h.rec.names())

	n, err := h.st.TableCount(context.Background(), "wom_execution")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestParallelIndependentRules(t *testing.T) {
	h := newHarness(t)
	h.write(t, "a.txt", "a")
	h.write(t, "b.txt", "b")

	res, err := h.run(t, `
rule copy_a:
    tool: file.copy
    input:
        files:
            src: a.txt
    output:
        files:
            dst: out/a.txt

rule copy_b:
    tool: file.copy
    input:
        files:
            src: b.txt
    output:
        files:
            dst: out/b.txt
`)
	require.NoError(t, err)
	require.Equal(t, StatusDone, res.Status)
	require.ElementsMatch(t, []string{"copy_a", "copy_b"}, h.rec.names())
	require.FileExists(t, filepath.Join(h.dir, "out/a.txt"))
	require.FileExists(t, filepath.Join(h.dir, "out/b.txt"))
}

func TestTableLedgerAdvancesOnWrite(t *testing.T) {
	h := newHarness(t)
	h.write(t, "data/in.txt", "hello")

	_, err := h.run(t, chainDefinition)
	require.NoError(t, err)

	before, err := h.st.GetModification(context.Background(), "counts")
	require.NoError(t, err)
	require.NotNil(t, before)

	// force the producer to rerun; the ledger must move forward
	h.write(t, "data/in.txt", "changed")
	h.chtimes(t, "data/in.txt", time.Now().Add(time.Hour))
	res, err := h.run(t, chainDefinition)
	require.NoError(t, err)
	require.Equal(t, model.StatusExecuted, res.Statuses["load"])

	after, err := h.st.GetModification(context.Background(), "counts")
	require.NoError(t, err)
	require.Greater(t, after.ModifiedAt, before.ModifiedAt)
}
