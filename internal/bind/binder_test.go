package bind

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"womflow/internal/config"
	"womflow/internal/definition"
	"womflow/internal/model"
	"womflow/internal/store"
	"womflow/internal/tool"
	"womflow/internal/womerror"
)

type stubTool struct {
	tool.Base
	inFiles   []string
	outFiles  []string
	inTables  []string
	outTables []string
	params    map[string]string
}

func (s *stubTool) DeclaredInputFiles() []string      { return s.inFiles }
func (s *stubTool) DeclaredOutputFiles() []string     { return s.outFiles }
func (s *stubTool) DeclaredInputTables() []string     { return s.inTables }
func (s *stubTool) DeclaredOutputTables() []string    { return s.outTables }
func (s *stubTool) DeclaredParams() map[string]string { return s.params }

func (s *stubTool) Run(ctx context.Context, h *tool.Handle) error { return nil }

func testBinder(t *testing.T) (*Binder, *store.Store, *config.Config) {
	t.Helper()
	st, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tools := tool.NewRegistry()
	tools.MustRegister("fasta.index", &stubTool{
		inFiles:   []string{"sequences"},
		outTables: []string{"index"},
		params:    map[string]string{"chunk": "required|int"},
	})
	tools.MustRegister("report.render", &stubTool{
		inTables: []string{"index"},
		outFiles: []string{"html"},
	})

	models := model.NewRegistry()
	models.MustRegister(model.TableModel{
		Identifier: "app.SeqIndex",
		TableName:  "seq_index",
		Schema:     "CREATE TABLE IF NOT EXISTS seq_index (id INTEGER PRIMARY KEY, chrom TEXT)",
	})

	cfg := &config.Config{WorkingDirectory: t.TempDir(), WorkerCount: 1, TableReadyRequiresRows: true}
	require.NoError(t, cfg.Validate())
	return New(st, tools, models, cfg, nil), st, cfg
}

func parseDoc(t *testing.T, src string) *definition.Document {
	t.Helper()
	doc, err := definition.Parse([]byte(src))
	require.NoError(t, err)
	return doc
}

const validDefinition = `
rule index:
    tool: fasta.index
    input:
        files:
            sequences: data/seqs.fasta
    output:
        tables:
            index: app.SeqIndex
    params:
        chunk: "1000"

rule report:
    tool: report.render
    input:
        tables:
            index: app.SeqIndex
    output:
        files:
            html: out/report.html
`

func TestBindValidDefinition(t *testing.T) {
	b, st, cfg := testBinder(t)
	ctx := context.Background()

	plan, err := b.Bind(ctx, parseDoc(t, validDefinition))
	require.NoError(t, err)
	require.Len(t, plan.Rules, 2)
	require.NotZero(t, plan.Execution.ID)
	require.Equal(t, model.ExecutionRunning, plan.Execution.Status)

	index := plan.Rules[0]
	require.Equal(t, "index", index.Name)
	require.Equal(t, model.StatusNotExecuted, index.Status)
	require.Equal(t, model.StateNew, index.State)
	require.NotZero(t, index.ID, "rule rows are committed")

	// relative paths resolved against the working directory
	in := index.InputFiles()
	require.Len(t, in, 1)
	require.Equal(t, filepath.Join(cfg.WorkingDirectory, "data/seqs.fasta"), in[0].Path)

	// tools and specs keyed by rule name
	require.Contains(t, plan.Tools, "index")
	require.Contains(t, plan.Specs, "index")
	require.True(t, plan.Specs["index"]["chunk"].Required)

	// declared table exists and the ledger is seeded
	_, err = st.TableCount(ctx, "seq_index")
	require.NoError(t, err)
	mod, err := st.GetModification(ctx, "seq_index")
	require.NoError(t, err)
	require.NotNil(t, mod)

	n, err := st.CountRules(ctx, plan.Execution.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestBindUnknownToolRollsBack(t *testing.T) {
	b, st, _ := testBinder(t)
	ctx := context.Background()

	doc := parseDoc(t, `
rule index:
    tool: fasta.index
    input:
        files:
            sequences: data/seqs.fasta
    output:
        tables:
            index: app.SeqIndex
    params:
        chunk: "1000"

rule broken:
    tool: no.such.tool
`)
	_, err := b.Bind(ctx, doc)
	require.Error(t, err)
	require.True(t, womerror.IsKind(err, womerror.ToolNotFound), "got %v", err)

	// nothing committed, not even the rules bound before the failure
	n, err := st.TableCount(ctx, "wom_rule")
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = st.TableCount(ctx, "wom_execution")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestBindContentViolations(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "wrong input file name",
			src: `
rule index:
    tool: fasta.index
    input:
        files:
            wrongname: data/seqs.fasta
    output:
        tables:
            index: app.SeqIndex
    params:
        chunk: "1000"
`,
			want: "input file",
		},
		{
			name: "missing required option",
			src: `
rule index:
    tool: fasta.index
    input:
        files:
            sequences: data/seqs.fasta
    output:
        tables:
            index: app.SeqIndex
`,
			want: "required",
		},
		{
			name: "uncastable option",
			src: `
rule index:
    tool: fasta.index
    input:
        files:
            sequences: data/seqs.fasta
    output:
        tables:
            index: app.SeqIndex
    params:
        chunk: notanumber
`,
			want: "does not accept",
		},
		{
			name: "undeclared option",
			src: `
rule index:
    tool: fasta.index
    input:
        files:
            sequences: data/seqs.fasta
    output:
        tables:
            index: app.SeqIndex
    params:
        chunk: "1000"
        bogus: x
`,
			want: "not declared",
		},
		{
			name: "extra output file",
			src: `
rule report:
    tool: report.render
    input:
        tables:
            index: app.SeqIndex
    output:
        files:
            html: out/report.html
            extra: out/extra.html
`,
			want: "output file",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, st, _ := testBinder(t)
			ctx := context.Background()

			_, err := b.Bind(ctx, parseDoc(t, tt.src))
			require.Error(t, err)
			require.True(t, womerror.IsKind(err, womerror.ContentViolation), "got %v", err)
			require.Contains(t, err.Error(), tt.want)

			n, err := st.TableCount(ctx, "wom_rule")
			require.NoError(t, err)
			require.Zero(t, n, "no rule rows after a failed binding")
		})
	}
}

func TestBindUnknownTableModel(t *testing.T) {
	b, _, _ := testBinder(t)
	doc := parseDoc(t, `
rule index:
    tool: fasta.index
    input:
        files:
            sequences: data/seqs.fasta
    output:
        tables:
            index: app.Unknown
    params:
        chunk: "1000"
`)
	_, err := b.Bind(context.Background(), doc)
	require.True(t, womerror.IsKind(err, womerror.ToolNotFound), "got %v", err)
}

func TestBindSingle(t *testing.T) {
	b, st, _ := testBinder(t)
	ctx := context.Background()

	plan, err := b.BindSingle(ctx, "fasta.index",
		map[string]string{"sequences": "data/seqs.fasta"},
		nil,
		nil,
		map[string]string{"index": "app.SeqIndex"},
		map[string]string{"chunk": "500"},
	)
	require.NoError(t, err)
	require.Len(t, plan.Rules, 1)
	require.Equal(t, "rule_fasta.index", plan.Rules[0].Name)

	n, err := st.CountRules(ctx, plan.Execution.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestMaterializeDoesNotPersist(t *testing.T) {
	b, st, _ := testBinder(t)
	ctx := context.Background()

	rules, err := b.Materialize(ctx, parseDoc(t, validDefinition))
	require.NoError(t, err)
	require.Len(t, rules, 2)

	for _, table := range []string{"wom_execution", "wom_rule", "wom_modification_table"} {
		n, err := st.TableCount(ctx, table)
		require.NoError(t, err)
		require.Zero(t, n, "%s must stay empty", table)
	}
	// the user table is not created either
	_, err = st.TableCount(ctx, "seq_index")
	require.Error(t, err)
}

func TestBindStableDescriptorOrder(t *testing.T) {
	b, _, _ := testBinder(t)
	doc := parseDoc(t, validDefinition)

	plan, err := b.Bind(context.Background(), doc)
	require.NoError(t, err)
	for _, r := range plan.Rules {
		for i := 1; i < len(r.Files); i++ {
			prev, cur := r.Files[i-1], r.Files[i]
			require.False(t, prev.Role > cur.Role || (prev.Role == cur.Role && prev.Name > cur.Name),
				"files out of order in rule %s", r.Name)
		}
	}
}
