// Package model holds the persisted entities of the workflow engine: the
// execution, its rules, their file/table descriptors, options, and the
// shared table-modification ledger.
//
// Entities reference each other by integer id rather than by pointer cycles;
// the in-memory descriptor slices on Rule exist for the binder and scheduler
// and are rebuilt from rows on demand.
package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status is the persisted final status of a rule.
type Status string

const (
	StatusNotExecuted     Status = "NOT_EXECUTED"
	StatusAlreadyExecuted Status = "ALREADY_EXECUTED"
	StatusExecuted        Status = "EXECUTED"
	StatusExecutionError  Status = "EXECUTION_ERROR"
	StatusNotPlanned      Status = "NOT_PLANNED"
)

// State is the transient scheduling state of a rule. Never persisted.
type State int

const (
	StateNew State = iota + 1
	StateReady
	StateNotReady
)

// Role marks a descriptor as an input or an output of its rule.
type Role string

const (
	RoleInput  Role = "input"
	RoleOutput Role = "output"
)

// Execution is one workflow invocation.
type Execution struct {
	ID         int64
	UUID       string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
}

// Execution-level statuses.
const (
	ExecutionRunning   = "RUNNING"
	ExecutionDone      = "DONE"
	ExecutionFailed    = "FAILED"
	ExecutionCancelled = "CANCELLED"
)

// Rule is one node of the workflow.
type Rule struct {
	ID          int64
	Name        string // unique within the execution
	Tool        string // identifier resolved through the tool registry
	ExecutionID int64
	StartedAt   *time.Time
	FinishedAt  *time.Time
	DurationMS  *int64
	Status      Status
	State       State

	Files   []*FileDescriptor
	Tables  []*TableDescriptor
	Options []*Option
}

// FileDescriptor binds a logical file name inside a rule to an absolute path.
type FileDescriptor struct {
	ID          int64
	RuleID      int64
	Name        string
	Path        string
	Role        Role
	MtimeMillis *int64
	Size        *int64
	UsedAt      *int64
}

// TableDescriptor binds a logical table name inside a rule to a registered
// table model. TableName is the physical name resolved from the model.
type TableDescriptor struct {
	ID        int64
	RuleID    int64
	Name      string // logical name as declared
	TableName string // physical table name
	Model     string // model identifier
	Role      Role
	UsedAt    *int64
}

// TableModification is the freshness ledger row for one physical table.
type TableModification struct {
	TableName  string
	ModifiedAt int64 // epoch millis of the last write by any rule
}

// Option is a (name, value) pair bound to a rule.
type Option struct {
	ID     int64
	RuleID int64
	Name   string
	Value  string
}

// InputFiles returns the rule's input file descriptors.
func (r *Rule) InputFiles() []*FileDescriptor { return r.filesByRole(RoleInput) }

// OutputFiles returns the rule's output file descriptors.
func (r *Rule) OutputFiles() []*FileDescriptor { return r.filesByRole(RoleOutput) }

func (r *Rule) filesByRole(role Role) []*FileDescriptor {
	var out []*FileDescriptor
	for _, f := range r.Files {
		if f.Role == role {
			out = append(out, f)
		}
	}
	return out
}

// InputTables returns the rule's input table descriptors.
func (r *Rule) InputTables() []*TableDescriptor { return r.tablesByRole(RoleInput) }

// OutputTables returns the rule's output table descriptors.
func (r *Rule) OutputTables() []*TableDescriptor { return r.tablesByRole(RoleOutput) }

func (r *Rule) tablesByRole(role Role) []*TableDescriptor {
	var out []*TableDescriptor
	for _, t := range r.Tables {
		if t.Role == role {
			out = append(out, t)
		}
	}
	return out
}

// Follows reports whether r directly depends on other: some output of other
// matches an input of r. Files match on absolute path, tables on model
// identifier.
func (r *Rule) Follows(other *Rule) bool {
	for _, in := range r.InputFiles() {
		for _, out := range other.OutputFiles() {
			if in.Path == out.Path {
				return true
			}
		}
	}
	for _, in := range r.InputTables() {
		for _, out := range other.OutputTables() {
			if in.Model == out.Model {
				return true
			}
		}
	}
	return false
}

// String renders the rule the way it appears in a definition file.
func (r *Rule) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rule %s:\n\ttool: %s\n", r.Name, r.Tool)
	writeIO := func(label string, files []*FileDescriptor, tables []*TableDescriptor) {
		if len(files) == 0 && len(tables) == 0 {
			return
		}
		fmt.Fprintf(&b, "\t%s:\n", label)
		if len(files) > 0 {
			b.WriteString("\t\tfiles:\n")
			for _, f := range sortedFiles(files) {
				fmt.Fprintf(&b, "\t\t\t%s: %s\n", f.Name, f.Path)
			}
		}
		if len(tables) > 0 {
			b.WriteString("\t\ttables:\n")
			for _, t := range sortedTables(tables) {
				fmt.Fprintf(&b, "\t\t\t%s: %s\n", t.Name, t.Model)
			}
		}
	}
	writeIO("input", r.InputFiles(), r.InputTables())
	writeIO("output", r.OutputFiles(), r.OutputTables())
	if len(r.Options) > 0 {
		b.WriteString("\tparams:\n")
		opts := make([]*Option, len(r.Options))
		copy(opts, r.Options)
		sort.Slice(opts, func(i, j int) bool { return opts[i].Name < opts[j].Name })
		for _, o := range opts {
			fmt.Fprintf(&b, "\t\t%s: %s\n", o.Name, o.Value)
		}
	}
	return b.String()
}

func sortedFiles(in []*FileDescriptor) []*FileDescriptor {
	out := make([]*FileDescriptor, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortedTables(in []*TableDescriptor) []*TableDescriptor {
	out := make([]*TableDescriptor, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
