// Package model defines persisted records of the action server and their schema
package model

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/umputun/actionsrv/app/store"
)

// RunIDCounter is the counter backing Run.NumberedID
const RunIDCounter = "run_id"

// Counters lists all counters created with a fresh database
var Counters = []string{RunIDCounter}

// ActionPackage is a bundle of actions sharing one environment
type ActionPackage struct {
	ID   string `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
	// Directory is relative to the data dir when it starts with "./", absolute otherwise
	Directory string `db:"directory" json:"directory"`
	EnvHash   string `db:"env_hash" json:"env_hash"` // sha256 of normalized environment descriptor
	EnvJSON   string `db:"env_json" json:"env_json"`
}

// Action is a single named unit of automation belonging to ActionPackage
type Action struct {
	ID                  string  `db:"id" json:"id"`
	ActionPackageID     string  `db:"action_package_id" json:"action_package_id"`
	Name                string  `db:"name" json:"name"`
	Docs                string  `db:"docs" json:"docs"`
	File                string  `db:"file" json:"file"` // relative to package directory
	Lineno              int     `db:"lineno" json:"lineno"`
	InputSchema         string  `db:"input_schema" json:"input_schema"`
	OutputSchema        string  `db:"output_schema" json:"output_schema"`
	Enabled             bool    `db:"enabled" json:"enabled"`
	IsConsequential     *bool   `db:"is_consequential" json:"is_consequential,omitempty"`
	ManagedParamsSchema *string `db:"managed_params_schema" json:"managed_params_schema,omitempty"`
}

// RunStatus is a state of Run
type RunStatus int

// run statuses, stored as integers
const (
	RunNotRun  RunStatus = 0
	RunRunning RunStatus = 1
	RunPassed  RunStatus = 2
	RunFailed  RunStatus = 3
)

func (s RunStatus) String() string {
	switch s {
	case RunNotRun:
		return "not_run"
	case RunRunning:
		return "running"
	case RunPassed:
		return "passed"
	case RunFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether the status is final
func (s RunStatus) Terminal() bool { return s == RunPassed || s == RunFailed }

// Run is one execution record of an Action
type Run struct {
	ID                   string    `db:"id" json:"id"`
	Status               RunStatus `db:"status" json:"status"`
	ActionID             string    `db:"action_id" json:"action_id"`
	StartTime            string    `db:"start_time" json:"start_time"` // RFC3339 with nanoseconds, UTC
	RunTime              *float64  `db:"run_time" json:"run_time,omitempty"`
	Inputs               string    `db:"inputs" json:"inputs"`
	Result               *string   `db:"result" json:"result,omitempty"`
	ErrorMessage         *string   `db:"error_message" json:"error_message,omitempty"`
	RelativeArtifactsDir string    `db:"relative_artifacts_dir" json:"relative_artifacts_dir"`
	NumberedID           int64     `db:"numbered_id" json:"numbered_id"`
}

// Counter backs monotonic numbering
type Counter struct {
	ID    string `db:"id"`
	Value int64  `db:"value"`
}

// Migration is one applied schema version
type Migration struct {
	ID   int    `db:"id"`
	Name string `db:"name"`
}

// MigrationSchema describes the migration ledger, the only record known to every schema version
func MigrationSchema() *store.Descriptor {
	return store.Describe(Migration{}).Integer("id", store.PrimaryKey).Text("name")
}

// Schema returns descriptors of all records at the current version, in registration order
func Schema() []*store.Descriptor {
	return []*store.Descriptor{
		MigrationSchema(),
		store.Describe(ActionPackage{}).
			Text("id", store.PrimaryKey, store.Unique).
			Text("name", store.Unique).
			Text("directory").
			Text("env_hash").
			Text("env_json"),
		store.Describe(Action{}).
			Text("id", store.PrimaryKey, store.Unique).
			Text("action_package_id", store.ForeignKey, store.Index).
			Text("name").
			Text("docs").
			Text("file").
			Integer("lineno").
			Text("input_schema").
			Text("output_schema").
			Bool("enabled").
			Bool("is_consequential", store.Nullable).
			Text("managed_params_schema", store.Nullable),
		store.Describe(Run{}).
			Text("id", store.PrimaryKey, store.Unique).
			Integer("status", store.Index).
			Text("action_id", store.ForeignKey, store.Index).
			Text("start_time").
			Real("run_time", store.Nullable).
			Text("inputs").
			Text("result", store.Nullable).
			Text("error_message", store.Nullable).
			Text("relative_artifacts_dir").
			Integer("numbered_id", store.Unique),
		store.Describe(Counter{}).
			Text("id", store.PrimaryKey, store.Unique).
			Integer("value"),
	}
}

// Rules returns index, unique and foreign key rules of the current schema
func Rules() store.Rules { return store.RulesOf(Schema()...) }

// Seed inserts counters of a fresh database, must run in a transaction
func Seed(ctx context.Context, tx *store.Conn) error {
	for _, name := range Counters {
		if _, err := tx.Exec(ctx, "INSERT INTO counter (id, value) VALUES (?, 0)", name); err != nil {
			return fmt.Errorf("failed to create counter %s: %w", name, err)
		}
	}
	return nil
}

// NextNumber increments the counter and returns the new value. Must run in the same transaction
// as the insert using the number, so numbers are unique and strictly increasing.
func NextNumber(ctx context.Context, tx *store.Conn, counter string) (int64, error) {
	var v int64
	if err := tx.Returning(ctx, &v, "UPDATE counter SET value=value+1 WHERE id=? RETURNING value", counter); err != nil {
		return 0, fmt.Errorf("failed to increment counter %s: %w", counter, err)
	}
	return v, nil
}

// PackageOf returns the package owning the action
func PackageOf(ctx context.Context, c *store.Conn, action Action) (ActionPackage, error) {
	return store.First[ActionPackage](ctx, c, store.Query{Where: "id = ?", Args: []any{action.ActionPackageID}})
}

// ResolveDir returns absolute package directory, relative ones are resolved against dataDir
func (p ActionPackage) ResolveDir(dataDir string) string {
	if rel, ok := strings.CutPrefix(p.Directory, "./"); ok {
		return filepath.Join(dataDir, rel)
	}
	return p.Directory
}

// StoredDir makes the value stored in ActionPackage.Directory, relative when dir is inside dataDir
func StoredDir(dataDir, dir string) string {
	absData, err1 := filepath.Abs(dataDir)
	absDir, err2 := filepath.Abs(dir)
	if err1 != nil || err2 != nil {
		return dir
	}
	rel, err := filepath.Rel(absData, absDir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return absDir
	}
	return "./" + filepath.ToSlash(rel)
}
