package migrate

import (
	"context"

	"github.com/umputun/actionsrv/app/model"
	"github.com/umputun/actionsrv/app/store"
)

// History returns production schema steps. Steps are frozen once released, new changes get a new step.
func History() []Step {
	return []Step{
		{ID: 1, Name: "initial", Apply: execAll(initialSchema...)},
		{ID: 2, Name: "add_action_enabled", Apply: execAll(
			"ALTER TABLE action ADD COLUMN enabled INTEGER CHECK(enabled IN (0, 1)) NOT NULL DEFAULT 1",
		)},
		{ID: 3, Name: "add_is_consequential", Apply: execAll(
			"ALTER TABLE action ADD COLUMN is_consequential INTEGER CHECK(is_consequential IN (0, 1))",
		)},
		{ID: 4, Name: "add_action_managed_params", Apply: execAll(
			"ALTER TABLE action ADD COLUMN managed_params_schema TEXT",
		)},
	}
}

// NewDefault makes engine with production history and the current model schema
func NewDefault(opts store.Options) (*Engine, error) {
	return New(History(), Schema{Descriptors: model.Schema(), Rules: model.Rules(), Seed: model.Seed}, opts)
}

var initialSchema = []string{
	`CREATE TABLE IF NOT EXISTS migration(
    id INTEGER NOT NULL PRIMARY KEY,
    name TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS action_package(
    id TEXT NOT NULL PRIMARY KEY,
    name TEXT NOT NULL,
    directory TEXT NOT NULL,
    env_hash TEXT NOT NULL,
    env_json TEXT NOT NULL
)`,
	"CREATE UNIQUE INDEX IF NOT EXISTS action_package_id_index ON action_package(id)",
	"CREATE UNIQUE INDEX IF NOT EXISTS action_package_name_index ON action_package(name)",
	`CREATE TABLE IF NOT EXISTS action(
    id TEXT NOT NULL PRIMARY KEY,
    action_package_id TEXT NOT NULL,
    name TEXT NOT NULL,
    docs TEXT NOT NULL,
    file TEXT NOT NULL,
    lineno INTEGER NOT NULL,
    input_schema TEXT NOT NULL,
    output_schema TEXT NOT NULL,
    FOREIGN KEY (action_package_id) REFERENCES action_package(id)
)`,
	"CREATE UNIQUE INDEX IF NOT EXISTS action_id_index ON action(id)",
	"CREATE INDEX IF NOT EXISTS action_action_package_id_index ON action(action_package_id)",
	`CREATE TABLE IF NOT EXISTS run(
    id TEXT NOT NULL PRIMARY KEY,
    status INTEGER NOT NULL,
    action_id TEXT NOT NULL,
    start_time TEXT NOT NULL,
    run_time REAL,
    inputs TEXT NOT NULL,
    result TEXT,
    error_message TEXT,
    relative_artifacts_dir TEXT NOT NULL,
    numbered_id INTEGER NOT NULL,
    FOREIGN KEY (action_id) REFERENCES action(id)
)`,
	"CREATE UNIQUE INDEX IF NOT EXISTS run_id_index ON run(id)",
	"CREATE INDEX IF NOT EXISTS run_status_index ON run(status)",
	"CREATE INDEX IF NOT EXISTS run_action_id_index ON run(action_id)",
	"CREATE UNIQUE INDEX IF NOT EXISTS run_numbered_id_index ON run(numbered_id)",
	`CREATE TABLE IF NOT EXISTS counter(
    id TEXT NOT NULL PRIMARY KEY,
    value INTEGER NOT NULL
)`,
	"CREATE UNIQUE INDEX IF NOT EXISTS counter_id_index ON counter(id)",
	"INSERT OR IGNORE INTO counter (id, value) VALUES ('" + model.RunIDCounter + "', 0)",
}

func execAll(queries ...string) func(ctx context.Context, tx *store.Conn) error {
	return func(ctx context.Context, tx *store.Conn) error {
		for _, q := range queries {
			if _, err := tx.Exec(ctx, q); err != nil {
				return err
			}
		}
		return nil
	}
}
