// Package migrate versions the on-disk schema. Each version is a Step, applied in ascending order
// within one transaction after the database file is backed up.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/actionsrv/app/model"
	"github.com/umputun/actionsrv/app/store"
)

// Step upgrades the schema from ID-1 to ID
type Step struct {
	ID    int
	Name  string
	Apply func(ctx context.Context, tx *store.Conn) error
}

// Schema is the shape of a database created directly at the latest version
type Schema struct {
	Descriptors []*store.Descriptor // must include the migration ledger
	Rules       store.Rules
	Seed        func(ctx context.Context, tx *store.Conn) error // optional, runs after tables created
}

// Engine applies steps. Construct once at startup and pass around.
type Engine struct {
	steps     []Step
	schema    Schema
	storeOpts store.Options
	now       func() time.Time
}

// New makes engine for steps and the current schema. Step ids must be 1..N without gaps.
func New(steps []Step, schema Schema, opts store.Options) (*Engine, error) {
	sorted := slices.Clone(steps)
	slices.SortFunc(sorted, func(a, b Step) int { return a.ID - b.ID })
	for i, s := range sorted {
		if s.ID != i+1 {
			return nil, fmt.Errorf("migration steps must be numbered from 1 without gaps, got %d at position %d", s.ID, i+1)
		}
		if s.Apply == nil {
			return nil, fmt.Errorf("migration step %d (%s) has no apply function", s.ID, s.Name)
		}
	}
	if len(sorted) == 0 {
		return nil, errors.New("no migration steps")
	}
	return &Engine{steps: sorted, schema: schema, storeOpts: opts, now: time.Now}, nil
}

// CurrentVersion is the latest known schema version
func (e *Engine) CurrentVersion() int { return e.steps[len(e.steps)-1].ID }

// Name returns name of the version
func (e *Engine) Name(version int) string {
	if version < 1 || version > len(e.steps) {
		return ""
	}
	return e.steps[version-1].Name
}

// Pending reports whether the database at path needs Create or Migrate: the file doesn't exist,
// the ledger is missing or empty (version 0) or behind the current version.
func (e *Engine) Pending(ctx context.Context, path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true, nil
		}
		return false, fmt.Errorf("can't check %s: %w", path, err)
	}
	ver, err := e.Version(ctx, path)
	if err != nil {
		return false, err
	}
	return ver < e.CurrentVersion(), nil
}

// Version returns the version recorded in the ledger of an existing database, 0 if none
func (e *Engine) Version(ctx context.Context, path string) (int, error) {
	s, err := store.Open(path, e.storeOpts)
	if err != nil {
		return 0, err
	}
	defer closeStore(s)

	ver := 0
	err = s.Connect(ctx, func(c *store.Conn) error {
		var e error
		ver, e = ledgerVersion(ctx, c)
		return e
	})
	return ver, err
}

// Create makes a fresh database at the current version with the ledger and seed data
func (e *Engine) Create(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("database %s already exists", path)
	}
	s, err := store.Open(path, e.storeOpts)
	if err != nil {
		return err
	}
	defer closeStore(s)

	if err := s.RegisterClasses(e.schema.Descriptors...); err != nil {
		return err
	}
	cur := e.CurrentVersion()
	return s.Connect(ctx, func(c *store.Conn) error {
		return c.Transaction(ctx, func(tx *store.Conn) error {
			if err := tx.CreateTables(ctx, e.schema.Rules); err != nil {
				return err
			}
			if err := tx.Insert(ctx, model.Migration{ID: cur, Name: e.Name(cur)}); err != nil {
				return err
			}
			if e.schema.Seed != nil {
				return e.schema.Seed(ctx, tx)
			}
			return nil
		})
	})
}

// Migrate upgrades the database at path to toVersion. The file is copied to a backup first,
// then all steps after the recorded version are applied in one transaction together with their ledger rows.
// Returns backup location, empty if nothing had to be done. On failure the backup is kept.
func (e *Engine) Migrate(ctx context.Context, path string, toVersion int) (backup string, err error) {
	if toVersion < 1 || toVersion > e.CurrentVersion() {
		return "", fmt.Errorf("unknown target version %d, current is %d", toVersion, e.CurrentVersion())
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("unable to migrate %s: %w", path, err)
	}

	ver, err := e.Version(ctx, path)
	if err != nil {
		return "", fmt.Errorf("can't read schema version: %w", err)
	}
	if ver == toVersion {
		return "", nil
	}
	if ver > toVersion {
		return "", fmt.Errorf("database version %d is newer than target %d", ver, toVersion)
	}

	log.Printf("[INFO] preparing to migrate database %s from version %d to %d", path, ver, toVersion)
	backup = filepath.Join(filepath.Dir(path), fmt.Sprintf("%s-pre-migration-%d-%d.bak", filepath.Base(path), toVersion, e.now().UnixNano()))
	if err := copyFile(path, backup); err != nil {
		return "", fmt.Errorf("failed to make backup: %w", err)
	}
	log.Printf("[INFO] backup created at %s", backup)

	s, err := store.Open(path, e.storeOpts)
	if err != nil {
		return backup, err
	}
	defer closeStore(s)
	if err := s.RegisterClasses(model.MigrationSchema()); err != nil {
		return backup, err
	}

	err = s.Connect(ctx, func(c *store.Conn) error {
		return c.Transaction(ctx, func(tx *store.Conn) error {
			if err := tx.CreateTables(ctx, store.Rules{}); err != nil { // ledger table of a version 0 database
				return err
			}
			cur, err := ledgerVersion(ctx, tx)
			if err != nil {
				return err
			}
			for v := cur + 1; v <= toVersion; v++ {
				step := e.steps[v-1]
				log.Printf("[INFO] migrating to version %d (%s)", step.ID, step.Name)
				if err := step.Apply(ctx, tx); err != nil {
					return fmt.Errorf("migration %d (%s) failed: %w", step.ID, step.Name, err)
				}
				if err := tx.Insert(ctx, model.Migration{ID: step.ID, Name: step.Name}); err != nil {
					return fmt.Errorf("can't record migration %d: %w", step.ID, err)
				}
			}
			return nil
		})
	})
	if err != nil {
		return backup, fmt.Errorf("migration of %s failed, backup kept at %s: %w", path, backup, err)
	}
	return backup, nil
}

func ledgerVersion(ctx context.Context, c *store.Conn) (int, error) {
	tables, err := c.ListTableNames(ctx)
	if err != nil {
		return 0, err
	}
	if !slices.Contains(tables, "migration") {
		return 0, nil
	}
	var ver int
	if err := c.Get(ctx, &ver, "SELECT COALESCE(MAX(id), 0) FROM migration"); err != nil {
		return 0, err
	}
	return ver, nil
}

// copyFile copies src to dst byte for byte, the write-ahead log is copied next to dst if present
func copyFile(src, dst string) error {
	if err := copyOne(src, dst); err != nil {
		return err
	}
	if _, err := os.Stat(src + "-wal"); err == nil {
		return copyOne(src+"-wal", dst+"-wal")
	}
	return nil
}

func copyOne(src, dst string) (err error) {
	in, err := os.Open(src) //nolint gosec
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) //nolint gosec
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func closeStore(s *store.Store) {
	if err := s.Close(); err != nil {
		log.Printf("[WARN] %v", err)
	}
}
