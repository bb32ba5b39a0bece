package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/umputun/actionsrv/app/model"
	"github.com/umputun/actionsrv/app/store"
)

// Importer writes packages into the store
type Importer struct {
	Store    *store.Store
	DataDir  string         // package directories inside it are stored relative
	Repeater store.Repeater // optional, retries busy store
}

// Result of a package import
type Result struct {
	Package  model.ActionPackage
	Actions  []model.Action // enabled actions, in manifest order
	Disabled []string       // names of actions no longer in the manifest
}

// Import loads package.yaml from dir and creates or updates the package with its actions in one transaction.
// Actions missing from the manifest are disabled, never deleted, so existing runs keep their action.
func (im *Importer) Import(ctx context.Context, dir string) (Result, error) {
	m, err := Load(dir)
	if err != nil {
		return Result{}, err
	}
	env := m.Environment.Normalized()
	pkg := model.ActionPackage{
		Name:      m.Name,
		Directory: model.StoredDir(im.DataDir, dir),
		EnvHash:   env.Hash(),
		EnvJSON:   env.JSON(),
	}

	var res Result
	write := func() error {
		res = Result{}
		return im.Store.Connect(ctx, func(c *store.Conn) error {
			return c.Transaction(ctx, func(tx *store.Conn) error {
				var e error
				res, e = im.write(ctx, tx, pkg, m)
				return e
			})
		})
	}
	if im.Repeater != nil {
		err = store.Retry(ctx, im.Repeater, write)
	} else {
		err = write()
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to import package %s: %w", m.Name, err)
	}
	log.Printf("[INFO] imported package %s from %s, %d actions, %d disabled", m.Name, dir, len(res.Actions), len(res.Disabled))
	return res, nil
}

// ImportAll imports every subdirectory of root having package.yaml. A broken package is logged and skipped.
func (im *Importer) ImportAll(ctx context.Context, root string) ([]Result, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("can't read packages dir %s: %w", root, err)
	}
	var res []Result
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err != nil {
			continue
		}
		r, err := im.Import(ctx, dir)
		if err != nil {
			log.Printf("[WARN] skip package in %s: %v", dir, err)
			continue
		}
		res = append(res, r)
	}
	return res, nil
}

func (im *Importer) write(ctx context.Context, tx *store.Conn, pkg model.ActionPackage, m Manifest) (Result, error) {
	existing, err := store.First[model.ActionPackage](ctx, tx, store.Query{Where: "name = ?", Args: []any{pkg.Name}})
	switch {
	case err == nil:
		pkg.ID = existing.ID
		if err := tx.Update(ctx, pkg, "directory", "env_hash", "env_json"); err != nil {
			return Result{}, err
		}
	case store.IsNotFound(err):
		pkg.ID = uuid.NewString()
		if err := tx.Insert(ctx, pkg); err != nil {
			return Result{}, err
		}
	default:
		return Result{}, err
	}

	current, err := store.All[model.Action](ctx, tx, store.Query{Where: "action_package_id = ?", Args: []any{pkg.ID}})
	if err != nil {
		return Result{}, err
	}
	byName := make(map[string]model.Action, len(current))
	for _, a := range current {
		byName[a.Name] = a
	}

	res := Result{Package: pkg}
	for _, spec := range m.Actions {
		act, err := toAction(pkg.ID, spec)
		if err != nil {
			return Result{}, fmt.Errorf("action %s: %w", spec.Name, err)
		}
		if prev, ok := byName[spec.Name]; ok {
			act.ID = prev.ID
			if err := tx.Update(ctx, act); err != nil {
				return Result{}, err
			}
		} else {
			act.ID = uuid.NewString()
			if err := tx.Insert(ctx, act); err != nil {
				return Result{}, err
			}
		}
		res.Actions = append(res.Actions, act)
	}

	for _, a := range current {
		inManifest := slices.ContainsFunc(m.Actions, func(s ActionSpec) bool { return s.Name == a.Name })
		if inManifest || !a.Enabled {
			continue
		}
		a.Enabled = false
		if err := tx.Update(ctx, a, "enabled"); err != nil {
			return Result{}, err
		}
		res.Disabled = append(res.Disabled, a.Name)
	}
	return res, nil
}

func toAction(pkgID string, spec ActionSpec) (model.Action, error) {
	in, err := schemaJSON(spec.InputSchema)
	if err != nil {
		return model.Action{}, fmt.Errorf("bad input schema: %w", err)
	}
	out, err := schemaJSON(spec.OutputSchema)
	if err != nil {
		return model.Action{}, fmt.Errorf("bad output schema: %w", err)
	}
	act := model.Action{ActionPackageID: pkgID, Name: spec.Name, Docs: spec.Docs, File: spec.File,
		Lineno: spec.line, InputSchema: in, OutputSchema: out, Enabled: true, IsConsequential: spec.IsConsequential}
	if spec.ManagedParamsSchema != nil {
		mp, err := schemaJSON(spec.ManagedParamsSchema)
		if err != nil {
			return model.Action{}, fmt.Errorf("bad managed params schema: %w", err)
		}
		act.ManagedParamsSchema = &mp
	}
	return act, nil
}
