package importer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/actionsrv/app/migrate"
	"github.com/umputun/actionsrv/app/model"
	"github.com/umputun/actionsrv/app/store"
)

const manifestV1 = `name: greetings
environment:
  interpreter: sh
  setup:
    - echo preparing
  variables:
    GREETING: hello
actions:
  - name: greet
    file: greet.sh
    docs: says hello
    input_schema:
      type: object
      properties:
        name: {type: string}
  - name: bye
    file: bye.sh
    is_consequential: true
    managed_params_schema:
      type: object
`

const manifestV2 = `name: greetings
actions:
  - name: greet
    file: greet.sh
    docs: says hello again
`

func prepStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "actions.db")
	e, err := migrate.NewDefault(store.Options{})
	require.NoError(t, err)
	require.NoError(t, e.Create(t.Context(), path))
	s, err := store.Open(path, store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	require.NoError(t, s.RegisterClasses(model.Schema()...))
	return s
}

func writePackage(t *testing.T, dir, manifest string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o600))
	for _, f := range []string{"greet.sh", "bye.sh"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("echo "+f+"\n"), 0o600))
	}
}

func TestParse(t *testing.T) {
	m, err := Parse([]byte(manifestV1))
	require.NoError(t, err)
	assert.Equal(t, "greetings", m.Name)
	assert.Equal(t, "sh", m.Environment.Interpreter)
	assert.Equal(t, map[string]string{"GREETING": "hello"}, m.Environment.Variables)
	require.Len(t, m.Actions, 2)
	assert.Equal(t, 9, m.Actions[0].line)
	assert.Equal(t, 16, m.Actions[1].line)
	require.NotNil(t, m.Actions[1].IsConsequential)
	assert.True(t, *m.Actions[1].IsConsequential)
	assert.Equal(t, "object", m.Actions[0].InputSchema["type"])
}

func TestParse_Errors(t *testing.T) {
	tbl := []struct {
		name, data, err string
	}{
		{"empty", "", "empty manifest"},
		{"bad yaml", "name: [x", "can't parse yaml"},
		{"no name", "actions:\n  - {name: a, file: a.sh}\n", "invalid package name"},
		{"bad name", "name: ../x\nactions:\n  - {name: a, file: a.sh}\n", "invalid package name"},
		{"no actions", "name: p\n", "at least one action"},
		{"no file", "name: p\nactions:\n  - {name: a}\n", "file is required"},
		{"dup", "name: p\nactions:\n  - {name: a, file: a.sh}\n  - {name: a, file: b.sh}\n", "duplicate name"},
		{"outside", "name: p\nactions:\n  - {name: a, file: ../a.sh}\n", "inside package directory"},
		{"abs", "name: p\nactions:\n  - {name: a, file: /bin/sh}\n", "inside package directory"},
		{"wrong type", "name: p\nactions: 12\n", "can't decode"},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte("name: p\nactions:\n  - {name: a, file: a.sh}\n"), 0o600))
	_, err = Load(dir)
	require.Error(t, err, "action file doesn't exist")
}

func TestImporter_Import(t *testing.T) {
	s := prepStore(t)
	dataDir := t.TempDir()
	dir := filepath.Join(dataDir, "packages", "greetings")
	writePackage(t, dir, manifestV1)

	im := Importer{Store: s, DataDir: dataDir}
	res, err := im.Import(t.Context(), dir)
	require.NoError(t, err)
	assert.Equal(t, "./packages/greetings", res.Package.Directory)
	assert.Equal(t, dir, res.Package.ResolveDir(dataDir))
	require.Len(t, res.Actions, 2)
	assert.Empty(t, res.Disabled)

	env, err := res.Package.Environment()
	require.NoError(t, err)
	assert.Equal(t, env.Hash(), res.Package.EnvHash)
	assert.Equal(t, "sh", env.Interpreter)

	err = s.Connect(t.Context(), func(c *store.Conn) error {
		acts, err := store.All[model.Action](t.Context(), c, store.Query{})
		require.NoError(t, err)
		require.Len(t, acts, 2)
		assert.Equal(t, "greet", acts[0].Name)
		assert.True(t, acts[0].Enabled)
		assert.Equal(t, 9, acts[0].Lineno)
		var in map[string]any
		require.NoError(t, json.Unmarshal([]byte(acts[0].InputSchema), &in))
		assert.Equal(t, "object", in["type"])
		assert.Equal(t, "{}", acts[0].OutputSchema)
		assert.Nil(t, acts[0].IsConsequential)
		assert.Nil(t, acts[0].ManagedParamsSchema)
		require.NotNil(t, acts[1].ManagedParamsSchema)
		assert.JSONEq(t, `{"type":"object"}`, *acts[1].ManagedParamsSchema)
		return nil
	})
	require.NoError(t, err)

	// re-import with one action removed keeps ids and disables the missing action
	writePackage(t, dir, manifestV2)
	res2, err := im.Import(t.Context(), dir)
	require.NoError(t, err)
	assert.Equal(t, res.Package.ID, res2.Package.ID)
	require.Len(t, res2.Actions, 1)
	assert.Equal(t, res.Actions[0].ID, res2.Actions[0].ID)
	assert.Equal(t, []string{"bye"}, res2.Disabled)
	assert.NotEqual(t, res.Package.EnvHash, res2.Package.EnvHash)

	err = s.Connect(t.Context(), func(c *store.Conn) error {
		acts, err := store.All[model.Action](t.Context(), c, store.Query{})
		require.NoError(t, err)
		require.Len(t, acts, 2, "nothing deleted")
		assert.Equal(t, "says hello again", acts[0].Docs)
		assert.True(t, acts[0].Enabled)
		assert.False(t, acts[1].Enabled)
		pkgs, err := store.All[model.ActionPackage](t.Context(), c, store.Query{})
		require.NoError(t, err)
		assert.Len(t, pkgs, 1)
		return nil
	})
	require.NoError(t, err)

	// third import doesn't report already disabled action again, restored action is enabled back
	res3, err := im.Import(t.Context(), dir)
	require.NoError(t, err)
	assert.Empty(t, res3.Disabled)
	writePackage(t, dir, manifestV1)
	res4, err := im.Import(t.Context(), dir)
	require.NoError(t, err)
	require.Len(t, res4.Actions, 2)
	assert.Equal(t, res.Actions[1].ID, res4.Actions[1].ID)
	assert.True(t, res4.Actions[1].Enabled)
}

func TestImporter_ImportAll(t *testing.T) {
	s := prepStore(t)
	root := t.TempDir()
	writePackage(t, filepath.Join(root, "p1"), manifestV1)
	writePackage(t, filepath.Join(root, "p2"), "name: other\nactions:\n  - {name: bye, file: bye.sh}\n")
	writePackage(t, filepath.Join(root, "broken"), "name: [")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "file.txt"), []byte("x"), 0o600))

	im := Importer{Store: s, DataDir: root}
	res, err := im.ImportAll(t.Context(), root)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "greetings", res[0].Package.Name)
	assert.Equal(t, "other", res[1].Package.Name)

	_, err = im.ImportAll(t.Context(), filepath.Join(root, "missing"))
	require.Error(t, err)
}

func TestSchema(t *testing.T) {
	data, err := Schema()
	require.NoError(t, err)
	var v map[string]any
	require.NoError(t, json.Unmarshal(data, &v))
	assert.Equal(t, "Action package manifest", v["title"])
	assert.Contains(t, string(data), `"Manifest"`)
	assert.Contains(t, string(data), `"interpreter"`)
}

func TestImporter_Changes(t *testing.T) {
	s := prepStore(t)
	root := t.TempDir()
	p1 := filepath.Join(root, "p1")
	writePackage(t, p1, manifestV1)
	im := Importer{Store: s, DataDir: root}

	ctx, cancel := context.WithCancel(t.Context())
	ch, err := im.Changes(ctx, root, 50*time.Millisecond)
	require.NoError(t, err)

	writePackage(t, p1, manifestV2)
	past := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(p1, ManifestFile), past, past))

	select {
	case res := <-ch:
		assert.Equal(t, "greetings", res.Package.Name)
		assert.Len(t, res.Actions, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("change not detected")
	}

	p2 := filepath.Join(root, "p2")
	writePackage(t, p2, "name: other\nactions:\n  - {name: bye, file: bye.sh}\n")
	require.NoError(t, os.Chtimes(filepath.Join(p2, ManifestFile), past, past))
	select {
	case res := <-ch:
		assert.Equal(t, "other", res.Package.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("new package not detected")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, 5*time.Second, 10*time.Millisecond, "channel closed")

	_, err = im.Changes(t.Context(), filepath.Join(root, "missing"), time.Second)
	require.Error(t, err)
}
