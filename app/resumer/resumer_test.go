package resumer

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/actionsrv/app/migrate"
	"github.com/umputun/actionsrv/app/model"
	"github.com/umputun/actionsrv/app/store"
)

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

func addRuns(t *testing.T, s *store.Store, statuses ...model.RunStatus) {
	t.Helper()
	ctx := t.Context()
	err := s.Connect(ctx, func(c *store.Conn) error {
		return c.Transaction(ctx, func(tx *store.Conn) error {
			if err := tx.Insert(ctx, model.ActionPackage{ID: "p1", Name: "pkg", Directory: "./pkg"}); err != nil {
				return err
			}
			if err := tx.Insert(ctx, model.Action{ID: "a1", ActionPackageID: "p1", Name: "act", File: "act.sh",
				InputSchema: "{}", OutputSchema: "{}", Enabled: true}); err != nil {
				return err
			}
			for i, st := range statuses {
				num, err := model.NextNumber(ctx, tx, model.RunIDCounter)
				if err != nil {
					return err
				}
				id := fmt.Sprintf("r%d", i+1)
				run := model.Run{ID: id, Status: st, ActionID: "a1", StartTime: "2024-01-01T00:00:00Z",
					Inputs: "{}", RelativeArtifactsDir: id, NumberedID: num}
				if err := tx.Insert(ctx, run); err != nil {
					return err
				}
			}
			return nil
		})
	})
	require.NoError(t, err)
}

func TestResumer_Interrupt(t *testing.T) {
	s := prepStore(t)
	addRuns(t, s, model.RunPassed, model.RunRunning, model.RunFailed, model.RunNotRun)
	r := Resumer{Store: s}

	unfinished, err := r.List(t.Context())
	require.NoError(t, err)
	require.Len(t, unfinished, 2)
	assert.Equal(t, "r2", unfinished[0].ID)
	assert.Equal(t, "r4", unfinished[1].ID)

	n, err := r.Interrupt(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	err = s.Connect(t.Context(), func(c *store.Conn) error {
		runs, err := store.All[model.Run](t.Context(), c, store.Query{})
		require.NoError(t, err)
		require.Len(t, runs, 4)
		assert.Equal(t, model.RunPassed, runs[0].Status)
		assert.Nil(t, runs[0].ErrorMessage)
		for _, i := range []int{1, 3} {
			assert.Equal(t, model.RunFailed, runs[i].Status)
			require.NotNil(t, runs[i].ErrorMessage)
			assert.Equal(t, InterruptedMessage, *runs[i].ErrorMessage)
		}
		return nil
	})
	require.NoError(t, err)

	n, err = r.Interrupt(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing left to interrupt")
}

func TestResumer_InterruptCanceled(t *testing.T) {
	s := prepStore(t)
	addRuns(t, s, model.RunRunning)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := (&Resumer{Store: s}).Interrupt(ctx)
	require.Error(t, err)
}
