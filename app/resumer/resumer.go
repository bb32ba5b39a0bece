// Package resumer finalizes runs interrupted by a server stop. Runs found unfinished on startup
// can't be completed anymore, their worker processes died with the previous server.
package resumer

import (
	"context"
	"fmt"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/actionsrv/app/model"
	"github.com/umputun/actionsrv/app/store"
)

// InterruptedMessage is the error message of runs finalized by Resumer
const InterruptedMessage = "interrupted, the server stopped before the run finished"

// Resumer finds and fails unfinished runs
type Resumer struct {
	Store    *store.Store
	Repeater store.Repeater // optional, retries busy store
}

// List returns runs in NOT_RUN or RUNNING status, ordered by numbered id
func (r *Resumer) List(ctx context.Context) (res []model.Run, err error) {
	err = r.Store.Connect(ctx, func(c *store.Conn) error {
		res, err = store.All[model.Run](ctx, c, store.Query{Where: "status IN (?, ?)",
			Args: []any{model.RunNotRun, model.RunRunning}, OrderBy: "numbered_id"})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("can't list unfinished runs: %w", err)
	}
	return res, nil
}

// Interrupt marks all unfinished runs FAILED, in one transaction. Returns the number of updated runs.
func (r *Resumer) Interrupt(ctx context.Context) (int, error) {
	runs, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(runs) == 0 {
		return 0, nil
	}
	log.Printf("[INFO] interrupted runs detected - %d", len(runs))

	msg := InterruptedMessage
	update := func() error {
		return r.Store.Connect(ctx, func(c *store.Conn) error {
			return c.Transaction(ctx, func(tx *store.Conn) error {
				for _, run := range runs {
					run.Status, run.ErrorMessage = model.RunFailed, &msg
					if err := tx.Update(ctx, run, "status", "error_message"); err != nil {
						return fmt.Errorf("run %s: %w", run.ID, err)
					}
				}
				return nil
			})
		})
	}
	if r.Repeater != nil {
		err = store.Retry(ctx, r.Repeater, update)
	} else {
		err = update()
	}
	if err != nil {
		return 0, fmt.Errorf("failed to finalize interrupted runs: %w", err)
	}
	for _, run := range runs {
		log.Printf("[DEBUG] run %d (%s) marked failed, was %s", run.NumberedID, run.ID, run.Status)
	}
	return len(runs), nil
}
