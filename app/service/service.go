// Package service runs actions in pooled worker processes and records every execution as a Run.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/umputun/actionsrv/app/envs"
	"github.com/umputun/actionsrv/app/model"
	"github.com/umputun/actionsrv/app/pool"
	"github.com/umputun/actionsrv/app/store"
)

// files created in the run artifacts directory
const (
	InputsFile = "__action_server_inputs.json"
	ResultFile = "__action_server_result.json"
	OutputFile = "__action_server_output.txt"
)

// ErrDisabled returned for actions removed from their package
var ErrDisabled = errors.New("action is disabled")

// Runner executes actions. Every started execution is recorded as Run and ends either PASSED or FAILED,
// failures of environment setup or worker process land in the Run error message.
type Runner struct {
	Store        *store.Store
	Envs         EnvBuilder
	Pool         WorkerPool
	Conditions   ConditionChecker // optional admission check
	Repeater     store.Repeater   // optional, retries busy store
	DataDir      string           // relative package directories are resolved against it
	ArtifactsDir string           // per-run directories are made inside it
	Stdout       io.Writer        // mirror of action output, discarded if nil
	LogPrefix    bool             // prefix mirrored output lines with action name
	MaxLogLines  int              // output lines included into error message of failed run
	Active       *ActiveRuns      // optional registry of runs in progress
	Notifier     RunNotifier      // optional, reports finished runs
}

// EnvBuilder prepares package environment
type EnvBuilder interface {
	Ensure(ctx context.Context, pkg model.ActionPackage) (envs.Env, error)
}

// WorkerPool provides worker processes
type WorkerPool interface {
	Checkout(ctx context.Context, target pool.Target) (*pool.Handle, error)
	Release(h *pool.Handle)
}

// RunNotifier reports a finished run
type RunNotifier interface {
	Notify(ctx context.Context, desc string, run model.Run) error
}

// ConditionChecker blocks until a run may start
type ConditionChecker interface {
	Wait(ctx context.Context, desc string) error
}

// Run executes the action with inputs, a JSON object, and returns the finished Run record.
// Headers are passed to the action as request context. Returned error is not nil only if the run
// could not be recorded at all. Failed executions are returned as Run with RunFailed status.
func (r *Runner) Run(ctx context.Context, action model.Action, inputs []byte, headers map[string]string) (model.Run, error) {
	if !action.Enabled {
		return model.Run{}, fmt.Errorf("%w: %s", ErrDisabled, action.Name)
	}
	if len(inputs) == 0 {
		inputs = []byte("{}")
	}
	if !json.Valid(inputs) {
		return model.Run{}, fmt.Errorf("inputs of %s are not valid json", action.Name)
	}

	var pkg model.ActionPackage
	err := r.Store.Connect(ctx, func(c *store.Conn) (e error) {
		pkg, e = model.PackageOf(ctx, c, action)
		return e
	})
	if err != nil {
		return model.Run{}, fmt.Errorf("can't get package of %s: %w", action.Name, err)
	}

	desc := pkg.Name + "/" + action.Name
	if r.Conditions != nil {
		if err := r.Conditions.Wait(ctx, desc); err != nil {
			return model.Run{}, err
		}
	}

	run, err := r.createRun(ctx, action, inputs)
	if err != nil {
		return model.Run{}, err
	}
	if r.Active != nil {
		r.Active.Add(ActiveRun{RunID: run.ID, NumberedID: run.NumberedID, Action: desc, Started: time.Now()})
		defer r.Active.Remove(run.ID)
	}
	log.Printf("[INFO] run %d (%s) started for %s", run.NumberedID, run.ID, desc)

	st := time.Now()
	result, execErr := r.execute(ctx, pkg, action, &run, headers)
	// the run is finalized even if the caller is gone
	fctx := context.WithoutCancel(ctx)
	elapsed := time.Since(st).Seconds()
	run.RunTime = &elapsed
	if execErr != nil {
		msg := execErr.Error()
		if tail := r.outputTail(run); tail != "" {
			msg += "\n\n" + tail
		}
		run.Status, run.ErrorMessage = model.RunFailed, &msg
		if err := r.write(fctx, func(tx *store.Conn) error {
			return tx.Update(fctx, run, "status", "run_time", "error_message")
		}); err != nil {
			return run, fmt.Errorf("failed to mark run %s failed: %w", run.ID, err)
		}
		log.Printf("[WARN] run %d failed for %s, %v", run.NumberedID, desc, execErr)
		r.notify(fctx, desc, run)
		return run, nil
	}

	run.Status, run.Result = model.RunPassed, &result
	if err := r.write(fctx, func(tx *store.Conn) error {
		return tx.Update(fctx, run, "status", "run_time", "result")
	}); err != nil {
		return run, fmt.Errorf("failed to mark run %s passed: %w", run.ID, err)
	}
	log.Printf("[INFO] run %d passed for %s in %.2fs", run.NumberedID, desc, elapsed)
	r.notify(fctx, desc, run)
	return run, nil
}

func (r *Runner) notify(ctx context.Context, desc string, run model.Run) {
	if r.Notifier == nil {
		return
	}
	if err := r.Notifier.Notify(ctx, desc, run); err != nil {
		log.Printf("[WARN] can't send notification for run %d, %v", run.NumberedID, err)
	}
}

// createRun makes artifacts directory with inputs file and inserts NOT_RUN record with the next numbered id
func (r *Runner) createRun(ctx context.Context, action model.Action, inputs []byte) (model.Run, error) {
	id := uuid.NewString()
	run := model.Run{
		ID:                   id,
		Status:               model.RunNotRun,
		ActionID:             action.ID,
		StartTime:            time.Now().UTC().Format(time.RFC3339Nano),
		Inputs:               string(inputs),
		RelativeArtifactsDir: id,
	}
	dir := filepath.Join(r.ArtifactsDir, run.RelativeArtifactsDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return model.Run{}, fmt.Errorf("can't make artifacts dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, InputsFile), inputs, 0o600); err != nil {
		return model.Run{}, fmt.Errorf("can't write inputs: %w", err)
	}

	err := r.write(ctx, func(tx *store.Conn) error {
		num, err := model.NextNumber(ctx, tx, model.RunIDCounter)
		if err != nil {
			return err
		}
		run.NumberedID = num
		return tx.Insert(ctx, run)
	})
	if err != nil {
		return model.Run{}, fmt.Errorf("can't create run for %s: %w", action.Name, err)
	}
	return run, nil
}

// execute prepares environment, runs the action in a pooled worker and returns the result json
func (r *Runner) execute(ctx context.Context, pkg model.ActionPackage, action model.Action, run *model.Run,
	headers map[string]string) (result string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("run panicked: %v", rec)
		}
	}()

	env, err := r.Envs.Ensure(ctx, pkg)
	if err != nil {
		return "", err
	}

	run.Status = model.RunRunning
	if err := r.write(ctx, func(tx *store.Conn) error { return tx.Update(ctx, *run, "status") }); err != nil {
		return "", fmt.Errorf("can't mark run running: %w", err)
	}

	pkgDir := pkg.ResolveDir(r.DataDir)
	h, err := r.Pool.Checkout(ctx, pool.Target{EnvHash: env.Hash, Dir: pkgDir, Env: env.Vars})
	if err != nil {
		return "", fmt.Errorf("can't get worker: %w", err)
	}
	defer r.Pool.Release(h)

	dir := filepath.Join(r.ArtifactsDir, run.RelativeArtifactsDir)
	resultFile := filepath.Join(dir, ResultFile)
	code, err := h.RunAction(ctx, pool.RunRequest{
		Action:         action.Name,
		Interpreter:    env.Interpreter,
		ActionFile:     filepath.Join(pkgDir, action.File),
		InputFile:      filepath.Join(dir, InputsFile),
		ResultFile:     resultFile,
		OutputFile:     filepath.Join(dir, OutputFile),
		ArtifactsDir:   dir,
		RequestContext: headers,
	})
	r.mirror(*run, action.Name)
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", fmt.Errorf("the process did not complete successfully, returncode: %d", code)
	}

	data, err := os.ReadFile(resultFile) //nolint gosec
	if err != nil {
		return "", errors.New("it was not possible to collect the result, json not created")
	}
	if !json.Valid(data) {
		return "", fmt.Errorf("the result in %s is not valid json", ResultFile)
	}
	return strings.TrimSpace(string(data)), nil
}

// write runs fn in a transaction, retried on busy store if Repeater is set
func (r *Runner) write(ctx context.Context, fn func(tx *store.Conn) error) error {
	tr := func() error {
		return r.Store.Connect(ctx, func(c *store.Conn) error { return c.Transaction(ctx, fn) })
	}
	if r.Repeater == nil {
		return tr()
	}
	return store.Retry(ctx, r.Repeater, tr)
}

// mirror copies action output to Stdout
func (r *Runner) mirror(run model.Run, name string) {
	if r.Stdout == nil {
		return
	}
	f, err := os.Open(filepath.Join(r.ArtifactsDir, run.RelativeArtifactsDir, OutputFile)) //nolint gosec
	if err != nil {
		return
	}
	defer f.Close()
	var w io.Writer = r.Stdout
	if r.LogPrefix {
		w = NewLinePrefixer(r.Stdout, name)
	}
	if _, err := io.Copy(w, f); err != nil {
		log.Printf("[WARN] can't mirror output of run %s, %v", run.ID, err)
	}
}

// outputTail returns last MaxLogLines of the run output
func (r *Runner) outputTail(run model.Run) string {
	if r.MaxLogLines <= 0 {
		return ""
	}
	f, err := os.Open(filepath.Join(r.ArtifactsDir, run.RelativeArtifactsDir, OutputFile)) //nolint gosec
	if err != nil {
		return ""
	}
	defer f.Close()
	tail := NewOutputTail(r.MaxLogLines)
	_, _ = io.Copy(tail, f)
	return tail.String()
}
