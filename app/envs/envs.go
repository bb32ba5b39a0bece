// Package envs prepares execution environments of action packages. Packages with the same environment
// descriptor share one directory, named after the descriptor hash. Setup runs once per directory,
// concurrent preparations from other goroutines or processes wait on a host-wide mutex.
package envs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/actionsrv/app/model"
	"github.com/umputun/actionsrv/app/mutex"
)

const readyMarker = ".ready"

// Repeater repeats failed function
type Repeater interface {
	Do(ctx context.Context, fun func() error, errors ...error) (err error)
}

// Builder makes environment directories
type Builder struct {
	BaseDir      string        // environments root
	Mutex        mutex.Options // lock dir and wait limits, lock dir defaults to .locks in BaseDir
	Repeater     Repeater      // optional, retries failed setup
	SetupTimeout time.Duration // limit of a single setup attempt, no limit if zero
	Output       io.Writer     // setup commands output, discarded if nil
}

// Env is a prepared environment
type Env struct {
	Hash        string
	Dir         string
	Interpreter string
	Vars        []string // KEY=VALUE, package variables and ACTION_ENV_DIR
}

// Ensure returns environment of the package, running setup if the environment directory is not ready yet
func (b *Builder) Ensure(ctx context.Context, pkg model.ActionPackage) (Env, error) {
	desc, err := pkg.Environment()
	if err != nil {
		return Env{}, err
	}
	hash := pkg.EnvHash
	if hash == "" {
		hash = desc.Hash()
	}
	env := Env{Hash: hash, Dir: filepath.Join(b.BaseDir, hash), Interpreter: desc.Interpreter}
	env.Vars = append(desc.EnvVars(), "ACTION_ENV_DIR="+env.Dir)

	if b.ready(env.Dir) {
		return env, nil
	}

	mx, err := mutex.Acquire(ctx, mutex.Name(env.Dir, "env_"), b.lockOpts())
	if err != nil {
		return Env{}, fmt.Errorf("can't lock environment %s: %w", env.Dir, err)
	}
	defer mx.Release()

	if b.ready(env.Dir) { // prepared by another holder while we were waiting
		return env, nil
	}

	log.Printf("[INFO] preparing environment %s for package %s", env.Dir, pkg.Name)
	st := time.Now()
	setup := func() error { return b.setup(ctx, env, desc) }
	if b.Repeater != nil {
		err = b.Repeater.Do(ctx, setup)
	} else {
		err = setup()
	}
	if err != nil {
		return Env{}, fmt.Errorf("failed to prepare environment for package %s: %w", pkg.Name, err)
	}

	marker := fmt.Sprintf("package: %s\nprepared: %s\n", pkg.Name, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(filepath.Join(env.Dir, readyMarker), []byte(marker), 0o600); err != nil {
		return Env{}, fmt.Errorf("failed to mark environment %s ready: %w", env.Dir, err)
	}
	log.Printf("[INFO] environment %s prepared in %v", env.Dir, time.Since(st).Truncate(time.Millisecond))
	return env, nil
}

// Remove deletes environment directory, it will be prepared again on the next Ensure
func (b *Builder) Remove(ctx context.Context, hash string) error {
	if hash == "" || filepath.Base(hash) != hash {
		return fmt.Errorf("invalid environment hash %q", hash)
	}
	dir := filepath.Join(b.BaseDir, hash)
	mx, err := mutex.Acquire(ctx, mutex.Name(dir, "env_"), b.lockOpts())
	if err != nil {
		return fmt.Errorf("can't lock environment %s: %w", dir, err)
	}
	defer mx.Release()
	return os.RemoveAll(dir)
}

// setup makes a clean directory and runs setup commands in it, a failed attempt leaves no ready marker
func (b *Builder) setup(ctx context.Context, env Env, desc model.Environment) error {
	if err := os.RemoveAll(env.Dir); err != nil {
		return fmt.Errorf("can't clean %s: %w", env.Dir, err)
	}
	if err := os.MkdirAll(env.Dir, 0o750); err != nil {
		return fmt.Errorf("can't make %s: %w", env.Dir, err)
	}
	out := b.Output
	if out == nil {
		out = io.Discard
	}
	for _, line := range desc.Normalized().Setup {
		if err := b.runSetup(ctx, env, line, out); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) runSetup(ctx context.Context, env Env, line string, out io.Writer) error {
	if b.SetupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.SetupTimeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", line) //nolint gosec
	cmd.Dir = env.Dir
	cmd.Env = append(os.Environ(), env.Vars...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = time.Second // don't wait for output of orphaned children after kill
	log.Printf("[DEBUG] environment setup: %s", line)
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("setup %q timed out after %v", line, b.SetupTimeout)
		}
		return fmt.Errorf("setup %q failed: %w", line, err)
	}
	return nil
}

// lockOpts makes mutex options. Goroutines of this process preparing the same environment wait for each other,
// so the reentrant check is off.
func (b *Builder) lockOpts() mutex.Options {
	res := b.Mutex
	if res.BaseDir == "" {
		res.BaseDir = filepath.Join(b.BaseDir, ".locks")
	}
	res.SkipReentrantCheck = true
	return res
}

func (b *Builder) ready(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, readyMarker))
	return err == nil
}
