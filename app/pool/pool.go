// Package pool keeps a bounded set of worker processes. Idle workers are pre-warmed up to MinProcesses,
// no more than MaxProcesses workers exist at once and callers wait in FIFO order when all are busy.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"

	"github.com/umputun/actionsrv/app/worker"
)

// ErrCrashed returned when the worker died or violated the protocol while running a job
var ErrCrashed = errors.New("worker crashed")

// ErrClosed returned by Checkout on a closed pool
var ErrClosed = errors.New("pool closed")

var (
	exitGrace = 2 * time.Second
	timeAfter = time.After
)

// Target defines the environment a worker runs in. Workers are reused only for the same target.
type Target struct {
	EnvHash string   // package environment
	Dir     string   // working directory
	Env     []string // extra environment, KEY=VALUE
}

func (t Target) key() string {
	return t.EnvHash + "|" + t.Dir
}

// Options for the pool
type Options struct {
	MinProcesses int
	MaxProcesses int
	Reuse        bool      // keep workers after a job and send the next job over the same channel
	Command      []string  // worker command line, the current binary with --worker if empty
	Warmup       Target    // target of pre-warmed idle workers
	Stderr       io.Writer // worker's own diagnostics, os.Stderr if nil
}

// Pool of worker processes
type Pool struct {
	opts Options

	mu       sync.Mutex
	idle     []*Handle
	running  int
	spawning int
	waiters  []chan struct{}
	woken    int // waiters signaled but not yet back under lock, newcomers queue behind them
	closed   bool
	lastID   int
	warm     Target
	bg       sync.WaitGroup
}

// New makes pool and spawns MinProcesses idle workers, returns when they are started
func New(ctx context.Context, opts Options) (*Pool, error) {
	if opts.MaxProcesses < 1 {
		return nil, fmt.Errorf("max processes must be positive, got %d", opts.MaxProcesses)
	}
	if opts.MinProcesses < 0 || opts.MinProcesses > opts.MaxProcesses {
		return nil, fmt.Errorf("min processes must be in [0, %d], got %d", opts.MaxProcesses, opts.MinProcesses)
	}
	if len(opts.Command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("can't detect worker executable: %w", err)
		}
		opts.Command = []string{exe, "--worker"}
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	p := &Pool{opts: opts, warm: opts.Warmup}

	p.mu.Lock()
	p.spawning = opts.MinProcesses
	p.mu.Unlock()

	var errsMu sync.Mutex
	var errs []error
	gr := syncs.NewSizedGroup(4)
	for range opts.MinProcesses {
		gr.Go(func(context.Context) {
			var h *Handle
			err := ctx.Err()
			if err == nil {
				h, err = p.spawn(opts.Warmup)
			}
			p.mu.Lock()
			p.spawning--
			if err == nil {
				h.setState(StateIdle)
				p.idle = append(p.idle, h)
			}
			p.mu.Unlock()
			if err != nil {
				errsMu.Lock()
				errs = append(errs, err)
				errsMu.Unlock()
			}
		})
	}
	gr.Wait()
	if len(errs) > 0 {
		p.Close()
		return nil, fmt.Errorf("failed to warm up workers: %w", errors.Join(errs...))
	}
	log.Printf("[INFO] worker pool started, min %d, max %d, reuse %v", opts.MinProcesses, opts.MaxProcesses, opts.Reuse)
	return p, nil
}

// Checkout returns a worker for the target. Reuses an idle worker of the same target, spawns a new one
// if under MaxProcesses, otherwise blocks until a worker is released or ctx is done.
// Blocked callers are served in arrival order, a new caller never overtakes a queued one.
func (p *Pool) Checkout(ctx context.Context, target Target) (*Handle, error) {
	signaled := false
	for {
		p.mu.Lock()
		if signaled {
			p.woken--
		}
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		queued := !signaled && (len(p.waiters) > 0 || p.woken > 0)
		if !queued {
			if h := p.popIdle(target); h != nil {
				h.setState(StateCheckedOut)
				p.running++
				p.passOn()
				p.mu.Unlock()
				return h, nil
			}

			var evict *Handle
			if p.running+p.spawning+len(p.idle) >= p.opts.MaxProcesses && len(p.idle) > 0 && p.running+p.spawning < p.opts.MaxProcesses {
				// all capacity is parked in idle workers of other targets
				evict = p.idle[0]
				p.idle = p.idle[1:]
			}
			if p.running+p.spawning+len(p.idle) < p.opts.MaxProcesses {
				p.running++
				p.warm = target
				p.passOn()
				p.mu.Unlock()
				if evict != nil {
					log.Printf("[DEBUG] evicting idle %s for target %s", evict, target.key())
					p.terminate(evict)
				}
				h, err := p.spawn(target)
				if err != nil {
					p.mu.Lock()
					p.running--
					p.signal()
					p.mu.Unlock()
					return nil, err
				}
				h.setState(StateCheckedOut)
				return h, nil
			}
		}

		ch := make(chan struct{}, 1)
		if signaled {
			p.waiters = slices.Insert(p.waiters, 0, ch) // keeps its place at the head
		} else {
			p.waiters = append(p.waiters, ch)
		}
		p.mu.Unlock()

		select {
		case <-ch:
			signaled = true
		case <-ctx.Done():
			p.mu.Lock()
			if i := slices.Index(p.waiters, ch); i >= 0 {
				p.waiters = slices.Delete(p.waiters, i, i+1)
				p.passOn() // the caller behind may fit now
			} else {
				p.woken-- // got signaled concurrently, pass it on
				p.signal()
			}
			p.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

// Release returns the worker to the pool. Dead or killed workers are dropped and replaced asynchronously,
// alive workers go back to idle in reuse mode or are stopped otherwise.
// Freed capacity goes to the first blocked caller before any idle top-up. Repeated release is a no-op.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	alive := h.Alive()
	toIdle := alive && p.opts.Reuse && !p.closed
	next := StateTerminated
	if toIdle {
		next = StateIdle
	}
	if !h.transition(StateCheckedOut, next) {
		p.mu.Unlock()
		return
	}
	p.running--
	if toIdle {
		p.idle = append(p.idle, h)
	}
	p.mu.Unlock()

	if !toIdle {
		if !alive {
			log.Printf("[INFO] worker %d exited with %d, dropped", h.id, h.ExitCode())
		}
		p.terminate(h)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.signal()
	p.topUp()
}

// RunningCount returns number of checked-out workers
func (p *Pool) RunningCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// IdleCount returns number of idle workers
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Sweep drops idle workers which died since they were parked and tops up to MinProcesses
func (p *Pool) Sweep() {
	p.mu.Lock()
	var dead []*Handle
	p.idle = slices.DeleteFunc(p.idle, func(h *Handle) bool {
		if !h.Alive() {
			dead = append(dead, h)
			return true
		}
		return false
	})
	p.mu.Unlock()

	for _, h := range dead {
		log.Printf("[INFO] idle worker %d died, exit code %d", h.id, h.ExitCode())
		p.terminate(h)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(dead) > 0 {
		p.signal()
	}
	p.topUp()
}

// Close stops idle workers and kills nothing in flight, released workers are stopped afterwards.
// Blocked Checkout calls return ErrClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.woken += len(waiters)
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- struct{}{}
	}
	for _, h := range idle {
		p.terminate(h)
	}
	p.bg.Wait()
	log.Printf("[INFO] worker pool closed")
}

// popIdle takes idle worker of the target, dead ones found on the way are dropped. Must be called under lock.
func (p *Pool) popIdle(target Target) *Handle {
	for i := 0; i < len(p.idle); i++ {
		h := p.idle[i]
		if h.target.key() != target.key() {
			continue
		}
		p.idle = slices.Delete(p.idle, i, i+1)
		if !h.Alive() {
			log.Printf("[INFO] idle worker %d found dead, exit code %d", h.id, h.ExitCode())
			h.setState(StateTerminated)
			p.bg.Add(1)
			go func() {
				defer p.bg.Done()
				h.Kill()
			}()
			p.topUp()
			i--
			continue
		}
		return h
	}
	return nil
}

// topUp spawns idle workers in background while below MinProcesses and capacity allows.
// Nothing is spawned while callers are blocked, the capacity is theirs. Must be called under lock.
func (p *Pool) topUp() {
	if p.closed || len(p.waiters) > 0 || p.woken > 0 {
		return
	}
	for len(p.idle)+p.spawning < p.opts.MinProcesses && p.running+p.spawning+len(p.idle) < p.opts.MaxProcesses {
		p.spawning++
		target := p.warm
		p.bg.Add(1)
		go func() {
			defer p.bg.Done()
			h, err := p.spawn(target)
			p.mu.Lock()
			defer p.mu.Unlock()
			p.spawning--
			if err != nil {
				log.Printf("[WARN] failed to spawn replacement worker: %v", err)
				p.signal()
				return
			}
			if p.closed {
				p.bg.Add(1)
				go func() {
					defer p.bg.Done()
					p.terminate(h)
				}()
				return
			}
			h.setState(StateIdle)
			p.idle = append(p.idle, h)
			p.signal()
		}()
	}
}

// signal wakes the first waiter. Must be called under lock.
func (p *Pool) signal() {
	if len(p.waiters) == 0 {
		return
	}
	ch := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.woken++
	ch <- struct{}{}
}

// passOn wakes the next waiter if capacity is left after a checkout. Must be called under lock.
func (p *Pool) passOn() {
	if p.woken == 0 && (len(p.idle) > 0 || p.running+p.spawning < p.opts.MaxProcesses) {
		p.signal()
	}
}

func (p *Pool) terminate(h *Handle) {
	h.setState(StateTerminated)
	h.stop()
}

func (p *Pool) spawn(target Target) (*Handle, error) {
	cmd := exec.Command(p.opts.Command[0], p.opts.Command[1:]...) //nolint gosec
	cmd.Dir = target.Dir
	cmd.Env = append(os.Environ(), target.Env...)
	cmd.Stderr = p.opts.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to make worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to make worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %s: %w", strings.Join(p.opts.Command, " "), err)
	}

	p.mu.Lock()
	p.lastID++
	id := p.lastID
	p.mu.Unlock()

	h := &Handle{id: id, target: target, reuse: p.opts.Reuse, cmd: cmd, stdin: stdin,
		codec: worker.NewCodec(stdout, stdin), done: make(chan struct{}), state: StateSpawning}
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Printf("[DEBUG] worker %d (pid %d) finished: %v", id, cmd.Process.Pid, err)
		}
		close(h.done)
	}()
	log.Printf("[DEBUG] spawned worker %d, pid %d, target %s", id, cmd.Process.Pid, target.key())
	return h, nil
}
