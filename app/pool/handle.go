package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/umputun/actionsrv/app/worker"
)

// State of a worker process
type State int

// worker states, Terminated is final
const (
	StateSpawning State = iota
	StateIdle
	StateCheckedOut
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateIdle:
		return "idle"
	case StateCheckedOut:
		return "checked-out"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// RunRequest describes one action execution
type RunRequest struct {
	Action         string
	Interpreter    string
	ActionFile     string
	InputFile      string
	ResultFile     string
	OutputFile     string
	ArtifactsDir   string
	RequestContext map[string]string
}

// Handle wraps one worker process. It is bound to a single caller between Checkout and Release.
type Handle struct {
	id     int
	target Target
	reuse  bool

	cmd   *exec.Cmd
	stdin io.WriteCloser
	codec *worker.Codec
	done  chan struct{} // closed when the process exited

	mu     sync.Mutex
	state  State
	killed bool
	jobs   int
}

// ID is a pool-unique worker id
func (h *Handle) ID() int { return h.id }

// PID of the worker process
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// Target the worker serves
func (h *Handle) Target() Target { return h.target }

// State returns current state
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Alive reports whether the process is running and wasn't killed. A crash is noticed here lazily.
func (h *Handle) Alive() bool {
	h.mu.Lock()
	killed := h.killed
	h.mu.Unlock()
	if killed {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ExitCode of the finished process, -1 if still running or killed by a signal
func (h *Handle) ExitCode() int {
	select {
	case <-h.done:
		return h.cmd.ProcessState.ExitCode()
	default:
		return -1
	}
}

// RunAction dispatches the job to the worker and waits for the result. Returns exit code of the action.
// Action output goes to req.OutputFile. Any protocol violation, unexpected exit or ctx cancellation kills the worker
// and returns ErrCrashed.
func (h *Handle) RunAction(ctx context.Context, req RunRequest) (int, error) {
	h.mu.Lock()
	if h.state != StateCheckedOut {
		h.mu.Unlock()
		return -1, fmt.Errorf("worker %d is %s, not checked out", h.id, h.state)
	}
	if h.jobs > 0 && !h.reuse {
		h.mu.Unlock()
		return -1, fmt.Errorf("worker %d already served a job", h.id)
	}
	h.jobs++
	h.mu.Unlock()

	if !h.Alive() {
		return -1, fmt.Errorf("%w: worker %d is not running", ErrCrashed, h.id)
	}

	stop := context.AfterFunc(ctx, func() {
		log.Printf("[WARN] action %s canceled, killing worker %d", req.Action, h.id)
		h.Kill()
	})
	defer stop()

	wreq := worker.Request{
		Command:        worker.CmdRun,
		Action:         req.Action,
		Interpreter:    req.Interpreter,
		ActionFile:     req.ActionFile,
		InputFile:      req.InputFile,
		ResultFile:     req.ResultFile,
		OutputFile:     req.OutputFile,
		ArtifactsDir:   req.ArtifactsDir,
		RequestContext: req.RequestContext,
		Env:            h.target.Env,
		Reuse:          h.reuse,
	}
	if err := h.codec.Write(wreq); err != nil {
		h.Kill()
		return -1, fmt.Errorf("%w: worker %d, %v", ErrCrashed, h.id, err)
	}
	var resp worker.Response
	if err := h.codec.Read(&resp); err != nil {
		h.Kill()
		if ctx.Err() != nil {
			return -1, fmt.Errorf("%w: worker %d, %v", ErrCrashed, h.id, ctx.Err())
		}
		return -1, fmt.Errorf("%w: worker %d, %v", ErrCrashed, h.id, err)
	}
	if resp.Error != "" {
		log.Printf("[WARN] worker %d reported error for action %s: %s", h.id, req.Action, resp.Error)
	}
	if !h.reuse {
		<-h.done // worker exits after a single job
	}
	return resp.ReturnCode, nil
}

// Kill terminates the worker and its descendants. Safe to call many times.
func (h *Handle) Kill() {
	h.mu.Lock()
	if h.killed {
		h.mu.Unlock()
		return
	}
	h.killed = true
	h.mu.Unlock()

	select {
	case <-h.done:
		return
	default:
	}
	if p, err := process.NewProcess(int32(h.cmd.Process.Pid)); err == nil { //nolint gosec
		killTree(p)
	}
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Printf("[DEBUG] can't kill worker %d: %v", h.id, err)
	}
	<-h.done
}

// stop asks the worker to exit and falls back to kill if it doesn't
func (h *Handle) stop() {
	if !h.Alive() {
		return
	}
	if err := h.codec.Write(worker.Request{Command: worker.CmdExit}); err == nil {
		_ = h.stdin.Close()
		select {
		case <-h.done:
			return
		case <-timeAfter(exitGrace):
		}
	}
	h.Kill()
}

// transition moves the handle from one state to another, false if it is not in the from state
func (h *Handle) transition(from, to State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != from {
		return false
	}
	h.state = to
	return true
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateTerminated {
		return
	}
	h.state = s
}

func (h *Handle) String() string {
	return fmt.Sprintf("worker{id:%d, pid:%d, state:%s, target:%s}", h.id, h.cmd.Process.Pid, h.State(), h.target.key())
}

// killTree kills children first, so they are not re-parented and left running
func killTree(p *process.Process) {
	children, err := p.Children()
	if err == nil {
		for _, c := range children {
			killTree(c)
		}
	}
	if err := p.Kill(); err != nil && !errors.Is(err, syscall.ESRCH) {
		log.Printf("[DEBUG] can't kill pid %d: %v", p.Pid, err)
	}
}
