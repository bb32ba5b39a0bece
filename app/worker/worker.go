package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	log "github.com/go-pkgz/lgr"
)

// Executor runs a single job and returns its exit code
type Executor interface {
	Execute(ctx context.Context, req Request) (int, error)
}

// ExecutorFunc is an adapter to use ordinary functions as Executor
type ExecutorFunc func(ctx context.Context, req Request) (int, error)

// Execute calls f(ctx, req)
func (f ExecutorFunc) Execute(ctx context.Context, req Request) (int, error) { return f(ctx, req) }

// Serve runs the worker loop until EOF, an exit command, ctx cancellation,
// or after the first job requested without reuse. Logging must not be routed to out.
func Serve(ctx context.Context, in io.Reader, out io.Writer, ex Executor) error {
	codec := NewCodec(in, out)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var req Request
		if err := codec.Read(&req); err != nil {
			if errors.Is(err, io.EOF) {
				log.Printf("[DEBUG] worker input closed, pid %d", os.Getpid())
				return nil
			}
			return err
		}

		switch req.Command {
		case CmdExit:
			log.Printf("[DEBUG] worker exit requested, pid %d", os.Getpid())
			return nil
		case CmdRun, "":
		default:
			return fmt.Errorf("%w: unknown command %q", ErrProtocol, req.Command)
		}

		resp := Response{}
		code, err := ex.Execute(ctx, req)
		resp.ReturnCode = code
		if err != nil {
			resp.Error = err.Error()
			if resp.ReturnCode == 0 {
				resp.ReturnCode = 1
			}
		}
		if err := codec.Write(resp); err != nil {
			return err
		}
		if !req.Reuse {
			return nil
		}
	}
}

// CommandExecutor runs the action file under the interpreter as a child process.
// Combined stdout and stderr of the action goes to OutputFile, or to Output if no file requested.
type CommandExecutor struct {
	Output io.Writer
}

// Execute runs the action and returns the exit code. Error returned only if the action could not be started.
func (c CommandExecutor) Execute(ctx context.Context, req Request) (int, error) {
	if req.ActionFile == "" {
		return 1, errors.New("no action file")
	}
	var cmd *exec.Cmd
	if req.Interpreter != "" {
		cmd = exec.CommandContext(ctx, req.Interpreter, req.ActionFile) //nolint gosec
	} else {
		cmd = exec.CommandContext(ctx, "sh", req.ActionFile) //nolint gosec
	}
	env, err := actionEnv(req)
	if err != nil {
		return 1, err
	}
	cmd.Env = env

	out := c.Output
	if out == nil {
		out = io.Discard
	}
	if req.OutputFile != "" {
		f, err := os.OpenFile(req.OutputFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint gosec
		if err != nil {
			return 1, fmt.Errorf("failed to open output file: %w", err)
		}
		defer f.Close()
		out = f
	}
	cmd.Stdout = out
	cmd.Stderr = out

	log.Printf("[DEBUG] running action %s (%s)", req.Action, req.ActionFile)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 1, fmt.Errorf("failed to run action %s: %w", req.Action, err)
	}
	return 0, nil
}

func actionEnv(req Request) ([]string, error) {
	rc, err := json.Marshal(req.RequestContext)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request context: %w", err)
	}
	env := append(os.Environ(), req.Env...)
	env = append(env,
		"ACTION_NAME="+req.Action,
		"ACTION_INPUT="+req.InputFile,
		"ACTION_RESULT="+req.ResultFile,
		"ACTION_ARTIFACTS_DIR="+req.ArtifactsDir,
		"ACTION_DIR="+filepath.Dir(req.ActionFile),
		"ACTION_REQUEST_CONTEXT="+string(rc),
	)
	return env, nil
}
