package pool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/actionsrv/app/worker"
)

const workerEnv = "POOL_TEST_WORKER"

// TestMain runs the test binary as a worker process when started by the pool under test
func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		log.Setup(log.Out(os.Stderr), log.Err(os.Stderr))
		if err := worker.Serve(context.Background(), os.Stdin, os.Stdout, worker.ExecutorFunc(testExecutor)); err != nil {
			fmt.Fprintf(os.Stderr, "worker failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func testExecutor(_ context.Context, req worker.Request) (int, error) {
	switch req.Action {
	case "fail":
		return 2, nil
	case "sleep":
		time.Sleep(300 * time.Millisecond)
	case "block":
		time.Sleep(time.Hour)
	case "crash":
		os.Exit(7)
	case "garbage":
		fmt.Fprint(os.Stdout, "not a frame\r\n\r\n")
		time.Sleep(time.Hour)
	case "pid":
		if err := os.WriteFile(req.ResultFile, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
			return 1, err
		}
	}
	return 0, nil
}

func newPool(t *testing.T, opts Options) *Pool {
	t.Helper()
	opts.Command = []string{"env", workerEnv + "=1", os.Args[0], "-test.run=^$"}
	p, err := New(t.Context(), opts)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func runPID(t *testing.T, h *Handle) int {
	t.Helper()
	res := filepath.Join(t.TempDir(), "result")
	code, err := h.RunAction(t.Context(), RunRequest{Action: "pid", ResultFile: res})
	require.NoError(t, err)
	require.Equal(t, 0, code)
	data, err := os.ReadFile(res)
	require.NoError(t, err)
	pid, err := strconv.Atoi(string(data))
	require.NoError(t, err)
	return pid
}

func TestPool_MinMaxScenario(t *testing.T) {
	p := newPool(t, Options{MinProcesses: 2, MaxProcesses: 3, Reuse: true})
	assert.Equal(t, 2, p.IdleCount())
	assert.Equal(t, 0, p.RunningCount())

	handles := make([]*Handle, 3)
	var wg sync.WaitGroup
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Checkout(t.Context(), Target{})
			assert.NoError(t, err)
			handles[i] = h
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, p.RunningCount())
	assert.Equal(t, 0, p.IdleCount())

	got := make(chan *Handle, 1)
	go func() {
		h, err := p.Checkout(t.Context(), Target{})
		assert.NoError(t, err)
		got <- h
	}()
	select {
	case <-got:
		t.Fatal("fourth checkout should block")
	case <-time.After(200 * time.Millisecond):
	}

	p.Release(handles[0])
	var fourth *Handle
	select {
	case fourth = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("fourth checkout wasn't unblocked")
	}
	assert.Equal(t, 3, p.RunningCount())
	assert.Equal(t, 0, p.IdleCount())
	assert.Equal(t, handles[0].ID(), fourth.ID(), "released worker reused")

	p.Release(fourth)
	assert.Equal(t, 2, p.RunningCount())
	assert.Equal(t, 1, p.IdleCount())
	p.Release(handles[1])
	p.Release(handles[2])
	assert.Equal(t, 0, p.RunningCount())
	assert.Equal(t, 3, p.IdleCount())
	assert.LessOrEqual(t, p.IdleCount()+p.RunningCount(), 3)
}

func TestPool_CheckoutBlocksBeyondMax(t *testing.T) {
	p := newPool(t, Options{MinProcesses: 0, MaxProcesses: 2})
	h1, err := p.Checkout(t.Context(), Target{})
	require.NoError(t, err)
	h2, err := p.Checkout(t.Context(), Target{})
	require.NoError(t, err)
	assert.Equal(t, 2, p.RunningCount())

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	_, err = p.Checkout(ctx, Target{})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	p.Release(h1)
	p.Release(h2)
	assert.Equal(t, 0, p.RunningCount())
	assert.Equal(t, 0, p.IdleCount(), "without reuse released workers are stopped")
	assert.Equal(t, StateTerminated, h1.State())

	h3, err := p.Checkout(t.Context(), Target{})
	require.NoError(t, err, "abandoned waiter doesn't hold capacity")
	p.Release(h3)
}

func TestPool_FIFOWaiters(t *testing.T) {
	p := newPool(t, Options{MinProcesses: 0, MaxProcesses: 1, Reuse: true})
	h, err := p.Checkout(t.Context(), Target{})
	require.NoError(t, err)

	order := make(chan int, 3)
	for i := range 3 {
		go func() {
			wh, err := p.Checkout(t.Context(), Target{})
			if !assert.NoError(t, err) {
				return
			}
			order <- i
			time.Sleep(10 * time.Millisecond)
			p.Release(wh)
		}()
		time.Sleep(50 * time.Millisecond) // make waiters queue in order
	}
	p.Release(h)
	for i := range 3 {
		select {
		case v := <-order:
			assert.Equal(t, i, v)
		case <-time.After(5 * time.Second):
			t.Fatal("waiter not served")
		}
	}
}

func TestPool_FIFOWaitersWithoutReuse(t *testing.T) {
	p := newPool(t, Options{MinProcesses: 1, MaxProcesses: 1})
	h, err := p.Checkout(t.Context(), Target{})
	require.NoError(t, err)

	order := make(chan int, 4)
	for i := range 3 {
		go func() {
			wh, err := p.Checkout(t.Context(), Target{})
			if !assert.NoError(t, err) {
				return
			}
			order <- i
			time.Sleep(10 * time.Millisecond)
			p.Release(wh)
		}()
		time.Sleep(50 * time.Millisecond) // make waiters queue in order
	}
	p.Release(h)

	// a late caller queues behind the ones already waiting
	go func() {
		wh, err := p.Checkout(t.Context(), Target{})
		if !assert.NoError(t, err) {
			return
		}
		order <- 3
		p.Release(wh)
	}()

	for i := range 4 {
		select {
		case v := <-order:
			assert.Equal(t, i, v)
		case <-time.After(5 * time.Second):
			t.Fatal("waiter not served")
		}
	}
	assert.Eventually(t, func() bool { return p.IdleCount() == 1 && p.RunningCount() == 0 },
		5*time.Second, 10*time.Millisecond, "idle worker restored once nobody waits")
}

func TestPool_ReleaseTwice(t *testing.T) {
	t.Run("reuse", func(t *testing.T) {
		p := newPool(t, Options{MinProcesses: 0, MaxProcesses: 2, Reuse: true})
		h, err := p.Checkout(t.Context(), Target{})
		require.NoError(t, err)

		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.Release(h)
			}()
		}
		wg.Wait()
		assert.Equal(t, 0, p.RunningCount())
		assert.Equal(t, 1, p.IdleCount(), "worker parked once")
		assert.Equal(t, StateIdle, h.State())

		h2, err := p.Checkout(t.Context(), Target{})
		require.NoError(t, err)
		assert.Equal(t, h.ID(), h2.ID())
		assert.Equal(t, 0, p.IdleCount())
		p.Release(h2)
	})

	t.Run("no reuse", func(t *testing.T) {
		p := newPool(t, Options{MinProcesses: 0, MaxProcesses: 1})
		h, err := p.Checkout(t.Context(), Target{})
		require.NoError(t, err)

		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.Release(h)
			}()
		}
		wg.Wait()
		assert.Equal(t, 0, p.RunningCount())
		assert.Equal(t, StateTerminated, h.State())

		// capacity is still one, a second checkout fills it and the third blocks
		h2, err := p.Checkout(t.Context(), Target{})
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
		defer cancel()
		_, err = p.Checkout(ctx, Target{})
		require.ErrorIs(t, err, context.DeadlineExceeded)
		p.Release(h2)
	})
}

func TestPool_KilledWorkerNeverRequeued(t *testing.T) {
	p := newPool(t, Options{MinProcesses: 1, MaxProcesses: 2, Reuse: true})
	h, err := p.Checkout(t.Context(), Target{})
	require.NoError(t, err)
	assert.Equal(t, 0, p.IdleCount())

	h.Kill()
	h.Kill()
	assert.False(t, h.Alive())
	p.Release(h)
	assert.Equal(t, StateTerminated, h.State())
	assert.Equal(t, 0, p.RunningCount())

	require.Eventually(t, func() bool { return p.IdleCount() == 1 }, 5*time.Second, 10*time.Millisecond,
		"replacement spawned")
	h2, err := p.Checkout(t.Context(), Target{})
	require.NoError(t, err)
	assert.NotEqual(t, h.ID(), h2.ID())
	assert.True(t, h2.Alive())
	p.Release(h2)

	p.Release(h) // second release of a dropped worker is ignored
	assert.Equal(t, 0, p.RunningCount())
}

func TestHandle_RunAction(t *testing.T) {
	p := newPool(t, Options{MinProcesses: 0, MaxProcesses: 2, Reuse: true})

	t.Run("exit codes", func(t *testing.T) {
		h, err := p.Checkout(t.Context(), Target{})
		require.NoError(t, err)
		defer p.Release(h)
		code, err := h.RunAction(t.Context(), RunRequest{Action: "ok"})
		require.NoError(t, err)
		assert.Equal(t, 0, code)
		code, err = h.RunAction(t.Context(), RunRequest{Action: "fail"})
		require.NoError(t, err)
		assert.Equal(t, 2, code)
		assert.True(t, h.Alive())
	})

	for _, action := range []string{"crash", "garbage"} {
		t.Run(action, func(t *testing.T) {
			h, err := p.Checkout(t.Context(), Target{})
			require.NoError(t, err)
			_, err = h.RunAction(t.Context(), RunRequest{Action: action})
			require.ErrorIs(t, err, ErrCrashed)
			assert.False(t, h.Alive())
			p.Release(h)
			assert.Equal(t, StateTerminated, h.State())
		})
	}

	t.Run("canceled", func(t *testing.T) {
		h, err := p.Checkout(t.Context(), Target{})
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
		defer cancel()
		st := time.Now()
		_, err = h.RunAction(ctx, RunRequest{Action: "block"})
		require.ErrorIs(t, err, ErrCrashed)
		assert.Less(t, time.Since(st), 5*time.Second)
		assert.False(t, h.Alive())
		p.Release(h)
	})

	t.Run("not checked out", func(t *testing.T) {
		h, err := p.Checkout(t.Context(), Target{})
		require.NoError(t, err)
		p.Release(h)
		_, err = h.RunAction(t.Context(), RunRequest{Action: "ok"})
		require.Error(t, err)
	})
}

func TestPool_ReuseKeepsProcess(t *testing.T) {
	t.Run("reuse", func(t *testing.T) {
		p := newPool(t, Options{MinProcesses: 1, MaxProcesses: 1, Reuse: true})
		h, err := p.Checkout(t.Context(), Target{})
		require.NoError(t, err)
		pid1 := runPID(t, h)
		assert.Equal(t, h.PID(), pid1)
		p.Release(h)
		h, err = p.Checkout(t.Context(), Target{})
		require.NoError(t, err)
		assert.Equal(t, pid1, runPID(t, h))
		p.Release(h)
	})

	t.Run("no reuse", func(t *testing.T) {
		p := newPool(t, Options{MinProcesses: 1, MaxProcesses: 1})
		h, err := p.Checkout(t.Context(), Target{})
		require.NoError(t, err)
		pid1 := runPID(t, h)
		assert.False(t, h.Alive(), "worker exits after a single job")
		assert.Equal(t, 0, h.ExitCode())
		_, err = h.RunAction(t.Context(), RunRequest{Action: "ok"})
		require.Error(t, err, "one job per worker")
		p.Release(h)
		h, err = p.Checkout(t.Context(), Target{})
		require.NoError(t, err)
		assert.NotEqual(t, pid1, runPID(t, h))
		p.Release(h)
	})
}

func TestPool_Targets(t *testing.T) {
	p := newPool(t, Options{MinProcesses: 2, MaxProcesses: 2, Reuse: true, Warmup: Target{EnvHash: "a"}})
	require.Equal(t, 2, p.IdleCount())

	dir := t.TempDir()
	tb := Target{EnvHash: "b", Dir: dir, Env: []string{"EXTRA=1"}}
	h, err := p.Checkout(t.Context(), tb)
	require.NoError(t, err)
	assert.Equal(t, tb, h.Target())
	assert.Equal(t, 1, p.IdleCount(), "one idle worker of another target evicted")
	assert.Equal(t, 1, p.RunningCount())

	ha, err := p.Checkout(t.Context(), Target{EnvHash: "a"})
	require.NoError(t, err)
	assert.Equal(t, "a", ha.Target().EnvHash)
	p.Release(ha)
	p.Release(h)
	assert.Equal(t, 2, p.IdleCount())

	h, err = p.Checkout(t.Context(), tb)
	require.NoError(t, err)
	assert.Equal(t, tb, h.Target(), "worker of the same target reused")
	p.Release(h)
}

func TestPool_SweepReplacesDeadIdle(t *testing.T) {
	p := newPool(t, Options{MinProcesses: 2, MaxProcesses: 3, Reuse: true})
	p.mu.Lock()
	victim := p.idle[0]
	p.mu.Unlock()
	require.NoError(t, victim.cmd.Process.Kill())
	require.Eventually(t, func() bool { return !victim.Alive() }, 5*time.Second, 10*time.Millisecond)

	p.Sweep()
	require.Eventually(t, func() bool { return p.IdleCount() == 2 }, 5*time.Second, 10*time.Millisecond)
	p.mu.Lock()
	for _, h := range p.idle {
		assert.NotEqual(t, victim.ID(), h.ID())
	}
	p.mu.Unlock()
	assert.Equal(t, StateTerminated, victim.State())
}

func TestPool_DeadIdleReplacedOnCheckout(t *testing.T) {
	p := newPool(t, Options{MinProcesses: 1, MaxProcesses: 2, Reuse: true})
	p.mu.Lock()
	victim := p.idle[0]
	p.mu.Unlock()
	require.NoError(t, victim.cmd.Process.Kill())
	require.Eventually(t, func() bool { return !victim.Alive() }, 5*time.Second, 10*time.Millisecond)

	h, err := p.Checkout(t.Context(), Target{})
	require.NoError(t, err)
	assert.NotEqual(t, victim.ID(), h.ID())
	assert.True(t, h.Alive())
	p.Release(h)
}

func TestPool_Close(t *testing.T) {
	p := newPool(t, Options{MinProcesses: 1, MaxProcesses: 1, Reuse: true})
	h, err := p.Checkout(t.Context(), Target{})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Checkout(t.Context(), Target{})
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	p.Close()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not released on close")
	}

	p.Release(h)
	assert.False(t, h.Alive(), "released after close is stopped")
	assert.Equal(t, 0, p.IdleCount())
	_, err = p.Checkout(t.Context(), Target{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(t.Context(), Options{MaxProcesses: 0})
	require.Error(t, err)
	_, err = New(t.Context(), Options{MinProcesses: 3, MaxProcesses: 2})
	require.Error(t, err)
	_, err = New(t.Context(), Options{MinProcesses: 1, MaxProcesses: 1, Command: []string{"/non-existent/worker"}})
	require.Error(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "checked-out", StateCheckedOut.String())
	assert.Equal(t, "state(9)", State(9).String())
}
