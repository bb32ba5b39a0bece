// Package mutex implements a named host-wide mutex shared by goroutines and processes.
// The lock is an exclusive flock on a file named after the mutex in the base directory, so the kernel
// drops it when the holding process dies.
package mutex

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

// ErrReentrant returned when the mutex is already held inside this process.
// The mutex is not reentrant, nested acquisition would never succeed.
var ErrReentrant = errors.New("mutex already acquired in this process")

// ErrTimeout returned when the mutex was not acquired in time
var ErrTimeout = errors.New("timeout acquiring mutex")

// Options define acquisition behavior
type Options struct {
	BaseDir   string        // lock files location, os.TempDir() if empty
	Timeout   time.Duration // total wait, 20s if zero
	SleepTime time.Duration // delay between attempts, 150ms if zero
	// SkipReentrantCheck makes acquisition wait instead of failing with ErrReentrant when the mutex is held
	// in this process. Needed when the holder releases it from a different goroutine.
	SkipReentrantCheck bool
	// BestEffort returns a not acquired mutex instead of ErrTimeout, the caller proceeds without exclusivity
	BestEffort bool
}

func (o Options) withDefaults() Options {
	if o.BaseDir == "" {
		o.BaseDir = os.TempDir()
	}
	if o.Timeout == 0 {
		o.Timeout = 20 * time.Second
	}
	if o.SleepTime == 0 {
		o.SleepTime = 150 * time.Millisecond
	}
	return o
}

// Mutex is a handle of one acquisition attempt
type Mutex struct {
	name     string
	path     string
	acquired bool
	holder   string // lock file content seen when not acquired

	mu       sync.Mutex
	file     *os.File
	disposed bool
}

// holders keeps mutexes acquired by this process, keyed by lock file path
var holders = struct {
	sync.Mutex
	m map[string]*Mutex
}{m: map[string]*Mutex{}}

// Name makes a short deterministic mutex name for an arbitrary target, i.e. a file system path
func Name(target, prefix string) string {
	h := sha256.Sum224([]byte(target))
	return prefix + hex.EncodeToString(h[:])[:16]
}

// TryAcquire makes a single attempt. If the mutex is held elsewhere the returned handle is not acquired
// and error is nil.
func TryAcquire(name string, opts Options) (*Mutex, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	if err := os.MkdirAll(opts.BaseDir, 0o700); err != nil {
		return nil, fmt.Errorf("can't make mutex dir %s: %w", opts.BaseDir, err)
	}
	m := &Mutex{name: name, path: filepath.Join(opts.BaseDir, name)}

	if !opts.SkipReentrantCheck && heldHere(m.path) {
		return nil, fmt.Errorf("%w: %s", ErrReentrant, name)
	}

	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_RDWR, 0o600) //nolint gosec
	if err != nil {
		return nil, fmt.Errorf("can't open lock file %s: %w", m.path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if !errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("can't lock %s: %w", m.path, err)
		}
		if data, rerr := os.ReadFile(m.path); rerr == nil {
			m.holder = string(data)
		}
		return m, nil
	}

	info := fmt.Sprintf("PID: %d\nMutex name: %s\nAcquired: %s\n", os.Getpid(), name, time.Now().Format(time.RFC3339Nano))
	if err := f.Truncate(0); err == nil {
		if _, err := f.WriteAt([]byte(info), 0); err != nil {
			log.Printf("[DEBUG] can't write holder info to %s: %v", m.path, err)
		}
	}
	m.file = f
	m.acquired = true

	holders.Lock()
	holders.m[m.path] = m
	holders.Unlock()
	return m, nil
}

// Acquire keeps trying to get the mutex until opts.Timeout. On timeout it returns ErrTimeout,
// or in best-effort mode logs a warning and returns a handle which is not acquired.
func Acquire(ctx context.Context, name string, opts Options) (*Mutex, error) {
	opts = opts.withDefaults()
	deadline := time.Now().Add(opts.Timeout)
	for {
		lastAttempt := !time.Now().Before(deadline)
		m, err := TryAcquire(name, opts)
		if err != nil {
			return nil, err
		}
		if m.Acquired() {
			return m, nil
		}
		if lastAttempt {
			m.logHolder()
			if !opts.BestEffort {
				return nil, fmt.Errorf("%w %s in %v", ErrTimeout, name, opts.Timeout)
			}
			log.Printf("[WARN] unable to acquire mutex %s in %v, proceeding without it", name, opts.Timeout)
			return m, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.SleepTime):
		}
	}
}

// Acquired reports whether this handle holds the lock
func (m *Mutex) Acquired() bool { return m.acquired }

// Disposed reports whether the handle can't hold the lock anymore, either released or never acquired
func (m *Mutex) Disposed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.acquired || m.disposed
}

// Holder returns the lock file content left by the holder, set only if not acquired
func (m *Mutex) Holder() string { return m.holder }

// Release unlocks the mutex. Safe to call many times and on not acquired handles.
// The lock file is kept so the next holder locks the same inode.
func (m *Mutex) Release() {
	if m == nil || !m.acquired {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}
	m.disposed = true

	holders.Lock()
	if holders.m[m.path] == m {
		delete(holders.m, m.path)
	}
	holders.Unlock()

	if err := m.file.Truncate(0); err == nil {
		_, _ = m.file.WriteAt([]byte("Releasing lock\n"), 0)
	}
	if err := unix.Flock(int(m.file.Fd()), unix.LOCK_UN); err != nil {
		log.Printf("[WARN] can't unlock %s: %v", m.path, err)
	}
	if err := m.file.Close(); err != nil {
		log.Printf("[WARN] can't close %s: %v", m.path, err)
	}
}

func (m *Mutex) String() string {
	return fmt.Sprintf("mutex:%s, acquired:%v, disposed:%v", m.name, m.acquired, m.Disposed())
}

// logHolder reports pid holding the lock and whether it is still alive
func (m *Mutex) logHolder() {
	pid := holderPID(m.holder)
	if pid == 0 {
		log.Printf("[INFO] mutex %s held by unknown process, this pid: %d", m.path, os.Getpid())
		return
	}
	alive, err := process.PidExists(int32(pid)) //nolint gosec
	if err != nil {
		log.Printf("[DEBUG] can't check pid %d: %v", pid, err)
	}
	log.Printf("[INFO] mutex %s held by pid %d, alive: %v, this pid: %d", m.path, pid, alive, os.Getpid())
}

func holderPID(info string) int {
	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		if v, ok := strings.CutPrefix(sc.Text(), "PID: "); ok {
			pid, err := strconv.Atoi(strings.TrimSpace(v))
			if err == nil {
				return pid
			}
		}
	}
	return 0
}

func heldHere(path string) bool {
	holders.Lock()
	defer holders.Unlock()
	_, ok := holders.m[path]
	return ok
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `*?"<>|/\:`) {
		return fmt.Errorf("invalid mutex name %q", name)
	}
	return nil
}
