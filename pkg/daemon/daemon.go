// Package daemon runs the orchestrator process: the scheduler loop, the
// unix-socket control channel for the CLI, the HTTP dashboard listener, and
// the tick loop that feeds dispatch. Startup reconciles units a previous
// process left RUNNING; shutdown drains workers and removes the socket and
// port files.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"loom/pkg/protocol"
	"loom/pkg/scheduler"
)

// Scheduler is the slice of the scheduler the daemon serves.
type Scheduler interface {
	Run(ctx context.Context) error
	Inject(ctx context.Context, chunkID string) (*protocol.WorkUnit, error)
	Tick(ctx context.Context) (int, error)
	Answer(ctx context.Context, chunkID, text string) (*protocol.WorkUnit, error)
	Resolve(ctx context.Context, chunkID, competingChunkID string, verdict protocol.Verdict) (*protocol.WorkUnit, error)
	Get(ctx context.Context, chunkID string) (*protocol.WorkUnit, error)
	Units(ctx context.Context, status protocol.Status) ([]protocol.WorkUnit, error)
	Attention(ctx context.Context) ([]protocol.AttentionItem, error)
	Status(ctx context.Context) (scheduler.Snapshot, error)
}

// RecoveryStore is the slice of the state store startup recovery writes.
type RecoveryStore interface {
	ListByStatus(ctx context.Context, status protocol.Status) ([]protocol.WorkUnit, error)
	Upsert(ctx context.Context, unit *protocol.WorkUnit) error
	LogEvent(ctx context.Context, eventType, chunkID, detail string) error
}

// RecoveryTrees is the slice of the worktree manager recovery and shutdown
// drive.
type RecoveryTrees interface {
	Exists(chunkID string) bool
	CommitChanges(ctx context.Context, chunkID string) (bool, error)
	Remove(ctx context.Context, chunkID string) error
	Prune(ctx context.Context) error
	Abort()
}

// Daemon owns the long-running process. Build one with New and call Run.
type Daemon struct {
	cfg   Config
	paths Paths
	sched Scheduler
	store RecoveryStore
	trees RecoveryTrees

	// httpURL is set once before the listeners start serving.
	httpURL string

	nowFunc func() time.Time
}

// New wires a daemon. The caller owns opening the store and composing the
// scheduler; the daemon owns listeners, recovery, and lifecycle.
func New(cfg Config, paths Paths, sched Scheduler, store RecoveryStore, trees RecoveryTrees) *Daemon {
	return &Daemon{
		cfg:     cfg.withDefaults(),
		paths:   paths,
		sched:   sched,
		store:   store,
		trees:   trees,
		nowFunc: time.Now,
	}
}

// Run recovers orphaned units, binds the control socket and HTTP listener,
// then serves until ctx is cancelled. It blocks for the full daemon
// lifetime and returns after graceful shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.recoverRunning(ctx); err != nil {
		return err
	}

	if err := cleanStaleSocket(d.paths.SocketPath); err != nil {
		return err
	}
	control, err := net.Listen("unix", d.paths.SocketPath) //nolint:noctx // UDS bind is instant
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", d.paths.SocketPath, err)
	}
	if err := os.Chmod(d.paths.SocketPath, 0o600); err != nil {
		_ = control.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	httpLn, err := d.listenHTTP()
	if err != nil {
		_ = control.Close()
		_ = os.Remove(d.paths.SocketPath)
		return err
	}
	httpSrv := &http.Server{
		Handler:           d.newMux(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = d.sched.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.acceptLoop(ctx, control)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logEvent(ctx, "http_error", "", err.Error())
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.tickLoop(ctx)
	}()

	d.logEvent(ctx, "daemon_started", "", d.httpURL)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = control.Close()
	wg.Wait()

	// Cancellation may have killed a rebase mid-flight.
	d.trees.Abort()

	_ = os.Remove(d.paths.SocketPath)
	_ = os.Remove(d.paths.PortPath)
	return nil
}

// URL returns the HTTP base URL once Run has bound the listener.
func (d *Daemon) URL() string {
	return d.httpURL
}

// listenHTTP binds the dashboard listener. With no configured address it
// takes an ephemeral localhost port and publishes it through the port file
// so a parent process can find the dashboard.
func (d *Daemon) listenHTTP() (net.Listener, error) {
	addr := d.cfg.HTTPAddr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr) //nolint:noctx // local bind is instant
	if err != nil {
		return nil, fmt.Errorf("listen http %s: %w", addr, err)
	}
	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		_ = ln.Close()
		return nil, fmt.Errorf("unexpected listener address %v", ln.Addr())
	}
	d.httpURL = "http://" + ln.Addr().String()
	if err := os.WriteFile(d.paths.PortPath, []byte(strconv.Itoa(tcpAddr.Port)), 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("write port file: %w", err)
	}
	return ln, nil
}

// recoverRunning reconciles units a previous daemon left RUNNING: their
// agents are gone, so each moves to NEEDS_ATTENTION with any leftover
// worktree checkpointed to its branch and removed.
func (d *Daemon) recoverRunning(ctx context.Context) error {
	units, err := d.store.ListByStatus(ctx, protocol.StatusRunning)
	if err != nil {
		return fmt.Errorf("recovery scan: %w", err)
	}
	for i := range units {
		u := units[i]
		if d.trees.Exists(u.ChunkID) {
			if _, err := d.trees.CommitChanges(ctx, u.ChunkID); err != nil {
				d.logEvent(ctx, "worktree_error", u.ChunkID, fmt.Sprintf("recovery checkpoint: %v", err))
			}
			if err := d.trees.Remove(ctx, u.ChunkID); err != nil {
				d.logEvent(ctx, "worktree_error", u.ChunkID, fmt.Sprintf("recovery remove: %v", err))
			}
		}
		now := d.nowFunc()
		u.Status = protocol.StatusNeedsAttention
		u.AttentionReason = "orchestrator restarted"
		u.AttentionAt = &now
		u.WorktreePath = ""
		u.BranchName = ""
		u.UpdatedAt = now
		if err := d.store.Upsert(ctx, &u); err != nil {
			return fmt.Errorf("recover %s: %w", u.ChunkID, err)
		}
		d.logEvent(ctx, "recovered", u.ChunkID, "orchestrator restarted")
	}
	if err := d.trees.Prune(ctx); err != nil {
		d.logEvent(ctx, "worktree_error", "", fmt.Sprintf("recovery prune: %v", err))
	}
	return nil
}

// cleanStaleSocket removes a socket file left by a crashed daemon. A socket
// that still accepts connections belongs to a live daemon and is an error.
func cleanStaleSocket(socketPath string) error {
	if _, err := os.Stat(socketPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat socket %s: %w", socketPath, err)
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	dialer := net.Dialer{}
	conn, dialErr := dialer.DialContext(dialCtx, "unix", socketPath)
	if dialErr == nil {
		_ = conn.Close()
		return fmt.Errorf("another daemon is already running on %s", socketPath)
	}

	if err := os.Remove(socketPath); err != nil {
		return fmt.Errorf("remove stale socket %s: %w", socketPath, err)
	}
	return nil
}

func (d *Daemon) logEvent(ctx context.Context, eventType, chunkID, detail string) {
	_ = d.store.LogEvent(ctx, eventType, chunkID, detail)
}
