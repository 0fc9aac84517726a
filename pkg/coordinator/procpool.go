package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joeydtaylor/steeze-gateway/pkg/control"
	"go.uber.org/zap"
)

// ProcessPool is a PoolManager that runs Size copies of a worker command,
// hands each joining worker a listen port and replaces workers that crash
// or ask for a restart. A worker that exits with status 0 is not replaced.
type ProcessPool struct {
	Size     int
	Command  []string // argv of a worker process
	Env      []string // extra environment for workers
	Host     string
	BasePort int // worker i listens on BasePort+i; 0 lets each worker pick
	Log      *zap.Logger

	coord *Coordinator

	mu      sync.Mutex
	ports   map[string]int // worker id -> port
	free    []int
	procs   map[int]*os.Process
	running int
	stopped bool
	wg      sync.WaitGroup
	restart *backoff.ExponentialBackOff
}

// Attach binds the pool to the coordinator whose StartListen it calls.
func (p *ProcessPool) Attach(c *Coordinator) { p.coord = c }

func (p *ProcessPool) log() *zap.Logger {
	if p.Log == nil {
		return zap.NewNop()
	}
	return p.Log
}

// Start spawns the initial workers.
func (p *ProcessPool) Start(ctx context.Context) error {
	if len(p.Command) == 0 {
		return errors.New("coordinator: pool has no worker command")
	}
	p.mu.Lock()
	p.ports = make(map[string]int)
	p.procs = make(map[int]*os.Process)
	p.free = p.free[:0]
	for i := 0; i < p.Size; i++ {
		port := 0
		if p.BasePort > 0 {
			port = p.BasePort + i
		}
		p.free = append(p.free, port)
	}
	p.restart = backoff.NewExponentialBackOff()
	p.restart.InitialInterval = 500 * time.Millisecond
	p.restart.MaxInterval = 30 * time.Second
	p.restart.MaxElapsedTime = 0
	p.mu.Unlock()

	for i := 0; i < p.Size; i++ {
		if err := p.spawn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *ProcessPool) spawn(ctx context.Context) error {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped || ctx.Err() != nil {
		return nil
	}
	cmd := exec.Command(p.Command[0], p.Command[1:]...)
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("coordinator: spawn worker: %w", err)
	}
	p.track(ctx, cmd)
	return nil
}

// track registers a started worker and waits on it in the background. Stop
// may have run while the process was starting; such a worker is terminated
// at once instead of being left behind.
func (p *ProcessPool) track(ctx context.Context, cmd *exec.Cmd) {
	pid := cmd.Process.Pid
	p.mu.Lock()
	p.running++
	p.procs[pid] = cmd.Process
	p.wg.Add(1)
	stopped := p.stopped
	p.mu.Unlock()

	if stopped {
		p.log().Info("worker started after stop; terminating", zap.Int("pid", pid))
		_ = cmd.Process.Signal(syscall.SIGTERM)
	} else {
		p.log().Info("worker spawned", zap.Int("pid", pid))
	}

	go func() {
		defer p.wg.Done()
		err := cmd.Wait()
		code := cmd.ProcessState.ExitCode()

		p.mu.Lock()
		p.running--
		delete(p.procs, pid)
		stopped := p.stopped
		var delay time.Duration
		if code != 0 {
			delay = p.restart.NextBackOff()
		}
		p.mu.Unlock()

		p.log().Info("worker exited", zap.Int("pid", pid), zap.Int("code", code), zap.Error(err))
		if stopped || code == 0 {
			return
		}
		if code == RestartExitCode {
			delay = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if err := p.spawn(ctx); err != nil {
			p.log().Error("worker respawn failed", zap.Error(err))
		}
	}()
}

func (p *ProcessPool) WorkerJoined(w *WorkerHandle) {
	p.mu.Lock()
	if len(p.free) == 0 {
		p.mu.Unlock()
		p.log().Warn("worker joined with no free slot", zap.String("worker", w.ID))
		return
	}
	port := p.free[0]
	p.free = p.free[1:]
	p.ports[w.ID] = port
	p.mu.Unlock()

	if p.coord == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ls, err := p.coord.StartListen(ctx, w, p.Host, port)
		if err != nil {
			p.log().Error("worker startListen failed", zap.String("worker", w.ID), zap.Int("port", port), zap.Error(err))
			return
		}
		p.mu.Lock()
		p.restart.Reset()
		p.mu.Unlock()
		p.log().Info("worker listening", zap.String("worker", w.ID), zap.String("address", ls.Address))
	}()
}

func (p *ProcessPool) WorkerEvent(w *WorkerHandle, m control.Message) {
	switch pl := m.Payload.(type) {
	case control.WorkerError:
		p.log().Error("worker fatal", zap.String("worker", w.ID), zap.String("error", pl.ErrorMessage))
	case control.AppStatusChanged:
		p.log().Debug("worker app status", zap.String("worker", w.ID), zap.String("app", pl.AppName), zap.String("status", pl.Status))
	}
}

func (p *ProcessPool) WorkerLeft(w *WorkerHandle, _ error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if port, ok := p.ports[w.ID]; ok {
		delete(p.ports, w.ID)
		p.free = append(p.free, port)
	}
}

// Running is the number of live worker processes.
func (p *ProcessPool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stop prevents respawns, sends SIGTERM to every worker and waits up to ctx
// for them to exit.
func (p *ProcessPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	for _, proc := range p.procs {
		_ = proc.Signal(syscall.SIGTERM)
	}
	p.mu.Unlock()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
