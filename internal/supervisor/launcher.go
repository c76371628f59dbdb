package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// WorkerSpec describes one worker slot.
type WorkerSpec struct {
	ID   int
	Port int
	// Env is appended to the supervisor's environment.
	Env []string
}

// Environ returns the variables a worker process needs on top of Env.
func (s WorkerSpec) Environ() []string {
	return append([]string{
		"PORT=" + strconv.Itoa(s.Port),
		"WORKER_ID=" + strconv.Itoa(s.ID),
	}, s.Env...)
}

// Process is a running worker.
type Process interface {
	// Wait blocks until the worker exits and returns its exit error.
	Wait() error
	// Stop asks the worker to exit and kills it if it does not.
	Stop() error
	PID() int
}

// Launcher starts workers. ProcessLauncher runs them as child processes.
type Launcher interface {
	Launch(ctx context.Context, spec WorkerSpec) (Process, error)
}

// ProcessLauncher re-executes a binary with the worker command.
type ProcessLauncher struct {
	Path      string
	Args      []string
	StopGrace time.Duration
}

// NewProcessLauncher launches the running executable with args.
func NewProcessLauncher(args ...string) (*ProcessLauncher, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable: %w", err)
	}
	return &ProcessLauncher{Path: path, Args: args, StopGrace: 10 * time.Second}, nil
}

func (l *ProcessLauncher) Launch(ctx context.Context, spec WorkerSpec) (Process, error) {
	cmd := exec.Command(l.Path, l.Args...)
	cmd.Env = append(os.Environ(), spec.Environ()...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %d: %w", spec.ID, err)
	}

	p := &execProcess{cmd: cmd, grace: l.StopGrace, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	grace time.Duration
	done  chan struct{}
	err   error
	once  sync.Once
}

func (p *execProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Stop() error {
	var err error
	p.once.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		if err = p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			err = p.cmd.Process.Kill()
			return
		}
		select {
		case <-p.done:
		case <-time.After(p.grace):
			err = p.cmd.Process.Kill()
		}
	})
	return err
}
