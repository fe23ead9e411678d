// Package sandbox runs untrusted Python snippets in throwaway Docker containers.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

const (
	defaultImage   = "python:3.12-alpine"
	containerUser  = "65534"
	workingDir     = "/tmp"
	defaultTimeout = 20 * time.Second

	// Resource limits.
	memoryLimitBytes = 256 * 1024 * 1024 // 256MB
	cpuQuota         = 50000             // 0.5 CPU
	pidsLimit        = 64
)

// ErrImageMissing is returned when the sandbox image is not present locally.
var ErrImageMissing = errors.New("sandbox image not found")

// Result is the outcome of one sandboxed run.
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int64
	Truncated bool
	Duration  time.Duration
}

// Runner executes Python source and returns its output.
type Runner interface {
	Run(ctx context.Context, code string) (Result, error)
}

// Config configures a DockerRunner.
type Config struct {
	Image string
	// Runtime selects the OCI runtime: "" for the Docker default, "runsc" for gVisor.
	Runtime     string
	Timeout     time.Duration
	OutputLimit int
}

// DockerRunner creates one container per run with networking disabled and
// removes it afterwards.
type DockerRunner struct {
	cli    *client.Client
	cfg    Config
	logger *slog.Logger
}

// NewDockerRunner creates a runner backed by the local Docker daemon.
func NewDockerRunner(cfg Config, logger *slog.Logger) (*DockerRunner, error) {
	if cfg.Image == "" {
		cfg.Image = defaultImage
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = defaultOutputLimit
	}
	if logger == nil {
		logger = slog.Default()
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	runtime := cfg.Runtime
	if runtime == "" {
		runtime = "default"
	}
	logger.Info("Sandbox docker client initialized", "image", cfg.Image, "runtime", runtime)
	return &DockerRunner{cli: cli, cfg: cfg, logger: logger}, nil
}

// Ping checks that the daemon is reachable.
func (r *DockerRunner) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker: %w", err)
	}
	return nil
}

// Close releases the docker client.
func (r *DockerRunner) Close() error {
	return r.cli.Close()
}

// Run executes code with python3 -c and waits for the container to exit.
func (r *DockerRunner) Run(ctx context.Context, code string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	start := time.Now()
	name := "pte-sandbox-" + uuid.NewString()[:12]

	config := &container.Config{
		Image:           r.cfg.Image,
		User:            containerUser,
		WorkingDir:      workingDir,
		Cmd:             []string{"python3", "-I", "-c", code},
		NetworkDisabled: true,
		Env:             []string{"PYTHONUNBUFFERED=1", "PYTHONDONTWRITEBYTECODE=1"},
	}
	hostConfig := &container.HostConfig{
		Runtime:        r.cfg.Runtime,
		NetworkMode:    container.NetworkMode("none"),
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{workingDir: "rw,size=16m"},
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Result{}, fmt.Errorf("%w: %s", ErrImageMissing, r.cfg.Image)
		}
		return Result{}, fmt.Errorf("create sandbox container: %w", err)
	}
	defer r.remove(resp.ID)

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("start sandbox container %s: %w", resp.ID, err)
	}

	var exitCode int64
	waitCh, errCh := r.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("sandbox timed out after %s: %w", r.cfg.Timeout, ctx.Err())
		}
		return Result{}, fmt.Errorf("wait sandbox container %s: %w", resp.ID, err)
	case w := <-waitCh:
		if w.Error != nil && w.Error.Message != "" {
			return Result{}, fmt.Errorf("sandbox container %s: %s", resp.ID, w.Error.Message)
		}
		exitCode = w.StatusCode
	case <-ctx.Done():
		return Result{}, fmt.Errorf("sandbox timed out after %s: %w", r.cfg.Timeout, ctx.Err())
	}

	logs, err := r.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return Result{}, fmt.Errorf("read sandbox logs %s: %w", resp.ID, err)
	}
	defer logs.Close()

	stdout := NewTailBuffer(r.cfg.OutputLimit)
	stderr := NewTailBuffer(r.cfg.OutputLimit)
	if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil {
		return Result{}, fmt.Errorf("demux sandbox logs %s: %w", resp.ID, err)
	}

	res := Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  exitCode,
		Truncated: stdout.Truncated() || stderr.Truncated(),
		Duration:  time.Since(start),
	}
	r.logger.Debug("Sandbox run finished", "container_id", resp.ID, "exit_code", exitCode, "duration", res.Duration)
	return res, nil
}

// remove force-removes the container on a context detached from the run's deadline.
func (r *DockerRunner) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return
		}
		r.logger.Warn("Failed to remove sandbox container", "container_id", id, "error", err)
	}
}

func ptr[T any](v T) *T {
	return &v
}
