package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"
	"trainctl/pkg/backoff"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	pullAttempts = 3
	managedBy    = "trainctl"
)

// DockerExecutor runs the training tool inside a container on the host Docker
// daemon. Host paths are bind-mounted at the same location in the container so
// the command line and configuration artifact need no rewriting.
type DockerExecutor struct {
	client *client.Client
	image  string
	grace  time.Duration
	pull   backoff.Config
}

// NewDockerExecutor connects to the daemon described by the environment
// (DOCKER_HOST etc.).
func NewDockerExecutor(imageName string, grace time.Duration) (*DockerExecutor, error) {
	if imageName == "" {
		return nil, errors.New("docker executor requires TRAINER_IMAGE")
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerExecutor{
		client: dockerClient,
		image:  imageName,
		grace:  grace,
		pull:   backoff.Config{Initial: time.Second, Max: 10 * time.Second},
	}, nil
}

// Run implements Executor.
// The container is created, started, followed and always removed. Docker calls
// are made with a context detached from ctx so cancellation only triggers a
// graceful stop instead of abandoning the container.
func (e *DockerExecutor) Run(ctx context.Context, c Command, onLine func(string)) (ExitStatus, error) {
	bg := context.WithoutCancel(ctx)
	logger := slog.With("taskId", c.TaskID, "image", e.image)

	if err := e.pullImageIfNeeded(ctx); err != nil {
		if ctx.Err() != nil {
			return ExitStatus{Code: -1, Stopped: true}, nil
		}
		return ExitStatus{Code: -1}, fmt.Errorf("failed to pull image %s: %w", e.image, err)
	}
	if ctx.Err() != nil {
		return ExitStatus{Code: -1, Stopped: true}, nil
	}

	containerID, err := e.createContainer(bg, c)
	if err != nil {
		return ExitStatus{Code: -1}, fmt.Errorf("failed to create container: %w", err)
	}
	defer e.removeContainer(bg, containerID)

	// Subscribe before starting so a fast exit is not missed.
	statusCh, errCh := e.client.ContainerWait(bg, containerID, container.WaitConditionNextExit)

	if err := e.client.ContainerStart(bg, containerID, container.StartOptions{}); err != nil {
		return ExitStatus{Code: -1}, fmt.Errorf("failed to start container: %w", err)
	}
	logger = logger.With("containerId", shortID(containerID))
	logger.Info("Training container started")

	logs, err := e.client.ContainerLogs(bg, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return ExitStatus{Code: -1}, fmt.Errorf("failed to attach container logs: %w", err)
	}
	defer logs.Close()

	// Demultiplex stdout/stderr frames into a single ordered stream.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, logs)
		pw.CloseWithError(err)
	}()
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		if err := scanOutput(pr, onLine); err != nil {
			logger.Warn("Output capture stopped early", "error", err)
		}
	}()

	status := ExitStatus{Code: -1}
	var waitErr error
	ctxDone := ctx.Done()

wait:
	for {
		select {
		case <-ctxDone:
			ctxDone = nil
			status.Stopped = true
			timeout := int(e.grace.Seconds())
			logger.Info("Stopping training container", "timeout", timeout)
			if err := e.client.ContainerStop(bg, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
				logger.Warn("Failed to stop container", "error", err)
			}
		case err := <-errCh:
			waitErr = err
			break wait
		case result := <-statusCh:
			status.Code = int(result.StatusCode)
			if result.Error != nil && result.Error.Message != "" {
				waitErr = errors.New(result.Error.Message)
			}
			break wait
		}
	}

	// Give the log stream a moment to drain before tearing it down.
	select {
	case <-scanDone:
	case <-time.After(e.grace):
	}
	logs.Close()
	pr.Close()
	<-scanDone

	logger.Info("Training container exited", "exitCode", status.Code, "stopped", status.Stopped)
	if waitErr != nil {
		return status, fmt.Errorf("failed waiting for container: %w", waitErr)
	}
	return status, nil
}

func (e *DockerExecutor) createContainer(ctx context.Context, c Command) (string, error) {
	env := append([]string{"PYTHONUNBUFFERED=1"}, c.Env...)

	mounts := make([]mount.Mount, 0, len(c.Paths))
	seen := make(map[string]bool, len(c.Paths))
	for _, p := range c.Paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", fmt.Errorf("failed to resolve %s: %w", p, err)
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: abs, Target: abs})
	}

	containerConfig := &container.Config{
		Image: e.image,
		Cmd:   append([]string{c.Tool}, c.Args...),
		Env:   env,
		Labels: map[string]string{
			"task.id":    c.TaskID,
			"managed-by": managedBy,
		},
	}
	hostConfig := &container.HostConfig{Mounts: mounts}

	resp, err := e.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "trainctl-"+c.TaskID)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *DockerExecutor) pullImageIfNeeded(ctx context.Context) error {
	if _, err := e.client.ImageInspect(ctx, e.image); err == nil {
		return nil
	}

	slog.Info("Pulling training image", "image", e.image)
	return backoff.Retry(ctx, pullAttempts, &e.pull, func(ctx context.Context) error {
		reader, err := e.client.ImagePull(ctx, e.image, image.PullOptions{})
		if err != nil {
			return err
		}
		defer reader.Close()
		_, err = io.Copy(io.Discard, reader)
		return err
	})
}

func (e *DockerExecutor) removeContainer(ctx context.Context, containerID string) {
	if err := e.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		slog.Warn("Failed to remove container", "containerId", shortID(containerID), "error", err)
	}
}

// RemoveOrphans deletes containers left behind by a previous process. Tasks do
// not survive a restart, so any container carrying our label is stale.
func (e *DockerExecutor) RemoveOrphans(ctx context.Context) (int, error) {
	containers, err := e.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", "managed-by="+managedBy)),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	for _, c := range containers {
		slog.Info("Removing orphaned training container",
			"containerId", shortID(c.ID),
			"taskId", c.Labels["task.id"],
			"state", c.State,
		)
		e.removeContainer(ctx, c.ID)
	}
	return len(containers), nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (e *DockerExecutor) Ready(ctx context.Context) error {
	_, err := e.client.Ping(ctx)
	return err
}

// Close releases the Docker client.
func (e *DockerExecutor) Close() error {
	return e.client.Close()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

var _ Executor = (*DockerExecutor)(nil)
