package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/cuongbtq/visualdiff-farm/internal/worker/domain"
)

// dockerAPI is the subset of the Docker SDK client the runner uses
type dockerAPI interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

var _ dockerAPI = (*client.Client)(nil)

// DockerRunnerConfig holds DockerRunner settings
type DockerRunnerConfig struct {
	Image string
	// Host overrides DOCKER_HOST when set
	Host string
	// Pull pulls the image before the first run
	Pull    bool
	Network string
	// Binds are extra host:container mounts, e.g. the engine scripts folder
	Binds   []string
	Timeout time.Duration
}

// DockerRunner runs the engine inside a BackstopJS container.
// The workspace is bind-mounted at the same path so paths in the config file stay valid.
type DockerRunner struct {
	cli    dockerAPI
	config DockerRunnerConfig
	logger *slog.Logger

	pullOnce sync.Once
	pullErr  error
}

var _ Runner = (*DockerRunner)(nil)

// NewDockerRunner creates a DockerRunner connected to the daemon from the environment
func NewDockerRunner(cfg DockerRunnerConfig, logger *slog.Logger) (*DockerRunner, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return newDockerRunner(cli, cfg, logger), nil
}

func newDockerRunner(cli dockerAPI, cfg DockerRunnerConfig, logger *slog.Logger) *DockerRunner {
	return &DockerRunner{
		cli:    cli,
		config: cfg,
		logger: logger,
	}
}

func (r *DockerRunner) pull(ctx context.Context) error {
	r.pullOnce.Do(func() {
		r.logger.Info("Pulling engine image", slog.String("image", r.config.Image))

		reader, err := r.cli.ImagePull(ctx, r.config.Image, image.PullOptions{})
		if err != nil {
			r.pullErr = fmt.Errorf("failed to pull image: %w", err)
			return
		}
		defer reader.Close()

		// the pull completes only once the progress stream is drained
		if _, err := io.Copy(io.Discard, reader); err != nil {
			r.pullErr = fmt.Errorf("failed to pull image: %w", err)
		}
	})
	return r.pullErr
}

// Run creates a container for the command, waits for it and removes it
func (r *DockerRunner) Run(ctx context.Context, command Command, configPath string) error {
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	if r.config.Pull {
		if err := r.pull(ctx); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrEngineExecutionFailed, err)
		}
	}

	workspace := filepath.Dir(configPath)
	binds := append([]string{workspace + ":" + workspace}, r.config.Binds...)

	hostConfig := &container.HostConfig{Binds: binds}
	if r.config.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(r.config.Network)
	}

	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:      r.config.Image,
		Cmd:        []string{string(command), configPathArg(configPath)},
		WorkingDir: workspace,
	}, hostConfig, nil, nil, "")
	if err != nil {
		return fmt.Errorf("%w: failed to create container: %w", domain.ErrEngineExecutionFailed, err)
	}

	logger := r.logger.With(
		slog.String("container_id", resp.ID),
		slog.String("command", string(command)),
	)

	defer func() {
		removeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := r.cli.ContainerRemove(removeCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			logger.Warn("Failed to remove engine container", slog.Any("error", err))
		}
	}()

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("%w: failed to start container: %w", domain.ErrEngineExecutionFailed, err)
	}

	logger.Info("Engine container started", slog.String("image", r.config.Image))

	statusCh, errCh := r.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)

	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%w: waiting for container: %w", domain.ErrEngineExecutionFailed, err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
		if status.Error != nil {
			return fmt.Errorf("%w: container error: %s", domain.ErrEngineExecutionFailed, status.Error.Message)
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", domain.ErrEngineExecutionFailed, command, ctx.Err())
	}

	if exitCode != 0 {
		logger.Error("Engine container failed",
			slog.Int64("exit_code", exitCode),
			slog.String("output", r.output(ctx, resp.ID)),
		)
		return fmt.Errorf("%w: %s exited with code %d", domain.ErrEngineExecutionFailed, command, exitCode)
	}

	logger.Info("Engine container finished")
	return nil
}

// output returns the tail of the container logs
func (r *DockerRunner) output(ctx context.Context, containerID string) string {
	logs, err := r.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "50",
	})
	if err != nil {
		return ""
	}
	defer logs.Close()

	tail := newTailBuffer(outputTailSize)
	_, _ = stdcopy.StdCopy(tail, tail, logs)
	return tail.String()
}

// Close releases the docker client
func (r *DockerRunner) Close() error {
	return r.cli.Close()
}
