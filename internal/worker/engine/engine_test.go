package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/visualdiff-farm/internal/worker/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestCommandRunner_Argv(t *testing.T) {
	plain := NewCommandRunner(CommandRunnerConfig{}, testLogger())
	name, args := plain.argv(CommandReference, "/runtime/chrome/abc/backstop.json")
	assert.Equal(t, "backstop", name)
	assert.Equal(t, []string{"reference", "--configPath=/runtime/chrome/abc/backstop.json"}, args)

	wrapped := NewCommandRunner(CommandRunnerConfig{Xvfb: true}, testLogger())
	name, args = wrapped.argv(CommandTest, "/runtime/firefox/abc/backstop.json")
	assert.Equal(t, "xvfb-run", name)
	assert.Equal(t, []string{"-a", "backstop", "test", "--configPath=/runtime/firefox/abc/backstop.json"}, args)
}

func TestCommandRunner_Run(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "backstop.json")

	t.Run("success", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "args")
		runner := NewCommandRunner(CommandRunnerConfig{
			Binary: writeScript(t, `echo "$@" > `+out),
		}, testLogger())

		require.NoError(t, runner.Run(context.Background(), CommandReference, configPath))

		data, err := os.ReadFile(out)
		require.NoError(t, err)
		assert.Equal(t, "reference --configPath="+configPath, strings.TrimSpace(string(data)))
	})

	t.Run("non-zero exit", func(t *testing.T) {
		runner := NewCommandRunner(CommandRunnerConfig{
			Binary: writeScript(t, "echo boom >&2; exit 3"),
		}, testLogger())

		err := runner.Run(context.Background(), CommandTest, configPath)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrEngineExecutionFailed)
		assert.Contains(t, err.Error(), "exited with code 3")
	})

	t.Run("timeout", func(t *testing.T) {
		runner := NewCommandRunner(CommandRunnerConfig{
			Binary:  writeScript(t, "exec sleep 5"),
			Timeout: 100 * time.Millisecond,
		}, testLogger())

		start := time.Now()
		err := runner.Run(context.Background(), CommandTest, configPath)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrEngineExecutionFailed)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 5*time.Second)
	})
}

func TestTailBuffer(t *testing.T) {
	tail := newTailBuffer(5)
	_, _ = tail.Write([]byte("hello "))
	_, _ = tail.Write([]byte("world"))
	assert.Equal(t, "world", tail.String())
}

type fakeDocker struct {
	pulls    int
	created  *container.Config
	host     *container.HostConfig
	started  bool
	removed  bool
	exitCode int64
	startErr error
}

func (f *fakeDocker) ImagePull(context.Context, string, image.PullOptions) (io.ReadCloser, error) {
	f.pulls++
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.created = cfg
	f.host = host
	return container.CreateResponse{ID: "c1"}, nil
}

func (f *fakeDocker) ContainerStart(context.Context, string, container.StartOptions) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeDocker) ContainerWait(context.Context, string, container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	statusCh <- container.WaitResponse{StatusCode: f.exitCode}
	return statusCh, errCh
}

func (f *fakeDocker) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeDocker) ContainerRemove(context.Context, string, container.RemoveOptions) error {
	f.removed = true
	return nil
}

func (f *fakeDocker) Close() error { return nil }

func TestDockerRunner_Run(t *testing.T) {
	t.Run("mounts the workspace and runs the command", func(t *testing.T) {
		fake := &fakeDocker{}
		runner := newDockerRunner(fake, DockerRunnerConfig{
			Image:   "backstopjs/backstopjs:6.3.25",
			Pull:    true,
			Network: "farm",
			Binds:   []string{"/srv/templates:/srv/templates:ro"},
		}, testLogger())

		require.NoError(t, runner.Run(context.Background(), CommandReference, "/runtime/chrome/abc/backstop.json"))
		require.NoError(t, runner.Run(context.Background(), CommandTest, "/runtime/chrome/abc/backstop.json"))

		assert.Equal(t, 1, fake.pulls, "image is pulled once per runner")
		assert.Equal(t, []string{"test", "--configPath=/runtime/chrome/abc/backstop.json"}, []string(fake.created.Cmd))
		assert.Equal(t, "/runtime/chrome/abc", fake.created.WorkingDir)
		assert.Equal(t, []string{"/runtime/chrome/abc:/runtime/chrome/abc", "/srv/templates:/srv/templates:ro"}, fake.host.Binds)
		assert.Equal(t, container.NetworkMode("farm"), fake.host.NetworkMode)
		assert.True(t, fake.started)
		assert.True(t, fake.removed)
	})

	t.Run("non-zero exit code", func(t *testing.T) {
		fake := &fakeDocker{exitCode: 1}
		runner := newDockerRunner(fake, DockerRunnerConfig{Image: "backstopjs/backstopjs"}, testLogger())

		err := runner.Run(context.Background(), CommandTest, "/runtime/chrome/abc/backstop.json")
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrEngineExecutionFailed)
		assert.Contains(t, err.Error(), "exited with code 1")
		assert.True(t, fake.removed)
	})

	t.Run("start failure still removes the container", func(t *testing.T) {
		fake := &fakeDocker{startErr: errors.New("no such image")}
		runner := newDockerRunner(fake, DockerRunnerConfig{Image: "backstopjs/backstopjs"}, testLogger())

		err := runner.Run(context.Background(), CommandTest, "/runtime/chrome/abc/backstop.json")
		assert.ErrorIs(t, err, domain.ErrEngineExecutionFailed)
		assert.True(t, fake.removed)
	})
}
