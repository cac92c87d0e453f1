package sandbox

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"gridrun/internal/config"
	"gridrun/internal/logging"
)

// dockerBackend drives containers through the Docker Engine API.
type dockerBackend struct {
	cli *client.Client

	mu     sync.Mutex
	pulled map[string]bool
}

// NewDockerRunner connects to the local Docker daemon and returns a runner
// backed by it. The daemon is pinged up front so a missing runtime surfaces
// at agent startup, not on the first job.
func NewDockerRunner(cfg config.Sandbox) (*ContainerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSandboxUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("%w: %v", ErrSandboxUnavailable, err)
	}
	backend := &dockerBackend{cli: cli, pulled: make(map[string]bool)}
	return NewRunner(backend, cfg), nil
}

// EnsureImage makes the image available locally, pulling it on first use.
func (b *dockerBackend) EnsureImage(ctx context.Context, imageName string) error {
	b.mu.Lock()
	known := b.pulled[imageName]
	b.mu.Unlock()
	if known {
		return nil
	}
	if _, _, err := b.cli.ImageInspectWithRaw(ctx, imageName); err == nil {
		b.markPulled(imageName)
		return nil
	}
	logging.S().Infow("pulling sandbox image", "image", imageName)
	reader, err := b.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrImagePullFailed, imageName, err)
	}
	defer reader.Close()
	// The pull completes only once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrImagePullFailed, imageName, err)
	}
	b.markPulled(imageName)
	return nil
}

func (b *dockerBackend) markPulled(imageName string) {
	b.mu.Lock()
	b.pulled[imageName] = true
	b.mu.Unlock()
}

// Create builds the hardened container: read-only root, all capabilities
// dropped, no privilege escalation, no network, tmpfs scratch space, and
// the workspace as the only writable bind mount.
func (b *dockerBackend) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	pids := spec.Limits.PidsLimit
	hostCfg := &container.HostConfig{
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		NetworkMode:    "none",
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.WorkspaceDir,
			Target: workspaceTarget,
		}},
		Tmpfs: map[string]string{
			"/tmp": fmt.Sprintf("rw,nosuid,size=%dm", spec.Limits.TmpfsMb),
			"/run": "rw,nosuid,size=16m",
		},
		Resources: container.Resources{
			Memory:     spec.Limits.MemoryBytes,
			MemorySwap: spec.Limits.MemoryBytes,
			NanoCPUs:   int64(spec.Limits.CPUCores * 1e9),
			PidsLimit:  &pids,
		},
	}
	created, err := b.cli.ContainerCreate(ctx, &container.Config{
		Image:           spec.Image,
		Entrypoint:      []string{"/bin/sh", "-c", spec.Command},
		WorkingDir:      spec.WorkDir,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: true,
	}, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("%w: create: %v", ErrSpawnFailed, err)
	}
	return created.ID, nil
}

// Start attaches before starting so no early output is lost, then starts
// the container and spawns the demultiplexer. The returned channel yields
// one WaitStatus after the container stops and its stream is drained.
func (b *dockerBackend) Start(ctx context.Context, id string, stdout, stderr io.Writer) (<-chan WaitStatus, error) {
	att, err := b.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: attach: %v", ErrSpawnFailed, err)
	}
	if err := b.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		att.Close()
		return nil, fmt.Errorf("%w: start: %v", ErrSpawnFailed, err)
	}

	// Wait on a background context: the runner kills or force-removes the
	// container on every exit path, so this always resolves, and a run
	// deadline must not surface here as a wait error.
	waitCh, errCh := b.cli.ContainerWait(context.Background(), id, container.WaitConditionNotRunning)

	out := make(chan WaitStatus, 1)
	go func() {
		defer att.Close()
		copyDone := make(chan error, 1)
		go func() {
			_, err := stdcopy.StdCopy(stdout, stderr, att.Reader)
			copyDone <- err
		}()
		var st WaitStatus
		select {
		case resp := <-waitCh:
			st.ExitCode = int(resp.StatusCode)
		case err := <-errCh:
			st.Err = err
		}
		// The stream closes when the container stops; bound the drain in
		// case the daemon keeps it open.
		select {
		case <-copyDone:
		case <-time.After(5 * time.Second):
			att.Close()
			<-copyDone
		}
		out <- st
	}()
	return out, nil
}

// Kill delivers SIGKILL to the container's init process.
func (b *dockerBackend) Kill(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return b.cli.ContainerKill(ctx, id, "SIGKILL")
}

// Remove force-deletes the container, stopping it first if still running.
func (b *dockerBackend) Remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		logging.S().Warnw("container remove failed", "container", id, "error", err)
	}
}

func (b *dockerBackend) Close() error {
	return b.cli.Close()
}
