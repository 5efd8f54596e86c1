// Package sandbox implements the SandboxService collaborator:
// create/attach/checkpoint/restore/delete over an isolated execution
// environment for one chat, adapted from a Docker-backed playground
// container manager.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/ashureev/shsh-labs/internal/config"
)

const (
	imageName       = "agentchat-sandbox:latest"
	sandboxUser     = "1000"
	workingDir      = "/home/agent/work"
	mountPath       = "/home/agent/work"
	sandboxNetwork  = "agentchat-sandbox"
	sandboxSubnet   = "172.29.0.0/16"
	defaultCols     = 80
	defaultRows     = 24
)

// Service is the SandboxService collaborator: create/attach/checkpoint/
// delete over an isolated execution environment keyed by chat id.
type Service interface {
	// Create provisions (or reattaches to) the sandbox for chatID,
	// returning its id. Idempotent: calling Create again for a chat whose
	// sandbox is already running returns the existing id.
	Create(ctx context.Context, chatID string, lastSeenAt time.Time, env map[string]string) (sandboxID string, err error)

	// Exec attaches cmd inside sandboxID and returns a read/write stream,
	// satisfying agentrunner.SandboxExecutor.
	Exec(ctx context.Context, sandboxID string, cmd []string) (io.ReadWriteCloser, error)

	// Checkpoint takes a best-effort snapshot of sandboxID, returning an
	// opaque checkpoint identifier for later restore/fork. Callers treat
	// failure as non-fatal: failure is logged, not surfaced.
	Checkpoint(ctx context.Context, sandboxID string) (checkpointID string, err error)

	// Restore replaces chatID's sandbox with a fresh container built from
	// checkpointID instead of the base image, deleting any sandbox
	// currently running for chatID first. Used by chat restore and fork.
	Restore(ctx context.Context, chatID, checkpointID string, env map[string]string) (sandboxID string, err error)

	// Delete stops and removes sandboxID. Idempotent.
	Delete(ctx context.Context, sandboxID string) error

	// IsRunning reports whether sandboxID is currently running.
	IsRunning(ctx context.Context, sandboxID string) (bool, error)

	// EnsureNetwork creates the sandbox bridge network if absent.
	EnsureNetwork(ctx context.Context) (string, error)

	// ListSandboxes returns chatID -> sandboxID for every sandbox
	// container currently known to the runtime, for the Maintenance
	// Loop's orphaned-sandbox sweep.
	ListSandboxes(ctx context.Context) (map[string]string, error)
}

// DockerService implements Service using the Docker Engine API.
type DockerService struct {
	cli *client.Client
	cfg config.SandboxConfig
}

// NewDockerService creates a new Docker-backed sandbox service.
func NewDockerService(cfg config.SandboxConfig) (*DockerService, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	slog.Info("sandbox docker client initialized", "runtime", firstNonEmpty(cfg.Runtime, "default"))
	return &DockerService{cli: cli, cfg: cfg}, nil
}

func firstNonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func sandboxName(chatID string) string { return fmt.Sprintf("agentchat-%s", chatID) }
func volumeName(chatID string) string  { return fmt.Sprintf("agentchat-%s-data", chatID) }

// Create provisions or reattaches to chatID's sandbox container.
func (s *DockerService) Create(ctx context.Context, chatID string, lastSeenAt time.Time, env map[string]string) (string, error) {
	name := sandboxName(chatID)

	inspect, err := s.cli.ContainerInspect(ctx, name)
	if err == nil {
		if inspect.State.Running {
			slog.Info("sandbox already running", "sandbox_id", inspect.ID, "chat_id", chatID)
			return inspect.ID, nil
		}
		if time.Since(lastSeenAt) < s.cfg.RestartGracePeriod {
			slog.Info("restarting stopped sandbox", "sandbox_id", inspect.ID, "chat_id", chatID)
			if err := s.cli.ContainerStart(ctx, inspect.ID, container.StartOptions{}); err != nil {
				return "", fmt.Errorf("restart sandbox %s: %w", inspect.ID, err)
			}
			return inspect.ID, nil
		}
		slog.Info("sandbox expired, recreating", "sandbox_id", inspect.ID, "chat_id", chatID)
		if err := s.Delete(ctx, inspect.ID); err != nil {
			slog.Warn("failed to remove expired sandbox before recreation", "error", err, "sandbox_id", inspect.ID)
		}
	}

	return s.createContainer(ctx, chatID, name, imageName, env)
}

// createContainer builds and starts a container named name for chatID from
// image, retrying past name conflicts. image is imageName for a fresh
// sandbox or a checkpoint reference when restoring.
func (s *DockerService) createContainer(ctx context.Context, chatID, name, image string, env map[string]string) (string, error) {
	envVars := make([]string, 0, len(env))
	for k, v := range env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	cfg := &container.Config{
		Image:      image,
		User:       sandboxUser,
		WorkingDir: workingDir,
		Tty:        true,
		Env:        envVars,
	}
	hostConfig := &container.HostConfig{
		Runtime:     s.cfg.Runtime,
		NetworkMode: container.NetworkMode(sandboxNetwork),
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: volumeName(chatID),
			Target: mountPath,
		}},
		Resources: container.Resources{
			Memory:    s.cfg.MemoryLimitBytes,
			CPUQuota:  s.cfg.CPUQuota,
			PidsLimit: ptr(s.cfg.PidsLimit),
		},
		DNS: []string{"8.8.8.8", "8.8.4.4"},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < s.cfg.CreateRetryAttempts; i++ {
		resp, createErr = s.cli.ContainerCreate(ctx, cfg, hostConfig, nil, nil, name)
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create sandbox: %w", createErr)
		}

		slog.Warn("sandbox name conflict during create, retrying",
			"chat_id", chatID, "sandbox_name", name, "attempt", i+1, "error", createErr)

		if existing, inspectErr := s.cli.ContainerInspect(ctx, name); inspectErr == nil {
			if stopErr := s.Delete(ctx, existing.ID); stopErr != nil {
				slog.Warn("failed to remove conflicting sandbox before retry", "sandbox_id", existing.ID, "error", stopErr)
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.cfg.CreateRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create sandbox after retries: %w", createErr)
	}

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := s.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			slog.Warn("failed to remove sandbox after start failure", "sandbox_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start sandbox %s: %w", resp.ID, err)
	}

	if s.cfg.Runtime == "runsc" {
		if err := s.fixDNS(ctx, resp.ID); err != nil {
			slog.Warn("failed to apply dns fix", "error", err)
		}
	}

	slog.Info("sandbox container started", "sandbox_id", resp.ID, "chat_id", chatID, "image", image)
	return resp.ID, nil
}

// Restore rebuilds chatID's sandbox from checkpointID, an image reference
// previously returned by Checkpoint. Any sandbox currently running for
// chatID is deleted first; the underlying data volume is reused, so the
// checkpoint only needs to cover process/filesystem state baked into the
// image layer.
func (s *DockerService) Restore(ctx context.Context, chatID, checkpointID string, env map[string]string) (string, error) {
	name := sandboxName(chatID)

	if inspect, err := s.cli.ContainerInspect(ctx, name); err == nil {
		if err := s.Delete(ctx, inspect.ID); err != nil {
			return "", fmt.Errorf("remove sandbox before restore %s: %w", inspect.ID, err)
		}
	}

	sandboxID, err := s.createContainer(ctx, chatID, name, checkpointID, env)
	if err != nil {
		return "", fmt.Errorf("restore sandbox from checkpoint %s: %w", checkpointID, err)
	}
	slog.Info("sandbox restored from checkpoint", "sandbox_id", sandboxID, "chat_id", chatID, "checkpoint_id", checkpointID)
	return sandboxID, nil
}

func (s *DockerService) fixDNS(ctx context.Context, sandboxID string) error {
	cmd := []string{"sh", "-c", "echo 'nameserver 8.8.8.8' > /etc/resolv.conf && echo 'nameserver 8.8.4.4' >> /etc/resolv.conf"}

	resp, err := s.cli.ContainerExecCreate(ctx, sandboxID, container.ExecOptions{Cmd: cmd, User: "root"})
	if err != nil {
		return fmt.Errorf("create exec for dns fix: %w", err)
	}
	attachResp, err := s.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return fmt.Errorf("attach exec for dns fix: %w", err)
	}
	defer attachResp.Close()

	if _, err := io.ReadAll(attachResp.Reader); err != nil {
		return fmt.Errorf("read dns fix output: %w", err)
	}
	inspect, err := s.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return fmt.Errorf("inspect dns fix exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("dns fix command failed with exit code %d", inspect.ExitCode)
	}
	return nil
}

// Exec attaches cmd inside sandboxID and returns a read/write stream.
func (s *DockerService) Exec(ctx context.Context, sandboxID string, cmd []string) (io.ReadWriteCloser, error) {
	execConfig := container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Cmd:          cmd,
		User:         sandboxUser,
		ConsoleSize:  &[2]uint{defaultCols, defaultRows},
	}

	resp, err := s.cli.ContainerExecCreate(ctx, sandboxID, execConfig)
	if err != nil {
		return nil, fmt.Errorf("create exec in sandbox %s: %w", sandboxID, err)
	}
	attachResp, err := s.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("attach exec %s: %w", resp.ID, err)
	}

	slog.Info("sandbox exec session created", "exec_id", resp.ID, "sandbox_id", sandboxID)
	return attachResp.Conn, nil
}

// Checkpoint takes a best-effort snapshot of sandboxID by committing it
// to an image tagged with a timestamped identifier. Docker commit is not
// a true live-process snapshot, but it is the closest the Docker Engine
// API offers without a CRIU-backed runtime; callers treat checkpoint
// failure as non-fatal.
func (s *DockerService) Checkpoint(ctx context.Context, sandboxID string) (string, error) {
	checkpointID := fmt.Sprintf("agentchat-checkpoint-%s-%d", sandboxID[:min(12, len(sandboxID))], time.Now().UnixNano())
	_, err := s.cli.ContainerCommit(ctx, sandboxID, container.CommitOptions{Reference: checkpointID})
	if err != nil {
		return "", fmt.Errorf("checkpoint sandbox %s: %w", sandboxID, err)
	}
	return checkpointID, nil
}

// Delete stops and removes sandboxID. Idempotent.
func (s *DockerService) Delete(ctx context.Context, sandboxID string) error {
	slog.Info("stopping sandbox", "sandbox_id", sandboxID)

	_, err := s.cli.ContainerInspect(ctx, sandboxID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("inspect sandbox %s: %w", sandboxID, err)
	}

	timeout := int(s.cfg.StopTimeout.Seconds())
	if err := s.cli.ContainerStop(ctx, sandboxID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("sandbox already stopped/removed", "sandbox_id", sandboxID)
		} else if ctx.Err() != nil {
			slog.Debug("context canceled during stop, continuing with force removal", "sandbox_id", sandboxID)
		} else {
			slog.Debug("sandbox stop returned error, continuing to remove", "sandbox_id", sandboxID, "error", err)
		}
	}

	if err := s.cli.ContainerRemove(ctx, sandboxID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("remove sandbox %s: %w", sandboxID, err)
	}

	slog.Info("sandbox stopped and removed", "sandbox_id", sandboxID)
	return nil
}

// IsRunning reports whether sandboxID is currently running.
func (s *DockerService) IsRunning(ctx context.Context, sandboxID string) (bool, error) {
	inspect, err := s.cli.ContainerInspect(ctx, sandboxID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect sandbox %s: %w", sandboxID, err)
	}
	return inspect.State.Running, nil
}

// EnsureNetwork creates the sandbox bridge network if it doesn't exist.
func (s *DockerService) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := s.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}
	for _, nw := range networks {
		if nw.Name == sandboxNetwork {
			return nw.ID, nil
		}
	}

	createResp, err := s.cli.NetworkCreate(ctx, sandboxNetwork, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: sandboxSubnet}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", sandboxNetwork, err)
	}
	slog.Info("sandbox network created", "network_id", createResp.ID, "subnet", sandboxSubnet)
	return createResp.ID, nil
}

// ListSandboxes enumerates containers named agentchat-<chatID>, including
// stopped ones, and returns the chatID -> sandboxID mapping.
func (s *DockerService) ListSandboxes(ctx context.Context) (map[string]string, error) {
	containers, err := s.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", "agentchat-")),
	})
	if err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}

	out := make(map[string]string, len(containers))
	for _, c := range containers {
		for _, name := range c.Names {
			trimmed := strings.TrimPrefix(name, "/")
			if !strings.HasPrefix(trimmed, "agentchat-") || strings.HasSuffix(trimmed, "-data") {
				continue
			}
			chatID := strings.TrimPrefix(trimmed, "agentchat-")
			out[chatID] = c.ID
			break
		}
	}
	return out, nil
}

func ptr[T any](v T) *T { return &v }

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

var _ Service = (*DockerService)(nil)
