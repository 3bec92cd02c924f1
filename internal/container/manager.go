// Package container provides the Docker-backed sandbox runtime for lab sessions.
package container

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	containerUser   = "1000"
	containerUID    = 1000
	stopTimeoutSecs = 10

	// Resource limits.
	memoryLimitBytes = 512 * 1024 * 1024 // 512MB
	cpuQuota         = 50000             // 0.5 CPU
	pidsLimit        = 256

	sandboxNetwork = "lab-sandbox"
	sandboxSubnet  = "172.29.0.0/16"
	sessionLabel   = "lab.session_id"
)

// ErrPathOutsideWorkDir rejects paths that escape the sandbox work directory.
var ErrPathOutsideWorkDir = errors.New("path escapes the work directory")

// Spec describes the sandbox to create for a session.
type Spec struct {
	SessionID  string
	OwnerID    string
	ExerciseID string
}

// ExecResult is the outcome of one command run in a sandbox.
type ExecResult struct {
	Output   string
	ExitCode int
}

// Sample is one raw resource reading. Network counters are cumulative.
type Sample struct {
	CPUPercent  float64
	MemoryUsed  uint64
	MemoryLimit uint64
	DiskUsed    uint64
	DiskTotal   uint64
	RxBytes     uint64
	TxBytes     uint64
	At          time.Time
}

// Runtime manages the sandboxes backing lab sessions. Paths are relative to
// the sandbox work directory.
type Runtime interface {
	// Create creates and starts a sandbox, returning its container id.
	Create(ctx context.Context, spec Spec) (string, error)
	Pause(ctx context.Context, containerID string) error
	Resume(ctx context.Context, containerID string) error
	// Remove stops and removes a sandbox. It is idempotent.
	Remove(ctx context.Context, containerID string) error
	IsRunning(ctx context.Context, containerID string) (bool, error)

	// Exec runs a shell command in the work directory.
	Exec(ctx context.Context, containerID, command string) (ExecResult, error)
	WriteFile(ctx context.Context, containerID, relPath, content string) error
	MakeDir(ctx context.Context, containerID, relPath string) error
	Move(ctx context.Context, containerID, from, to string) error
	RemovePath(ctx context.Context, containerID, relPath string) error

	Stats(ctx context.Context, containerID string) (*Sample, error)
	EnsureNetwork(ctx context.Context) (string, error)
}

// Options configures a DockerRuntime.
type Options struct {
	Image string
	// Runtime is the Docker runtime: "" = default (runc), "runsc" = gVisor.
	Runtime     string
	WorkDir     string
	ExecTimeout time.Duration
	Logger      *slog.Logger
}

// DockerRuntime implements Runtime using the Docker API.
type DockerRuntime struct {
	cli  *client.Client
	opts Options
	log  *slog.Logger
}

// NewDockerRuntime creates a Docker-backed runtime from the environment.
func NewDockerRuntime(opts Options) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 30 * time.Second
	}
	runtime := opts.Runtime
	if runtime == "" {
		runtime = "default"
	}
	logger.Info("Docker client initialized", "runtime", runtime, "image", opts.Image)
	return &DockerRuntime{cli: cli, opts: opts, log: logger.With("component", "container")}, nil
}

// Create creates and starts a sandbox for spec.
func (r *DockerRuntime) Create(ctx context.Context, spec Spec) (string, error) {
	containerName := "lab-" + spec.SessionID
	volumeName := "lab-" + spec.SessionID + "-data"

	config := &container.Config{
		Image:      r.opts.Image,
		User:       containerUser,
		WorkingDir: r.opts.WorkDir,
		Cmd:        []string{"sleep", "infinity"},
		Labels: map[string]string{
			sessionLabel:      spec.SessionID,
			"lab.owner_id":    spec.OwnerID,
			"lab.exercise_id": spec.ExerciseID,
		},
	}

	hostConfig := &container.HostConfig{
		Runtime:     r.opts.Runtime,
		NetworkMode: container.NetworkMode(sandboxNetwork),
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: volumeName,
			Target: r.opts.WorkDir,
		}},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			r.log.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	r.log.Info("Container created and started", "container_id", resp.ID, "session_id", spec.SessionID)
	return resp.ID, nil
}

// Pause freezes every process in the sandbox.
func (r *DockerRuntime) Pause(ctx context.Context, containerID string) error {
	if err := r.cli.ContainerPause(ctx, containerID); err != nil {
		return fmt.Errorf("pause container %s: %w", containerID, err)
	}
	return nil
}

// Resume unfreezes a paused sandbox.
func (r *DockerRuntime) Resume(ctx context.Context, containerID string) error {
	if err := r.cli.ContainerUnpause(ctx, containerID); err != nil {
		return fmt.Errorf("unpause container %s: %w", containerID, err)
	}
	return nil
}

// Remove stops and removes a container.
// It is idempotent and handles concurrent calls gracefully.
func (r *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	if containerID == "" {
		return nil
	}
	r.log.Info("Stopping container", "container_id", containerID)

	if _, err := r.cli.ContainerInspect(ctx, containerID); err != nil {
		if errdefs.IsNotFound(err) {
			r.log.Debug("Container already removed", "container_id", containerID)
			return nil
		}
		return fmt.Errorf("inspect container %s: %w", containerID, err)
	}

	timeout := stopTimeoutSecs
	if err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			r.log.Debug("Container already stopped/removed", "container_id", containerID)
		} else {
			r.log.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
		}
	}

	if err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if ctx.Err() != nil {
			r.log.Debug("Context canceled during remove, container may still be removed", "container_id", containerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}

	r.log.Info("Container stopped and removed", "container_id", containerID)
	return nil
}

// IsRunning checks if a container is currently running and not paused.
func (r *DockerRuntime) IsRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	return inspect.State.Running && !inspect.State.Paused, nil
}

// Exec runs command through sh in the work directory, bounded by the exec timeout.
func (r *DockerRuntime) Exec(ctx context.Context, containerID, command string) (ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ExecTimeout)
	defer cancel()
	return r.run(ctx, containerID, []string{"sh", "-c", command})
}

func (r *DockerRuntime) run(ctx context.Context, containerID string, cmd []string) (ExecResult, error) {
	resp, err := r.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		User:         containerUser,
		WorkingDir:   r.opts.WorkDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("create exec in container %s: %w", containerID, err)
	}

	attachResp, err := r.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("attach exec %s: %w", resp.ID, err)
	}
	defer attachResp.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, attachResp.Reader); err != nil && !errors.Is(err, io.EOF) {
		return ExecResult{}, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("inspect exec %s: %w", resp.ID, err)
	}
	return ExecResult{Output: out.String(), ExitCode: inspect.ExitCode}, nil
}

// WriteFile writes content to relPath, creating parent directories.
func (r *DockerRuntime) WriteFile(ctx context.Context, containerID, relPath, content string) error {
	target, err := r.resolve(relPath)
	if err != nil {
		return err
	}
	dir, name := path.Split(target)
	if err := r.mkdirAbs(ctx, containerID, dir); err != nil {
		return err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(content)),
		Uid:     containerUID,
		Gid:     containerUID,
		ModTime: time.Now(),
	}); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		return fmt.Errorf("write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}

	if err := r.cli.CopyToContainer(ctx, containerID, dir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy %s into container %s: %w", relPath, containerID, err)
	}
	return nil
}

// MakeDir creates relPath and its parents.
func (r *DockerRuntime) MakeDir(ctx context.Context, containerID, relPath string) error {
	target, err := r.resolve(relPath)
	if err != nil {
		return err
	}
	return r.mkdirAbs(ctx, containerID, target)
}

func (r *DockerRuntime) mkdirAbs(ctx context.Context, containerID, dir string) error {
	return r.mustRun(ctx, containerID, "mkdir", "-p", dir)
}

// Move renames from to to, creating the destination's parent.
func (r *DockerRuntime) Move(ctx context.Context, containerID, from, to string) error {
	src, err := r.resolve(from)
	if err != nil {
		return err
	}
	dst, err := r.resolve(to)
	if err != nil {
		return err
	}
	if err := r.mkdirAbs(ctx, containerID, path.Dir(dst)); err != nil {
		return err
	}
	return r.mustRun(ctx, containerID, "mv", "-f", src, dst)
}

// RemovePath deletes relPath recursively.
func (r *DockerRuntime) RemovePath(ctx context.Context, containerID, relPath string) error {
	target, err := r.resolve(relPath)
	if err != nil {
		return err
	}
	return r.mustRun(ctx, containerID, "rm", "-rf", target)
}

func (r *DockerRuntime) mustRun(ctx context.Context, containerID string, cmd ...string) error {
	res, err := r.run(ctx, containerID, cmd)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s failed with exit code %d: %s", cmd[0], res.ExitCode, strings.TrimSpace(res.Output))
	}
	return nil
}

// Stats takes one resource reading of a sandbox.
func (r *DockerRuntime) Stats(ctx context.Context, containerID string) (*Sample, error) {
	stats, err := r.cli.ContainerStats(ctx, containerID, false)
	if err != nil {
		return nil, fmt.Errorf("stats for container %s: %w", containerID, err)
	}
	defer stats.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(stats.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}

	sample := &Sample{
		CPUPercent:  cpuPercent(raw.PreCPUStats, raw.CPUStats),
		MemoryUsed:  memoryUsed(raw.MemoryStats),
		MemoryLimit: raw.MemoryStats.Limit,
		At:          raw.Read,
	}
	if sample.At.IsZero() {
		sample.At = time.Now()
	}
	for _, nw := range raw.Networks {
		sample.RxBytes += nw.RxBytes
		sample.TxBytes += nw.TxBytes
	}

	res, err := r.run(ctx, containerID, []string{"df", "-B1", "--output=used,size", r.opts.WorkDir})
	if err == nil && res.ExitCode == 0 {
		sample.DiskUsed, sample.DiskTotal = parseDF(res.Output)
	} else {
		r.log.Debug("disk usage unavailable", "container_id", containerID, "error", err)
	}
	return sample, nil
}

// EnsureNetwork creates the sandbox bridge network if it doesn't exist.
func (r *DockerRuntime) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := r.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}
	for _, nw := range networks {
		if nw.Name == sandboxNetwork {
			r.log.Info("Sandbox network already exists", "network_id", nw.ID)
			return nw.ID, nil
		}
	}

	createResp, err := r.cli.NetworkCreate(ctx, sandboxNetwork, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: sandboxSubnet}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", sandboxNetwork, err)
	}
	r.log.Info("Sandbox network created", "network_id", createResp.ID, "subnet", sandboxSubnet)
	return createResp.ID, nil
}

// Close releases the Docker client.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

func (r *DockerRuntime) resolve(relPath string) (string, error) {
	return ResolvePath(r.opts.WorkDir, relPath)
}

// ResolvePath joins relPath onto workDir, rejecting paths that escape it.
func ResolvePath(workDir, relPath string) (string, error) {
	for _, seg := range strings.Split(relPath, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrPathOutsideWorkDir, relPath)
		}
	}
	clean := path.Clean("/" + strings.TrimSpace(relPath))
	if clean == "/" {
		return "", fmt.Errorf("%w: %q", ErrPathOutsideWorkDir, relPath)
	}
	return path.Join(workDir, clean), nil
}

// cpuPercent follows the docker CLI calculation.
func cpuPercent(pre, cur container.CPUStats) float64 {
	cpuDelta := float64(cur.CPUUsage.TotalUsage) - float64(pre.CPUUsage.TotalUsage)
	sysDelta := float64(cur.SystemUsage) - float64(pre.SystemUsage)
	online := float64(cur.OnlineCPUs)
	if online == 0 {
		online = float64(len(cur.CPUUsage.PercpuUsage))
	}
	if cpuDelta <= 0 || sysDelta <= 0 || online == 0 {
		return 0
	}
	return cpuDelta / sysDelta * online * 100
}

// memoryUsed excludes page cache, under cgroup v2 or v1 naming.
func memoryUsed(mem container.MemoryStats) uint64 {
	cache := mem.Stats["inactive_file"]
	if cache == 0 {
		cache = mem.Stats["total_inactive_file"]
	}
	if cache > mem.Usage {
		return mem.Usage
	}
	return mem.Usage - cache
}

// parseDF reads the last line of `df -B1 --output=used,size`.
func parseDF(out string) (used, total uint64) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 2 {
		return 0, 0
	}
	used, err1 := strconv.ParseUint(fields[0], 10, 64)
	total, err2 := strconv.ParseUint(fields[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return used, total
}

func ptr[T any](v T) *T {
	return &v
}
