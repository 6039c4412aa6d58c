// Package container launches one hardened sandbox per agent invocation
// and speaks the stdin/stdout contract with it. The runner owns command
// assembly and frame parsing; subprocess lifetime is handed to the
// queue via the OnSpawn hook the moment the child is live.
package container

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

// ErrAgentFailed marks a run whose sandbox reported status=error or
// produced no parseable framed output. The queue treats it as
// transient and retries with backoff.
var ErrAgentFailed = errors.New("agent run failed")

const namePrefix = "nanoclaw-"

var nameRe = regexp.MustCompile(`[^A-Za-z0-9-]`)

// SanitizeName strips everything outside [A-Za-z0-9-] from a container
// name before it reaches the runtime CLI.
func SanitizeName(name string) string {
	return nameRe.ReplaceAllString(name, "-")
}

// Handle is the live-subprocess view handed to OnSpawn. It matches the
// queue's ProcessHandle so registration is a direct pass-through.
type Handle interface {
	Signal(sig os.Signal) error
	Exited() bool
}

// OnSpawn fires as soon as the subprocess is started, before any I/O.
type OnSpawn func(proc Handle, containerName string)

// Runner launches agent sandboxes through a container runtime CLI.
type Runner struct {
	runtime     string // absolute or PATH-resolvable CLI name
	cfg         config.ContainerConfig
	groupsDir   string
	ipcDir      string
	projectRoot string
	apiKey      string
	model       string
}

// NewRunner wires a runner from resolved configuration. The runtime
// must already be detected and verified (see DetectRuntime).
func NewRunner(runtime string, cfg *config.Config) *Runner {
	return &Runner{
		runtime:     runtime,
		cfg:         cfg.Container,
		groupsDir:   cfg.GroupsDir(),
		ipcDir:      cfg.IPCDir(),
		projectRoot: config.ExpandHome(cfg.ProjectRoot),
		apiKey:      cfg.Agent.GeminiAPIKey,
		model:       cfg.Agent.Model,
	}
}

// DetectRuntime finds a usable container CLI. An explicit name wins;
// otherwise "container", then "docker" from PATH, then the OrbStack
// fallback path. The returned string is ready for exec.Command.
func DetectRuntime(explicit string) (string, error) {
	if explicit != "" {
		if _, err := exec.LookPath(explicit); err != nil {
			return "", fmt.Errorf("configured runtime %q not found: %w", explicit, err)
		}
		return explicit, nil
	}
	for _, name := range []string{"container", "docker"} {
		if _, err := exec.LookPath(name); err == nil {
			return name, nil
		}
	}
	home, _ := os.UserHomeDir()
	orb := filepath.Join(home, ".orbstack", "bin", "docker")
	if _, err := os.Stat(orb); err == nil {
		return orb, nil
	}
	return "", errors.New("no container runtime found (need container, docker, or orbstack)")
}

// VerifyRuntime checks that the runtime daemon answers. Fatal at boot
// when it does not.
func VerifyRuntime(ctx context.Context, runtime string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, runtime, "info")
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("runtime %q not healthy: %w", runtime, err)
	}
	return nil
}

// CleanupStale removes leftover nanoclaw containers from prior unclean
// exits. Best effort; failures are logged and ignored.
func (r *Runner) CleanupStale(ctx context.Context) {
	out, err := exec.CommandContext(ctx, r.runtime, "ps", "-a", "--format", "{{.Names}}").Output()
	if err != nil {
		slog.Warn("container.cleanup_list_failed", "error", err)
		return
	}
	for _, name := range strings.Fields(string(out)) {
		if !strings.HasPrefix(name, namePrefix) {
			continue
		}
		name = SanitizeName(name)
		if err := exec.CommandContext(ctx, r.runtime, "rm", "-f", name).Run(); err != nil {
			slog.Warn("container.cleanup_rm_failed", "name", name, "error", err)
			continue
		}
		slog.Info("container.cleanup_removed", "name", name)
	}
}

// StopByName asks the runtime to stop a container. Detached so queue
// shutdown never blocks on the CLI; the queue polls for exit itself.
func (r *Runner) StopByName(name string) {
	name = SanitizeName(name)
	cmd := exec.Command(r.runtime, "stop", name)
	if err := cmd.Start(); err != nil {
		slog.Warn("container.stop_failed", "name", name, "error", err)
		return
	}
	go func() { _ = cmd.Wait() }()
}

// procHandle adapts an exec.Cmd to the Handle interface.
type procHandle struct {
	cmd    *exec.Cmd
	mu     sync.Mutex
	exited bool
}

func (p *procHandle) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return errors.New("process not started")
	}
	return p.cmd.Process.Signal(sig)
}

func (p *procHandle) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

func (p *procHandle) markExited() {
	p.mu.Lock()
	p.exited = true
	p.mu.Unlock()
}

// Run launches one agent invocation and blocks until it exits. The
// returned output always has Status==success; every failure mode maps
// to an error wrapping ErrAgentFailed so the caller's retry logic only
// has one branch.
func (r *Runner) Run(ctx context.Context, group store.GroupConfig, input protocol.ContainerInput, onSpawn OnSpawn) (*protocol.ContainerOutput, error) {
	tracer := otel.Tracer("nanoclaw/container")
	ctx, span := tracer.Start(ctx, "container.run")
	span.SetAttributes(
		attribute.String("group.folder", group.Folder),
		attribute.String("channel.id", input.ChannelID),
		attribute.Bool("scheduled", input.IsScheduledTask),
	)
	defer span.End()

	name := SanitizeName(namePrefix + group.Folder + "-" + uuid.NewString()[:8])
	args := r.buildArgs(name, group, input.IsMain)

	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal container input: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.runtime, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}
	slog.Info("container.spawn", "name", name, "group", group.Folder, "channel_id", input.ChannelID)

	handle := &procHandle{cmd: cmd}
	if onSpawn != nil {
		onSpawn(handle, name)
	}

	// Agent logs arrive on stderr; stdout is reserved for the frame.
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			slog.Debug("container.stderr", "name", name, "line", sc.Text())
		}
	}()

	if _, err := stdin.Write(payload); err != nil {
		slog.Warn("container.stdin_failed", "name", name, "error", err)
	}
	stdin.Close()

	waitErr := cmd.Wait()
	handle.markExited()
	<-stderrDone
	elapsed := time.Since(start)

	out, parseErr := protocol.ExtractOutput(stdout.String())
	if parseErr != nil {
		if waitErr != nil {
			return nil, fmt.Errorf("%w: exit: %v (no output frame: %v)", ErrAgentFailed, waitErr, parseErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrAgentFailed, parseErr)
	}
	if out.Status == protocol.StatusError {
		return nil, fmt.Errorf("%w: %s", ErrAgentFailed, out.Error)
	}
	if waitErr != nil {
		// The frame arrived intact, then the container exited nonzero
		// (e.g. killed during cleanup). The result is still usable.
		slog.Warn("container.exit_after_output", "name", name, "error", waitErr)
	}

	slog.Info("container.done", "name", name, "group", group.Folder, "duration", elapsed)
	return out, nil
}

// buildArgs assembles the runtime invocation: mounts, security flags,
// env-var secrets, name. Group overrides relax defaults per field.
func (r *Runner) buildArgs(name string, group store.GroupConfig, isMain bool) []string {
	image := r.cfg.Image
	memoryMB := r.cfg.MemoryMB
	cpus := r.cfg.CPUs
	readOnly := r.cfg.ReadOnlyRoot == nil || *r.cfg.ReadOnlyRoot
	tmpfsMB := r.cfg.TmpfsSizeMB

	if o := group.Container; o != nil {
		if o.Image != "" {
			image = o.Image
		}
		if o.MemoryMB > 0 {
			memoryMB = o.MemoryMB
		}
		if o.CPUs > 0 {
			cpus = o.CPUs
		}
		if o.ReadOnlyRoot != nil {
			readOnly = *o.ReadOnlyRoot
		}
		if o.TmpfsSizeMB > 0 {
			tmpfsMB = o.TmpfsSizeMB
		}
	}
	if image == "" {
		image = "nanoclaw-agent:latest"
	}
	if memoryMB <= 0 {
		memoryMB = 512
	}
	if cpus <= 0 {
		cpus = 1
	}

	args := []string{"run", "-i", "--rm", "--name", name}

	args = append(args,
		"-v", filepath.Join(r.groupsDir, group.Folder)+":/workspace/group",
		"-v", filepath.Join(r.ipcDir, group.Folder)+":/workspace/ipc",
	)
	if isMain {
		if r.projectRoot != "" {
			args = append(args, "-v", r.projectRoot+":/workspace/project")
		}
		// Main may edit the global instructions; everyone else only
		// reads them into the system prompt.
		args = append(args, "-v", filepath.Join(r.groupsDir, "global")+":/workspace/global")
	} else {
		args = append(args, "-v", filepath.Join(r.groupsDir, "global")+":/workspace/global:ro")
	}

	args = append(args, "--cap-drop=ALL", "--security-opt=no-new-privileges")
	if readOnly {
		args = append(args, "--read-only")
	}
	tmpfs := "/tmp"
	if tmpfsMB > 0 {
		tmpfs = fmt.Sprintf("/tmp:size=%dm", tmpfsMB)
	}
	args = append(args, "--tmpfs="+tmpfs)
	args = append(args, fmt.Sprintf("--memory=%dm", memoryMB))
	args = append(args, fmt.Sprintf("--cpus=%g", cpus))

	// Secrets ride the environment, never a file or argument list the
	// sandbox can read back from disk.
	args = append(args, "-e", "GEMINI_API_KEY="+r.apiKey)
	args = append(args, "-e", "GEMINI_MODEL="+r.model)
	if o := group.Container; o != nil && len(o.Env) > 0 {
		keys := make([]string, 0, len(o.Env))
		for k := range o.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			args = append(args, "-e", k+"="+o.Env[k])
		}
	}

	return append(args, image)
}
