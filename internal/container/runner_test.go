package container

import (
	"slices"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"nanoclaw-main-abc123", "nanoclaw-main-abc123"},
		{"nanoclaw-g1;rm -rf /", "nanoclaw-g1-rm--rf--"},
		{"a b\tc", "a-b-c"},
		{"über-group", "-ber-group"},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func testRunner() *Runner {
	cfg := config.Default()
	cfg.DataDir = "/data"
	cfg.ProjectRoot = "/srv/nanoclaw"
	cfg.Agent.GeminiAPIKey = "k"
	cfg.Agent.Model = "gemini-2.5-flash"
	return NewRunner("docker", cfg)
}

func TestBuildArgsDefaults(t *testing.T) {
	r := testRunner()
	group := store.GroupConfig{Name: "Friends", Folder: "friends"}

	args := r.buildArgs("nanoclaw-friends-1", group, false)

	for _, want := range []string{
		"--cap-drop=ALL", "--read-only", "--security-opt=no-new-privileges",
		"--tmpfs=/tmp", "--memory=512m", "--cpus=1", "--rm",
	} {
		if !slices.Contains(args, want) {
			t.Errorf("args missing %q: %v", want, args)
		}
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "/data/groups/friends:/workspace/group") {
		t.Errorf("group mount missing: %v", args)
	}
	if !strings.Contains(joined, "/data/ipc/friends:/workspace/ipc") {
		t.Errorf("ipc mount missing: %v", args)
	}
	if !strings.Contains(joined, "/data/groups/global:/workspace/global:ro") {
		t.Errorf("read-only global mount missing: %v", args)
	}
	if strings.Contains(joined, "/workspace/project") {
		t.Errorf("non-main group must not see the project mount: %v", args)
	}
	if !slices.Contains(args, "GEMINI_API_KEY=k") {
		t.Errorf("api key env missing: %v", args)
	}
	if args[len(args)-1] != "nanoclaw-agent:latest" {
		t.Errorf("image should be last arg, got %q", args[len(args)-1])
	}
}

func TestBuildArgsMainMounts(t *testing.T) {
	r := testRunner()
	group := store.GroupConfig{Name: "Main", Folder: "main"}

	joined := strings.Join(r.buildArgs("n", group, true), " ")
	if !strings.Contains(joined, "/srv/nanoclaw:/workspace/project") {
		t.Errorf("project mount missing: %s", joined)
	}
	if !strings.Contains(joined, "/data/groups/global:/workspace/global ") &&
		!strings.HasSuffix(joined, "/data/groups/global:/workspace/global") {
		t.Errorf("writable global mount missing: %s", joined)
	}
	if strings.Contains(joined, "/workspace/global:ro") {
		t.Errorf("main's global mount must be writable: %s", joined)
	}
}

func TestBuildArgsOverrides(t *testing.T) {
	r := testRunner()
	writable := false
	group := store.GroupConfig{
		Name:   "Lab",
		Folder: "lab",
		Container: &store.ContainerOverrides{
			Image:        "nanoclaw-lab:dev",
			MemoryMB:     1024,
			CPUs:         2,
			ReadOnlyRoot: &writable,
			TmpfsSizeMB:  64,
			Env:          map[string]string{"LAB_MODE": "1"},
		},
	}

	args := r.buildArgs("n", group, false)
	if slices.Contains(args, "--read-only") {
		t.Errorf("override should drop --read-only: %v", args)
	}
	for _, want := range []string{"--memory=1024m", "--cpus=2", "--tmpfs=/tmp:size=64m", "LAB_MODE=1"} {
		if !slices.Contains(args, want) {
			t.Errorf("args missing %q: %v", want, args)
		}
	}
	if args[len(args)-1] != "nanoclaw-lab:dev" {
		t.Errorf("image = %q, want override", args[len(args)-1])
	}
}
