package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/container"
	"github.com/nextlevelbuilder/nanoclaw/internal/store/pg"
	"github.com/nextlevelbuilder/nanoclaw/internal/store/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !runDoctor() {
				os.Exit(1)
			}
			return nil
		},
	}
}

// runDoctor prints PASS/WARN/FAIL lines and reports overall health.
// WARNs are features that degrade gracefully; FAILs prevent startup.
func runDoctor() bool {
	fmt.Printf("nanoclaw doctor - %s, %s/%s, %s\n\n", Version, runtime.GOOS, runtime.GOARCH, runtime.Version())

	healthy := true
	pass := func(what, detail string) { fmt.Printf("  PASS  %-22s %s\n", what, detail) }
	warn := func(what, detail string) { fmt.Printf("  WARN  %-22s %s\n", what, detail) }
	fail := func(what, detail string) {
		fmt.Printf("  FAIL  %-22s %s\n", what, detail)
		healthy = false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cfgPath := resolveConfigPath()
	if _, err := os.Stat(cfgPath); err != nil {
		warn("config file", cfgPath+" not found, using defaults")
	} else {
		pass("config file", cfgPath)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fail("config parse", err.Error())
		return false
	}

	if cfg.Agent.GeminiAPIKey == "" {
		fail("gemini api key", "GEMINI_API_KEY not set")
	} else {
		pass("gemini api key", "set ("+cfg.Agent.Model+")")
	}

	dataDir := config.ExpandHome(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		fail("data dir", err.Error())
	} else if probe := probeWritable(dataDir); probe != nil {
		fail("data dir", dataDir+" not writable: "+probe.Error())
	} else {
		pass("data dir", dataDir)
	}

	checkStore(ctx, cfg, pass, fail)
	checkRuntime(ctx, cfg, pass, warn, fail)

	channels := 0
	if cfg.Channels.WhatsApp.Enabled {
		channels++
		pass("whatsapp", cfg.Channels.WhatsApp.BridgeURL)
	}
	if cfg.Channels.Telegram.Enabled {
		channels++
		pass("telegram", "token set")
	}
	if cfg.Channels.Discord.Enabled {
		channels++
		pass("discord", "token set")
	}
	if channels == 0 {
		warn("channels", "no chat adapter enabled")
	}

	fmt.Println()
	if healthy {
		fmt.Println("All checks passed.")
	} else {
		fmt.Println("Problems found. Fix the FAIL lines above.")
	}
	return healthy
}

func probeWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(f.Name())
}

func checkStore(ctx context.Context, cfg *config.Config, pass, fail func(what, detail string)) {
	if cfg.Database.IsManaged() {
		st, err := pg.Open(ctx, cfg.Database.PostgresDSN)
		if err != nil {
			fail("postgres", err.Error())
			return
		}
		st.Close()
		pass("postgres", "connected")
		return
	}
	st, err := sqlite.New(cfg.StorePath())
	if err != nil {
		fail("sqlite", err.Error())
		return
	}
	st.Close()
	pass("sqlite", cfg.StorePath())
}

func checkRuntime(ctx context.Context, cfg *config.Config, pass, warn, fail func(what, detail string)) {
	rt, err := container.DetectRuntime(cfg.Container.Runtime)
	if err != nil {
		fail("container runtime", err.Error())
		return
	}
	if err := container.VerifyRuntime(ctx, rt); err != nil {
		fail("container runtime", fmt.Sprintf("%s found but unhealthy: %v", rt, err))
		return
	}
	pass("container runtime", rt)

	image := cfg.Container.Image
	if out, err := exec.CommandContext(ctx, rt, "image", "inspect", image).CombinedOutput(); err != nil {
		warn("agent image", fmt.Sprintf("%s not found locally (%s)", image, firstLine(string(out))))
	} else {
		pass("agent image", image)
	}
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
