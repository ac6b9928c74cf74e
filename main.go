package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/KimMachineGun/automemlimit/memlimit"

	"github.com/nicolastakashi/prom-analytics-proxy/cmd/goodmetricsd"
	"github.com/nicolastakashi/prom-analytics-proxy/internal/config"
)

func main() {
	var configFile string
	flagSet := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	goodmetricsd.RegisterFlags(flagSet, &configFile)
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if configFile != "" {
		if err := config.LoadConfig(configFile); err != nil {
			slog.Error("main.config.load_failed", "file", configFile, "err", err)
			os.Exit(1)
		}
	}

	if config.DefaultConfig.MemoryLimit.Enabled {
		if _, err := memlimit.SetGoMemLimitWithOpts(
			memlimit.WithRatio(config.DefaultConfig.MemoryLimit.Ratio),
			memlimit.WithRefreshInterval(config.DefaultConfig.MemoryLimit.RefreshInterval),
			memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
		); err != nil {
			slog.Warn("main.memlimit.not_applied", "err", err)
		}
	}

	if err := goodmetricsd.Run(); err != nil {
		slog.Error("main.goodmetricsd.exited", "err", err)
		os.Exit(1)
	}
}
