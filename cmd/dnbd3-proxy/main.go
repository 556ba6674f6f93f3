package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/OpenPeeDeeP/xdg"
	"github.com/go-errors/errors"
	"github.com/integrii/flaggy"
	yaml "github.com/jesseduffield/yaml"
	"github.com/samber/lo"

	"github.com/dnbd3/dnbd3proxy/internal/app"
	"github.com/dnbd3/dnbd3proxy/internal/config"
)

const defaultVersion = "unversioned"

var (
	commit  string
	version = defaultVersion
	date    string

	configPath  string
	printConfig bool
)

func main() {
	updateBuildInfo()

	info := fmt.Sprintf("%s\nDate: %s\nCommit: %s", version, date, commit)

	flaggy.SetName("dnbd3-proxy")
	flaggy.SetDescription("Caching and replicating network block device proxy")
	flaggy.DefaultParser.AdditionalHelpPrepend = "https://github.com/dnbd3/dnbd3proxy"

	flaggy.String(&configPath, "c", "config", "Path to the proxy's YAML config file")
	flaggy.Bool(&printConfig, "p", "print-config", "Print the effective default config and exit")
	flaggy.SetVersion(info)
	flaggy.Parse()

	if printConfig {
		var buf bytes.Buffer

		encoder := yaml.NewEncoder(&buf)
		if err := encoder.Encode(config.Defaults()); err != nil {
			log.Fatal(err.Error())
		}

		fmt.Print(buf.String())
		os.Exit(0)
	}

	if configPath == "" {
		configPath = defaultConfigPath()
	}

	a, err := app.New(configPath)
	if err != nil {
		newErr := errors.Wrap(err, 0)
		log.Fatalf("failed to start: %s\n\n%s", err.Error(), newErr.ErrorStack())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		newErr := errors.Wrap(err, 0)
		log.Fatalf("server stopped: %s\n\n%s", err.Error(), newErr.ErrorStack())
	}
}

// defaultConfigPath returns the legacy /etc/dnbd3-proxy.conf location used
// by the original C daemon if that file exists, and otherwise the config
// path under the XDG base directory (§9 "process bootstrap").
func defaultConfigPath() string {
	legacyPath := "/etc/dnbd3-proxy.conf"
	if _, err := os.Stat(legacyPath); err == nil {
		return legacyPath
	}

	dirs := xdg.New("dnbd3", "dnbd3-proxy")

	return filepath.Join(dirs.ConfigHome(), "config.yml")
}

func updateBuildInfo() {
	if version != defaultVersion {
		return
	}

	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	if revision, found := lo.Find(buildInfo.Settings, func(s debug.BuildSetting) bool {
		return s.Key == "vcs.revision"
	}); found {
		commit = revision.Value
		if len(commit) > 7 {
			version = commit[:7]
		} else {
			version = commit
		}
	}

	if t, found := lo.Find(buildInfo.Settings, func(s debug.BuildSetting) bool {
		return s.Key == "vcs.time"
	}); found {
		date = t.Value
	}
}
