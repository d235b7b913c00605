// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kadirpekel/synod/pkg/backend"
	"github.com/kadirpekel/synod/pkg/config"
	"github.com/kadirpekel/synod/pkg/council"
	"github.com/kadirpekel/synod/pkg/leaderboard"
	"github.com/kadirpekel/synod/pkg/logger"
	"github.com/kadirpekel/synod/pkg/metrics"
	"github.com/kadirpekel/synod/pkg/server"
	"github.com/kadirpekel/synod/pkg/storage"
)

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Addr  string `help:"Listen address." default:":8000"`
	Watch bool   `help:"Watch the config directory for changes." default:"true" negatable:""`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	loader := config.NewLoader(cli.Config)
	snap, err := loader.Load()
	if err != nil {
		return err
	}
	logger.Info("configuration loaded",
		"models", len(snap.Global.Models),
		"councils", len(snap.Councils),
	)

	if c.Watch {
		if err := loader.Watch(); err != nil {
			return err
		}
		defer loader.Close()
	}

	registry, err := backend.NewRegistry(snap.Global)
	if err != nil {
		return err
	}
	go registry.ValidateModels(ctx)

	dataDir := snap.Global.DataDir
	store, err := storage.New(dataDir)
	if err != nil {
		return err
	}
	board, err := leaderboard.New(filepath.Join(dataDir, "leaderboard.json"))
	if err != nil {
		return err
	}

	meter := metrics.New(prometheus.DefaultRegisterer)
	engine := council.NewEngine(loader, registry, store,
		council.WithScoreKeeper(board),
		council.WithMetrics(meter),
	)

	srv := server.New(server.Options{Addr: c.Addr}, loader, engine, store, board)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ValidateCmd loads and validates the configuration directory.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	loader := config.NewLoader(cli.Config)
	snap, err := loader.Load()
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	fmt.Printf("Configuration OK: %d models, chairman %s\n", len(snap.Global.Models), snap.Global.Chairman)
	for _, id := range snap.CouncilIDs() {
		c := snap.Councils[id]
		fmt.Printf("  council %s: %d personas, %d rubric criteria, routing %d-%d (default %d)\n",
			id, len(c.Personas), len(c.Rubric),
			c.Routing.MinAdvisors, c.Routing.MaxAdvisors, c.Routing.DefaultAdvisors)
	}
	return nil
}

// LeaderboardCmd prints council standings.
type LeaderboardCmd struct {
	Council string `arg:"" optional:"" help:"Council id (default: all)."`
}

func (c *LeaderboardCmd) Run(cli *CLI) error {
	loader := config.NewLoader(cli.Config)
	snap, err := loader.Load()
	if err != nil {
		return err
	}

	board, err := leaderboard.New(filepath.Join(snap.Global.DataDir, "leaderboard.json"))
	if err != nil {
		return err
	}

	boards := board.All()
	if c.Council != "" {
		boards = map[string][]leaderboard.Standing{c.Council: board.Council(c.Council)}
	}

	for councilID, standings := range boards {
		fmt.Printf("%s:\n", councilID)
		if len(standings) == 0 {
			fmt.Println("  (no deliberations recorded)")
			continue
		}
		for i, s := range standings {
			fmt.Printf("  %d. %-40s win rate %5.1f%%  wins %d/%d  avg score %.2f  avg position %.2f\n",
				i+1, s.Backend, s.WinRate, s.Wins, s.Participations, s.AvgScore, s.AvgPosition)
		}
	}
	return nil
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("synod version %s\n", version)
	return nil
}
