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

// Command synod runs the multi-advisor deliberation engine.
//
// Usage:
//
//	synod serve --config ./config
//	synod validate --config ./config
//	synod leaderboard --config ./config personal
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/kadirpekel/synod/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve       ServeCmd       `cmd:"" help:"Start the HTTP server."`
	Validate    ValidateCmd    `cmd:"" help:"Validate the configuration directory."`
	Leaderboard LeaderboardCmd `cmd:"" help:"Print council leaderboards."`
	Version     VersionCmd     `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to config directory." type:"path" default:"./config"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (text, json)." default:"text"`
}

func main() {
	// Missing .env is fine; the environment may be set another way.
	_ = godotenv.Load()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("synod"),
		kong.Description("Synod - multi-advisor LLM deliberation engine"),
		kong.UsageOnError(),
	)

	logger.Init(logger.Options{
		Level:  cli.LogLevel,
		Format: cli.LogFormat,
		Output: os.Stderr,
	})

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
