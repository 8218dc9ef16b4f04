// Copyright 2024 The Relier Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package launcher provides the harness relier daemons run in: command-line
// parsing, configuration loading, logging setup, and clean shutdown on
// termination signals.
package launcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relier-rpki/relier/pkg/log"
	"github.com/relier-rpki/relier/pkg/private/serrors"
	libconfig "github.com/relier-rpki/relier/private/config"
)

// Configuration keys used by the launcher itself.
const (
	cfgConfigFile                = "config"
	cfgLogConsoleLevel           = "log.console.level"
	cfgLogConsoleFormat          = "log.console.format"
	cfgLogConsoleStacktraceLevel = "log.console.stacktrace_level"
	cfgGeneralID                 = "general.id"
)

// Application models a relier server application.
type Application struct {
	// TOMLConfig holds the Go data structure for the application-specific
	// TOML configuration.
	TOMLConfig libconfig.Config

	// ShortName is the short name of the application. If empty, the
	// executable name is used.
	ShortName string

	// Main is the custom logic of the application. If nil, no custom logic
	// is executed (and only the setup/teardown harness runs). If Main
	// returns an error, the Run method will exit with a non-zero exit code.
	Main func(ctx context.Context) error

	// ErrorWriter specifies where error output should be printed. If nil,
	// os.Stderr is used.
	ErrorWriter io.Writer

	// cmd is the Cobra command for the application.
	cmd *cobra.Command

	// config contains the Viper configuration KV store.
	config *viper.Viper
}

// Run sets up the common server harness, and then passes control to the
// Main function (if one exists).
//
// Run uses the following globals: os.Args.
//
// Run will exit the application if it encounters a fatal error.
func (a *Application) Run() {
	if err := a.run(); err != nil {
		fmt.Fprintf(a.getErrorWriter(), "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func (a *Application) run() error {
	executable := filepath.Base(os.Args[0])
	shortName := a.getShortName(executable)

	a.cmd = newCommandTemplate(executable, shortName, a.TOMLConfig)
	a.cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return a.executeCommand(cmd.Context(), shortName)
	}
	a.config = viper.New()
	a.config.SetDefault(cfgLogConsoleLevel, log.DefaultConsoleLevel)
	a.config.SetDefault(cfgLogConsoleFormat, "human")
	a.config.SetDefault(cfgLogConsoleStacktraceLevel, log.DefaultStacktraceLevel)
	a.config.SetDefault(cfgGeneralID, executable)
	// The configuration file location is specified through command-line
	// flags. Once the command-line flags are parsed, we register the
	// location of the config file with the viper config.
	if err := a.config.BindPFlag(cfgConfigFile, a.cmd.Flags().Lookup(cfgConfigFile)); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return a.cmd.ExecuteContext(ctx)
}

func (a *Application) getShortName(executable string) string {
	if a.ShortName != "" {
		return a.ShortName
	}
	return executable
}

func (a *Application) getErrorWriter() io.Writer {
	if a.ErrorWriter != nil {
		return a.ErrorWriter
	}
	return os.Stderr
}

func (a *Application) executeCommand(ctx context.Context, shortName string) error {
	os.Setenv("TZ", "UTC")

	// Load launcher configurations from the same config file as the custom
	// application configuration.
	a.config.SetConfigType("toml")
	a.config.SetConfigFile(a.config.GetString(cfgConfigFile))
	if err := a.config.ReadInConfig(); err != nil {
		return serrors.Wrap("loading generic server config from file", err,
			"file", a.config.GetString(cfgConfigFile))
	}

	if err := libconfig.LoadFile(a.config.GetString(cfgConfigFile), a.TOMLConfig); err != nil {
		return serrors.Wrap("loading config from file", err,
			"file", a.config.GetString(cfgConfigFile))
	}
	a.TOMLConfig.InitDefaults()

	logEntriesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lib_log_emitted_entries_total",
			Help: "Total number of log entries emitted.",
		},
		[]string{"level"},
	)
	prometheus.MustRegister(logEntriesTotal)
	opt := log.WithEntriesCounter(log.EntriesCounter{
		Debug: logEntriesTotal.With(prometheus.Labels{"level": "debug"}),
		Info:  logEntriesTotal.With(prometheus.Labels{"level": "info"}),
		Error: logEntriesTotal.With(prometheus.Labels{"level": "error"}),
	})

	if err := log.Setup(a.getLogging(), opt); err != nil {
		return serrors.Wrap("initialize logging", err)
	}
	defer log.Flush()
	defer log.HandlePanic()

	log.Info("Application started",
		"application", shortName, "id", a.config.GetString(cfgGeneralID))
	defer log.Info("Application stopped", "application", shortName)

	if err := a.TOMLConfig.Validate(); err != nil {
		return serrors.Wrap("validate config", err)
	}

	if a.Main == nil {
		return nil
	}
	return a.Main(ctx)
}

func (a *Application) getLogging() log.Config {
	return log.Config{
		Console: log.ConsoleConfig{
			Level:           a.config.GetString(cfgLogConsoleLevel),
			Format:          a.config.GetString(cfgLogConsoleFormat),
			StacktraceLevel: a.config.GetString(cfgLogConsoleStacktraceLevel),
		},
	}
}

func newCommandTemplate(executable, shortName string,
	sampler libconfig.Sampler) *cobra.Command {

	cmd := &cobra.Command{
		Use:           executable,
		Short:         shortName,
		Example:       fmt.Sprintf("  %s --config %s", executable, "config.toml"),
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:     "sample",
			Short:   "Display sample configuration",
			Example: fmt.Sprintf("  %s sample > %s", executable, "config.toml"),
			Args:    cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				sampler.Sample(os.Stdout, nil)
				return nil
			},
		},
	)
	cmd.Flags().String(cfgConfigFile, "", "Configuration file (required)")
	if err := cmd.MarkFlagRequired(cfgConfigFile); err != nil {
		panic(err)
	}
	return cmd
}
