package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"runnerd/internal/config"
	"runnerd/internal/logging"
)

// options are the global flags shared by every command.
type options struct {
	configPath string
	logLevel   string
	dataDir    string
	modelsDir  string
}

// app is the resolved configuration and logger of one command invocation.
type app struct {
	cfg      config.Config
	log      zerolog.Logger
	closeLog func()
}

func (a *app) Close() { a.closeLog() }

// load resolves the configuration (defaults < file < env < flags) and builds
// the logger. extra applies command-specific flags.
func (o *options) load(extra func(*config.Config)) (*app, error) {
	cfg, err := config.Build(o.configPath, func(c *config.Config) {
		if o.logLevel != "" {
			c.LogLevel = o.logLevel
		}
		if o.dataDir != "" {
			c.DataDir = o.dataDir
		}
		if o.modelsDir != "" {
			c.ModelsDir = o.modelsDir
		}
		if extra != nil {
			extra(c)
		}
	})
	if err != nil {
		return nil, err
	}
	log, closeLog, err := logging.New(logging.Config{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log, closeLog: closeLog}, nil
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "runnerd",
		Short:         "Run local LLMs behind OpenAI and Ollama compatible APIs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&o.configPath, "config", "c", "", "Config file (.yaml, .yml, .json or .toml)")
	pf.StringVar(&o.logLevel, "log-level", "", "Log level: debug|info|warn|error|off (defaults RUNNERD_LOG_LEVEL or info)")
	pf.StringVar(&o.dataDir, "data-dir", "", "Data directory (default ~/.runnerd)")
	pf.StringVar(&o.modelsDir, "models-dir", "", "Directory holding *.gguf weights (default <data-dir>/models)")

	root.AddCommand(
		newServeCmd(o),
		newPullCmd(o),
		newListCmd(o),
		newRunCmd(o),
		newRmCmd(o),
		newShowCmd(o),
		newPsCmd(o),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the runnerd version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "runnerd version %s\n", version)
			return nil
		},
	}
}
