// Command threadbridge keeps an internal task set and a forum-style
// messaging platform's threads in sync.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"threadbridge/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	flagConfig  string
	flagLogFile string
)

var rootCmd = &cobra.Command{
	Use:   "threadbridge",
	Short: "Task/thread synchronization bridge",
	Long: `threadbridge mirrors an internal task set into a forum-style
messaging platform: one thread per task, tags derived from labels and
workflow status, threads archived when tasks close, and a guard that
keeps humans from tampering with the managed forum.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the threadbridge version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("threadbridge %s\n", version)
	},
}

// loadConfig reads the effective configuration for a command.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagLogFile != "" {
		cfg.LogFile = flagLogFile
	}
	return cfg, nil
}

// newLogger builds a prefixed logger, rotating through a file when
// configured.
func newLogger(cfg *config.Config, prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
		}
	}
	return log.New(out, prefix, log.LstdFlags)
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: $XDG_CONFIG_HOME/threadbridge/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "rotate logs through this file instead of stderr")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(tagmapCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
