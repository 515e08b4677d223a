package cmd

import (
	"errors"
	"io/fs"
	"log"

	"github.com/spf13/cobra"

	"github.com/quietshell/qsh/core"
	"github.com/quietshell/qsh/core/config"
)

var (
	cfgPath string
	command string

	exitStatus int
)

func loadConfig() *config.Configuration {
	configuration, err := config.Load(cfgPath)
	if errors.Is(err, fs.ErrNotExist) {
		// Running without a config directory is fine.
		return config.Default()
	}
	if err != nil {
		log.Printf("couldn't load config: %v", err)
		return config.Default()
	}

	return configuration
}

// rootCmd represents the base command when called without any subcommands:
// the interactive shell, or a single line with -c.
var rootCmd = &cobra.Command{
	Use:   "qsh",
	Short: "A small Unix-style command interpreter.",
	Long: `qsh reads command lines, parses them into pipelines and runs one
process per stage, wiring pipes, redirections and background execution.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		sh, err := core.NewShell(loadConfig())
		if err != nil {
			return err
		}
		defer sh.Close()

		stop := sh.ForwardInterrupts()
		defer stop()

		if command != "" {
			exitStatus = sh.Eval(command)
			return nil
		}

		exitStatus = sh.Run()
		return nil
	},
}

// Execute runs the root command and returns the status for main to exit
// with, once deferred cleanup has run.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return exitStatus
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", ".", "config path")
	rootCmd.Flags().StringVarP(&command, "command", "c", "", "run a single command line and exit")
}
