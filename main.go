package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"flux_backend/core"
	"flux_backend/logging"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	os.Exit(Execute(os.Args[1:], os.Stdout, os.Stderr))
}

// Execute runs the CLI with args and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	root := NewCLI()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return core.ExitCodeSuccess
	}

	var exit *exitError
	if errors.As(err, &exit) && exit.err == nil {
		return exit.code
	}

	red := color.New(color.FgRed, color.Bold)
	red.Fprint(stderr, "Error: ")
	fmt.Fprintln(stderr, err)
	if configErr, ok := core.IsConfigError(err); ok && configErr.Action != "" {
		fmt.Fprintf(stderr, "  %s\n", configErr.Action)
	}
	return exitCodeFor(err)
}

// exitError carries an explicit exit code. A nil err exits quietly.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// setupFailed marks errors from loading weights or collaborators.
func setupFailed(err error) error {
	return &exitError{code: core.ExitCodeModelError, err: err}
}

func exitCodeFor(err error) int {
	var exit *exitError
	switch {
	case err == nil:
		return core.ExitCodeSuccess
	case errors.As(err, &exit):
		return exit.code
	default:
		if _, ok := core.IsConfigError(err); ok {
			return core.ExitCodeConfigError
		}
		return core.ExitCodeError
	}
}

// NewCLI builds the root command.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "flux_backend",
		Short:         "FLUX.1-schnell image generation server",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			envFile, _ := cmd.Flags().GetString("env-file")
			return loadEnvFile(envFile)
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				fmt.Fprintf(cmd.OutOrStdout(), "flux_backend version %s\n", core.VersionString())
				return
			}
			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
	rootCmd.PersistentFlags().String("env-file", ".env", "Environment file loaded before configuration")
	rootCmd.PersistentFlags().String("log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")

	rootCmd.AddCommand(
		newServeCmd(),
		newPredictCmd(),
		newSetupCmd(),
		newCheckCmd(),
		newServiceCmd(),
		newHashTokenCmd(),
	)
	return rootCmd
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &core.ConfigError{
			Code:    core.ErrCodeInvalidValue,
			Message: fmt.Sprintf("Cannot parse environment file %s: %v", path, err),
			Action:  "Fix the file syntax or pass --env-file with another path",
		}
	}
	return nil
}

// loadRuntime reads the configuration and opens the logger for commands that
// need both.
func loadRuntime(cmd *cobra.Command) (*core.Config, *logging.Logger, error) {
	cfg, err := core.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}

	logger, err := logging.NewLogger(cfg.DevMode, cfg.LogFile, cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}
	return cfg, logger, nil
}
