package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"flux_backend/core"
	"flux_backend/httpapi"
	"flux_backend/predictor"
	"flux_backend/preflight"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Run preflight checks and download missing weights",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			result := preflight.NewSuite(cfg).
				WithOutput(cmd.OutOrStdout()).
				WithFailFast(true).
				Run(cmd.Context())
			if !result.Success {
				return setupFailed(result.FirstError())
			}

			start := time.Now()
			if err := predictor.Provision(cmd.Context(), cfg, logger); err != nil {
				return setupFailed(err)
			}
			logger.Info("Weights provisioned", zap.Duration("took", time.Since(start)))
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "✓ Weights ready in %v\n", time.Since(start).Round(time.Second))
			return nil
		},
	}
	return cmd
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run preflight checks without downloading anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := core.LoadConfig()
			if err != nil {
				return err
			}
			result := preflight.NewSuite(cfg).
				WithOutput(cmd.OutOrStdout()).
				Run(cmd.Context())
			if !result.Success {
				return &exitError{code: core.ExitCodeModelError}
			}
			return nil
		},
	}
}

func newHashTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Print a bcrypt hash for API_TOKEN_HASH",
		Long: `Print a bcrypt hash of an API token for the API_TOKEN_HASH setting.
The token is read from the first argument, or from stdin when no argument is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				var err error
				if token, err = readToken(cmd.InOrStdin()); err != nil {
					return err
				}
			}

			cost, _ := cmd.Flags().GetInt("cost")
			hash, err := httpapi.HashTokenWithCost(token, cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().Int("cost", httpapi.DefaultTokenCost, "bcrypt cost")
	return cmd
}

func readToken(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(line), nil
}
