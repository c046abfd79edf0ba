package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"flux_backend/core"
	"flux_backend/logging"
	"flux_backend/shutdown"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const serviceName = "flux_backend"

// program runs the HTTP server under the OS service manager.
type program struct {
	cfg     *core.Config
	logger  *logging.Logger
	timeout time.Duration

	// run and exit are swapped in tests
	run  func(*core.Config, *logging.Logger, *shutdown.Manager) error
	exit func(code int)

	mgr      *shutdown.Manager
	done     chan error
	stopping atomic.Bool
}

func newProgram(cfg *core.Config, logger *logging.Logger, timeout time.Duration) *program {
	return &program{
		cfg:     cfg,
		logger:  logger,
		timeout: timeout,
		run:     runServer,
		exit:    os.Exit,
	}
}

// Start must not block, so the server runs in its own goroutine. A server
// that stops on its own exits the process and leaves restarting to the
// service manager.
func (p *program) Start(s service.Service) error {
	p.mgr = shutdown.NewManager(p.logger, shutdown.WithTimeout(p.timeout))
	p.done = make(chan error, 1)

	go func() {
		err := p.run(p.cfg, p.logger, p.mgr)
		p.done <- err
		if err != nil && !p.stopping.Load() {
			p.logger.Error("Service stopped unexpectedly", zap.Error(err))
			p.logger.Sync()
			p.exit(exitCodeFor(err))
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.mgr == nil {
		return nil
	}
	p.stopping.Store(true)
	p.mgr.Trigger()

	select {
	case err := <-p.done:
		return err
	case <-time.After(p.timeout + 5*time.Second):
		return errors.New("timeout waiting for service to stop")
	}
}

// serviceConfig describes the installed service. The env file and working
// directory are pinned to absolute paths at install time.
func serviceConfig(envFile string) (*service.Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	args := []string{"service", "run"}
	if envFile != "" {
		abs, err := filepath.Abs(envFile)
		if err != nil {
			return nil, fmt.Errorf("resolve env file: %w", err)
		}
		args = append(args, "--env-file", abs)
	}

	return &service.Config{
		Name:             serviceName,
		DisplayName:      "FLUX Image Generation Backend",
		Description:      "Serves FLUX.1-schnell text-to-image and image-to-image predictions over HTTP",
		Arguments:        args,
		WorkingDirectory: wd,
		Option:           platformServiceOptions(),
	}, nil
}

func newServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Install and control flux_backend as an OS service",
	}

	for _, action := range []struct {
		name, short string
	}{
		{"install", "Install the service"},
		{"uninstall", "Remove the service"},
		{"start", "Start the installed service"},
		{"stop", "Stop the running service"},
		{"restart", "Stop and then start the service"},
	} {
		cmd.AddCommand(&cobra.Command{
			Use:   action.name,
			Short: action.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := controlService(cmd)
				if err != nil {
					return err
				}
				if err := service.Control(s, action.name); err != nil {
					return fmt.Errorf("service %s: %w", action.name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Service %s: done\n", action.name)
				return nil
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := controlService(cmd)
			if err != nil {
				return err
			}
			status, err := s.Status()
			if err != nil {
				return fmt.Errorf("service status: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), statusText(status))
			return nil
		},
	})

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run under the service manager (used by the installed service)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			timeout, _ := cmd.Flags().GetDuration("shutdown-timeout")
			envFile, _ := cmd.Flags().GetString("env-file")

			svcConfig, err := serviceConfig(envFile)
			if err != nil {
				return err
			}
			s, err := service.New(newProgram(cfg, logger, timeout), svcConfig)
			if err != nil {
				return fmt.Errorf("failed to create service: %w", err)
			}
			logger.Info("Running as service", zap.Bool("interactive", service.Interactive()))
			return s.Run()
		},
	}
	runCmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Time allowed for in-flight predictions and cleanup")
	cmd.AddCommand(runCmd)
	return cmd
}

// controlService builds a handle for control actions; the program itself
// never runs in this process.
func controlService(cmd *cobra.Command) (service.Service, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	svcConfig, err := serviceConfig(envFile)
	if err != nil {
		return nil, err
	}
	s, err := service.New(&program{}, svcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return s, nil
}

func statusText(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "Service is running"
	case service.StatusStopped:
		return "Service is stopped"
	default:
		return "Service status unknown"
	}
}
