// Copyright 2026 CleverData
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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rage-js/rage/internal/agent"
	"github.com/rage-js/rage/internal/config"
	"github.com/rage-js/rage/internal/logging"
	"github.com/rage-js/rage/internal/tracing"
)

const serviceName = "Rage"

// stopMargin is added to pushTimeout + shutdownGrace when waiting for Stop.
const stopMargin = 5 * time.Second

// program implements the service.Interface around one Supervisor.
type program struct {
	cfg    *config.Config
	logger *slog.Logger
	sup    *agent.Supervisor
	tracer *tracing.Provider
	logs   io.Closer
}

// newProgram loads the configuration and builds the logger, tracer and
// supervisor. svcLogger is nil in the foreground.
func newProgram(svcLogger service.Logger) (*program, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, logs, err := logging.New(logging.Config{
		Enabled: cfg.Logger,
		Level:   cfg.LogLevel,
		Format:  logging.FormatText,
		File:    cfg.LogFile,
		Service: svcLogger,
	})
	if err != nil {
		return nil, err
	}

	tracer, err := tracing.Setup(context.Background(), tracing.Config{
		Enabled:  cfg.Tracing.Enabled,
		Exporter: tracing.ExporterType(cfg.Tracing.Exporter),
		Endpoint: cfg.Tracing.Endpoint,
		Version:  Version,
		Method:   string(cfg.Method),
	})
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	sup, err := agent.New(cfg, agent.WithLogger(logger))
	if err != nil {
		_ = tracer.Shutdown(context.Background())
		_ = logs.Close()
		return nil, err
	}

	return &program{cfg: cfg, logger: logger, sup: sup, tracer: tracer, logs: logs}, nil
}

func (p *program) Start(s service.Service) error {
	if err := p.sup.Setup(); err != nil {
		return err
	}
	return p.sup.Start(context.Background())
}

func (p *program) Stop(s service.Service) error {
	if p.sup == nil {
		return nil
	}
	ok := p.stop()
	if !ok {
		return errors.New("final push failed, see the log for details")
	}
	return nil
}

// stop waits for the final push and releases everything the program opened.
func (p *program) stop() bool {
	wait := p.cfg.PushTimeoutDuration() + p.cfg.ShutdownGraceDuration() + stopMargin
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	ok := p.sup.Stop(ctx)
	if !ok {
		// The final push may still be running; give it what is left of the budget.
		if inst := p.sup.Instance(); inst != nil {
			select {
			case <-inst.Done():
			case <-ctx.Done():
			}
		}
	}
	if err := p.sup.Close(); errors.Is(err, agent.ErrStillRunning) {
		p.logger.Warn("sync loop still busy at exit, ledger left open")
	} else if err != nil {
		p.logger.Error("failed to close ledger", "error", err)
	}
	if err := p.tracer.Shutdown(ctx); err != nil {
		p.logger.Error("failed to flush traces", "error", err)
	}
	p.logger.Info("agent stopped", "ok", ok)
	_ = p.logs.Close()
	return ok
}

// done is closed once the instance has stopped or gone offline.
func (p *program) done() <-chan struct{} {
	if inst := p.sup.Instance(); inst != nil {
		return inst.Done()
	}
	return nil
}

func getService(configPath string, prg service.Interface) (service.Service, error) {
	args := []string{"run"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	svcConfig := &service.Config{
		Name:        serviceName,
		DisplayName: "Rage Sync Agent",
		Description: "Mirrors whitelisted MongoDB databases to local JSON files and pushes changes back.",
		Arguments:   args,
	}

	if prg == nil {
		prg = &program{}
	}
	return service.New(prg, svcConfig)
}

// controlService runs one service manager action and prints the outcome.
func controlService(verb string, action func(s service.Service) error) {
	s, err := getService("", nil)
	if err != nil {
		fmt.Println(err)
		return
	}

	fmt.Printf("%s Rage service...\n", verb)
	if err := action(s); err != nil {
		fmt.Printf("Failed: %v\n", err)
		return
	}
	fmt.Println("Done.")
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install rage as an OS service",
	Run: func(cmd *cobra.Command, args []string) {
		// The service reads the same config file as this shell.
		configPath := viper.ConfigFileUsed()
		if configPath == "" {
			fmt.Println("Error: No config file found. Please run 'rage setup' first.")
			return
		}
		if _, err := loadConfig(); err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}

		s, err := getService(configPath, nil)
		if err != nil {
			fmt.Printf("Setup failed: %v\n", err)
			return
		}

		if status, err := s.Status(); err == nil {
			fmt.Println("Rage is already installed.")
			if status == service.StatusRunning {
				fmt.Println("Service is currently RUNNING.")
			} else {
				fmt.Println("Service is currently STOPPED.")
			}
			fmt.Println("Use 'rage restart' to apply config changes, or 'rage uninstall' to remove it.")
			return
		}

		fmt.Println("Installing Rage service...")
		if err := s.Install(); err != nil {
			fmt.Printf("Failed to install: %v\n", err)
			fmt.Println("Hint: Ensure you are running as Administrator or root.")
			return
		}
		fmt.Println("Service installed successfully.")

		fmt.Println("Starting service...")
		if err := s.Start(); err != nil {
			fmt.Printf("Failed to start: %v\n", err)
			return
		}
		fmt.Println("Service started.")
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the Rage service",
	Run: func(cmd *cobra.Command, args []string) {
		controlService("Removing", func(s service.Service) error {
			// It might not be running; the stop error is not interesting.
			_ = s.Stop()
			return s.Uninstall()
		})
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the Rage service",
	Run: func(cmd *cobra.Command, args []string) {
		controlService("Restarting", service.Service.Restart)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the Rage service (runs the final push)",
	Run: func(cmd *cobra.Command, args []string) {
		controlService("Stopping", service.Service.Stop)
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Rage service",
	Run: func(cmd *cobra.Command, args []string) {
		controlService("Starting", service.Service.Start)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the status of the Rage service",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := getService("", nil)
		if err != nil {
			fmt.Println(err)
			return
		}

		status, err := s.Status()
		if err != nil {
			fmt.Printf("Could not get status: %v\n", err)
			return
		}

		fmt.Printf("Rage Service Status: %s\n", serviceStatus(status))
	},
}

func serviceStatus(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "Running"
	case service.StatusStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

func init() {
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
}
