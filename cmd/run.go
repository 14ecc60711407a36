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
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// runForeground runs the agent until SIGINT/SIGTERM or until the instance
// stops by itself, then waits for the final push.
func runForeground() int {
	prg, err := newProgram(nil)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return 1
	}

	fmt.Printf("Rage %s starting (method %s, %s)...\n", Version, prg.cfg.Method, prg.cfg.DatabaseType)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := prg.Start(nil); err != nil {
		fmt.Printf("Failed to start: %v\n", err)
		prg.stop()
		return 1
	}

	offline := false
	select {
	case <-ctx.Done():
		fmt.Println("Stopping, running the final push...")
	case <-prg.done():
		if inst := prg.sup.Instance(); inst != nil && inst.Err() != nil {
			fmt.Printf("Sync disabled: %v\n", inst.Err())
			offline = true
		}
	}
	stop()

	ok := prg.stop()
	if offline {
		return 1
	}
	if !ok {
		fmt.Println("Final push failed. Unsent changes stay in the local mirror.")
		return 1
	}
	fmt.Println("Stopped.")
	return 0
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync agent in the foreground",
	Long: `Runs the configured sync method until interrupted. Ctrl+C stops the agent
after a final push of every unsent local change. Also invoked by the OS service.`,
	Run: func(cmd *cobra.Command, args []string) {
		if service.Interactive() {
			os.Exit(runForeground())
		}

		// As a service we MUST call s.Run() to check in with the service manager.
		prg := &program{}
		s, err := getService(viper.ConfigFileUsed(), prg)
		if err != nil {
			log.Fatalf("Failed to initialize service: %v", err)
		}
		svcLogger, err := s.Logger(nil)
		if err != nil {
			log.Fatalf("Failed to open service log: %v", err)
		}

		built, err := newProgram(svcLogger)
		if err != nil {
			_ = svcLogger.Error(err)
			os.Exit(1)
		}
		*prg = *built

		if err := s.Run(); err != nil {
			_ = svcLogger.Error(err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
