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

	"github.com/spf13/cobra"

	"github.com/rage-js/rage/internal/agent"
	"github.com/rage-js/rage/internal/core"
	"github.com/rage-js/rage/internal/logging"
)

// openSupervisor loads the configuration and prepares the local mirror for a
// one-shot command. The returned func releases it.
func openSupervisor() (*agent.Supervisor, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	logger, logs, err := logging.New(logging.Config{
		Enabled: cfg.Logger,
		Level:   cfg.LogLevel,
		Format:  logging.FormatText,
		File:    cfg.LogFile,
	})
	if err != nil {
		return nil, nil, err
	}

	sup, err := agent.New(cfg, agent.WithLogger(logger))
	if err != nil {
		_ = logs.Close()
		return nil, nil, err
	}
	if err := sup.Setup(); err != nil {
		_ = logs.Close()
		return nil, nil, err
	}

	return sup, func() {
		_ = sup.Close()
		_ = logs.Close()
	}, nil
}

var pullForce bool

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Replace the local mirror with the remote contents",
	Long: `Fetches every whitelisted collection and overwrites its local file, like
fetchOnFirst does when the agent starts. Unsent local changes are lost, so pull
refuses to run while any exist unless --force is given.`,
	Run: func(cmd *cobra.Command, args []string) {
		sup, release, err := openSupervisor()
		if err != nil {
			printError("%v", err)
			return
		}
		defer release()

		ctx := context.Background()
		n, err := unsentChanges(ctx, sup)
		if err != nil {
			printError("%v", err)
			return
		}
		if n > 0 && !pullForce {
			printWarning("%d local document(s) have not been pushed yet.", n)
			fmt.Println("Run 'rage push' first, or use --force to discard them.")
			return
		}

		fmt.Println("Pulling remote collections...")
		if err := sup.Pull(ctx); err != nil {
			if errors.Is(err, core.ErrOffline) {
				printError("Remote unreachable: %v", err)
				return
			}
			printError("Pull finished with errors: %v", err)
			return
		}
		printSuccess("Local mirror is up to date with the remote.")
	},
}

// unsentChanges counts local documents whose current version the remote has
// not confirmed.
func unsentChanges(ctx context.Context, sup *agent.Supervisor) (int, error) {
	m, l := sup.Mirror(), sup.Ledger()
	n := 0
	for _, db := range sup.Config().DatabaseSpecificSettings.Dbs {
		for _, c := range m.Collections(db) {
			confirmed, err := l.Confirmed(ctx, db, c.Name())
			if err != nil {
				return 0, err
			}
			for id, hash := range c.Hashes() {
				if confirmed[id] != hash {
					n++
				}
			}
		}
	}
	return n, nil
}

func init() {
	pullCmd.Flags().BoolVar(&pullForce, "force", false, "Discard unsent local changes")
	rootCmd.AddCommand(pullCmd)
}
