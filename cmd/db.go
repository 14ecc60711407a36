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
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rage-js/rage/internal/agent"
	"github.com/rage-js/rage/internal/config"
)

const verifyTimeout = 15 * time.Second

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the whitelisted databases",
}

var dbAddCmd = &cobra.Command{
	Use:     "add [database]",
	Short:   "Whitelist a database for mirroring",
	Example: `  rage db add shop
  rage db add analytics --force`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]
		force, _ := cmd.Flags().GetBool("force")

		// --- VERIFICATION STEP ---
		if !force {
			cfg, err := loadConfig()
			if err != nil {
				printError("%v", err)
				fmt.Println("Use --force to add anyway.")
				return
			}
			collections, err := verifyDatabase(cmd.Context(), cfg, name)
			if err != nil {
				printError("Connection Failed: %v", err)
				fmt.Println("Use --force to add anyway.")
				return
			}
			printSuccess("Connection Verified! %s has %d collection(s)", name, len(collections))
		}
		// -------------------------

		path, err := editConfig(func(cfg *config.Config) error {
			if slices.Contains(cfg.DatabaseSpecificSettings.Dbs, name) {
				return fmt.Errorf("database '%s' is already whitelisted", name)
			}
			cfg.DatabaseSpecificSettings.Dbs = append(cfg.DatabaseSpecificSettings.Dbs, name)
			return cfg.Validate()
		})
		if err != nil {
			printError("%v", err)
			return
		}

		printSuccess("Database '%s' added to %s", name, path)
		restartHint()
	},
}

// verifyDatabase connects with cfg's credentials and lists the collections of db.
func verifyDatabase(ctx context.Context, cfg *config.Config, db string) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	client, err := agent.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	fmt.Printf("Verifying connection to %s...\n", cfg.DatabaseType)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	defer client.Close(context.WithoutCancel(ctx))

	return client.ListCollections(ctx, db)
}

var dbListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List whitelisted databases and exclusions",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			printError("%v", err)
			return
		}

		settings := cfg.DatabaseSpecificSettings
		if len(settings.Dbs) == 0 {
			fmt.Println("No databases configured.")
			return
		}

		printHeader("%-20s %s", "DATABASE", "EXCLUDED COLLECTIONS")
		fmt.Println(strings.Repeat("-", 60))
		for _, db := range settings.Dbs {
			var excluded []string
			for _, e := range settings.ExcludeCollections {
				if d, c, ok := strings.Cut(e, "/"); ok && d == db {
					excluded = append(excluded, c)
				}
			}
			fmt.Printf("%-20s %s\n", db, strings.Join(excluded, ", "))
		}
	},
}

var dbRemoveCmd = &cobra.Command{
	Use:     "remove [database]",
	Aliases: []string{"rm", "del"},
	Short:   "Remove a database from the whitelist",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]

		_, err := editConfig(func(cfg *config.Config) error {
			settings := &cfg.DatabaseSpecificSettings
			i := slices.Index(settings.Dbs, name)
			if i < 0 {
				return fmt.Errorf("database '%s' not found", name)
			}
			settings.Dbs = slices.Delete(settings.Dbs, i, i+1)
			// Exclusions of a dropped database are meaningless.
			settings.ExcludeCollections = slices.DeleteFunc(settings.ExcludeCollections, func(e string) bool {
				return strings.HasPrefix(e, name+"/")
			})
			return nil
		})
		if err != nil {
			printError("%v", err)
			return
		}

		printSuccess("Database '%s' removed. Its local files are kept.", name)
		restartHint()
	},
}

var excludeCmd = &cobra.Command{
	Use:   "exclude",
	Short: "Manage excluded collections",
}

var excludeAddCmd = &cobra.Command{
	Use:     "add [database/collection]",
	Short:   "Exclude a collection from mirroring",
	Example: `  rage exclude add shop/sessions`,
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key := args[0]

		_, err := editConfig(func(cfg *config.Config) error {
			settings := &cfg.DatabaseSpecificSettings
			if slices.Contains(settings.ExcludeCollections, key) {
				return fmt.Errorf("'%s' is already excluded", key)
			}
			settings.ExcludeCollections = append(settings.ExcludeCollections, key)
			if db, _, _ := strings.Cut(key, "/"); !slices.Contains(settings.Dbs, db) {
				printWarning("Database '%s' is not whitelisted; the exclusion has no effect yet.", db)
			}
			return cfg.Validate()
		})
		if err != nil {
			printError("%v", err)
			return
		}

		printSuccess("Collection '%s' excluded.", key)
		restartHint()
	},
}

var excludeRemoveCmd = &cobra.Command{
	Use:     "remove [database/collection]",
	Aliases: []string{"rm", "del"},
	Short:   "Include a previously excluded collection again",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key := args[0]

		_, err := editConfig(func(cfg *config.Config) error {
			settings := &cfg.DatabaseSpecificSettings
			i := slices.Index(settings.ExcludeCollections, key)
			if i < 0 {
				return fmt.Errorf("'%s' is not excluded", key)
			}
			settings.ExcludeCollections = slices.Delete(settings.ExcludeCollections, i, i+1)
			return nil
		})
		if err != nil {
			printError("%v", err)
			return
		}

		printSuccess("Collection '%s' is mirrored again.", key)
		restartHint()
	},
}

func init() {
	dbAddCmd.Flags().Bool("force", false, "Skip connection verification")

	dbCmd.AddCommand(dbAddCmd)
	dbCmd.AddCommand(dbListCmd)
	dbCmd.AddCommand(dbRemoveCmd)
	rootCmd.AddCommand(dbCmd)

	excludeCmd.AddCommand(excludeAddCmd)
	excludeCmd.AddCommand(excludeRemoveCmd)
	rootCmd.AddCommand(excludeCmd)
}
