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
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rage-js/rage/internal/config"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create rage.config.json and the local mirror layout",
	Long: `Writes a configuration file with the given settings (defaults otherwise) and
creates one directory per whitelisted database under outDir. An existing
config file is only updated with the flags that were passed.`,
	Example: `  rage setup --db shop --db crm --method POU
  rage setup --database-type DataAPI --endpoint https://data.example.com/v1`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()

		path, err := editConfig(func(cfg *config.Config) error {
			if flags.Changed("method") {
				m, _ := flags.GetString("method")
				cfg.Method = config.Method(m)
			}
			if flags.Changed("interval") {
				cfg.MethodSpecificSettings.Interval, _ = flags.GetInt("interval")
			}
			if flags.Changed("database-type") {
				t, _ := flags.GetString("database-type")
				cfg.DatabaseType = config.DatabaseType(t)
			}
			if flags.Changed("endpoint") {
				cfg.DatabaseSpecificSettings.Endpoint, _ = flags.GetString("endpoint")
			}
			if flags.Changed("secret-key") {
				cfg.DatabaseSpecificSettings.SecretKey, _ = flags.GetString("secret-key")
			}
			if flags.Changed("db") {
				cfg.DatabaseSpecificSettings.Dbs, _ = flags.GetStringSlice("db")
			}
			if flags.Changed("out-dir") {
				cfg.OutDir, _ = flags.GetString("out-dir")
			}
			if flags.Changed("fetch-on-first") {
				cfg.FetchOnFirst, _ = flags.GetBool("fetch-on-first")
			}
			if cfg.DatabaseSpecificSettings.Dbs == nil {
				cfg.DatabaseSpecificSettings.Dbs = []string{}
			}
			if cfg.DatabaseSpecificSettings.ExcludeCollections == nil {
				cfg.DatabaseSpecificSettings.ExcludeCollections = []string{}
			}
			return cfg.Validate()
		})
		if err != nil {
			if errors.Is(err, config.ErrInvalidConfig) {
				printError("Configuration not saved: %v", err)
			} else {
				printError("%v", err)
			}
			return
		}
		printSuccess("Configuration saved to %s", path)

		sup, release, err := openSupervisor()
		if err != nil {
			printError("%v", err)
			return
		}
		defer release()

		cfg := sup.Config()
		printSuccess("Local mirror ready in %s (%d database(s))", cfg.OutDir, len(cfg.DatabaseSpecificSettings.Dbs))
		if cfg.DatabaseSpecificSettings.SecretKey == "" && os.Getenv("RAGE_SECRET_KEY") == "" {
			printWarning("No secret key configured. Set RAGE_SECRET_KEY or pass --secret-key.")
		}
		if len(cfg.DatabaseSpecificSettings.Dbs) == 0 {
			fmt.Println("Whitelist a database with 'rage db add <name>'.")
		}
	},
}

func init() {
	flags := setupCmd.Flags()
	flags.String("method", string(config.PushAfterInterval), "Sync method: PAI, NI or POU")
	flags.Int("interval", 600000, "Push interval in milliseconds (PAI)")
	flags.String("database-type", string(config.MongoDB), "Remote type: MongoDB or DataAPI")
	flags.String("endpoint", "", "Data API base URL (DataAPI)")
	flags.String("secret-key", "", "Connection URI or API key (prefer RAGE_SECRET_KEY)")
	flags.StringSlice("db", nil, "Database to whitelist (repeatable)")
	flags.String("out-dir", ".", "Directory of the local mirror")
	flags.Bool("fetch-on-first", false, "Pull the remote contents when the agent starts")
	rootCmd.AddCommand(setupCmd)
}
