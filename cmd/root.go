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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rage-js/rage/internal/config"
)

const configName = "rage.config"

var cfgFile string
var Version = "0.1.0" // Default version

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "rage",
	Short: "Local-first MongoDB mirror",
	Long: `rage keeps a local JSON copy of whitelisted MongoDB databases and pushes
local changes back to the remote store on a schedule, on every change, or once
at shutdown.`,
	Version: Version,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./rage.config.json)")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Project directory first, then next to the binary, then the service data dir.
		viper.AddConfigPath(".")
		if exePath, err := os.Executable(); err == nil {
			viper.AddConfigPath(filepath.Dir(exePath))
		}
		if programData := os.Getenv("PROGRAMDATA"); programData != "" {
			viper.AddConfigPath(filepath.Join(programData, "Rage"))
		}

		viper.SetConfigName(configName)
		viper.SetConfigType("json")
	}

	// Secrets stay out of the file when set in the environment.
	_ = viper.BindEnv("databaseSpecificSettings.secretKey", "RAGE_SECRET_KEY")
	_ = viper.BindEnv("outDir", "RAGE_OUT_DIR")

	if err := viper.ReadInConfig(); err == nil {
		// Lock it in so viper.WriteConfig() updates the file we read.
		viper.SetConfigFile(viper.ConfigFileUsed())
	}
}

// loadConfig decodes and validates the active configuration. Relative paths
// are resolved against the config file's directory so the service sees the
// same mirror as the project shell.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		if viper.ConfigFileUsed() == "" {
			return nil, fmt.Errorf("%w (no %s.json found, run 'rage setup' first)", err, configName)
		}
		return nil, err
	}

	if used := viper.ConfigFileUsed(); used != "" {
		base := filepath.Dir(used)
		cfg.OutDir = resolvePath(base, cfg.OutDir)
		if cfg.LedgerPath != "" {
			cfg.LedgerPath = resolvePath(base, cfg.LedgerPath)
		}
		if cfg.LogFile != "" {
			cfg.LogFile = resolvePath(base, cfg.LogFile)
		}
	}
	return cfg, nil
}

func resolvePath(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// configPath returns the file config edits go to: the one in use, or
// rage.config.json in the working directory.
func configPath() (string, error) {
	if used := viper.ConfigFileUsed(); used != "" {
		return used, nil
	}
	return filepath.Abs(configName + ".json")
}

// editConfig applies fn to the config file and writes it back. The file is
// read without environment overrides so secrets given through RAGE_SECRET_KEY
// never end up on disk.
func editConfig(fn func(cfg *config.Config) error) (string, error) {
	path, err := configPath()
	if err != nil {
		return "", err
	}

	v := viper.New()
	config.SetDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return path, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	cfg := &config.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return path, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if err := fn(cfg); err != nil {
		return path, err
	}
	if err := writeConfigFile(path, cfg); err != nil {
		return path, err
	}

	viper.SetConfigFile(path)
	_ = viper.ReadInConfig()
	return path, nil
}

// writeConfigFile stores cfg as indented JSON. viper.WriteConfig would
// lowercase every key.
func writeConfigFile(path string, cfg *config.Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
