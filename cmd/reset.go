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
	"time"

	"github.com/spf13/cobra"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset-history [database] [collection]",
	Short: "Clear the push ledger",
	Long: `Forgets which document versions the remote has confirmed. The next final push
re-sends every document in scope. Without arguments the whole ledger is cleared.`,
	Args: cobra.MaximumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}

		var db, collection string
		if len(args) > 0 {
			db = args[0]
		}
		if len(args) > 1 {
			collection = args[1]
		}

		switch {
		case collection != "":
			fmt.Printf("Clearing history for: %s/%s\n", db, collection)
		case db != "":
			fmt.Printf("Clearing history for database: %s\n", db)
		default:
			fmt.Println("WARNING: Clearing ENTIRE push history. All documents will be re-sent on the next final push.")
			if !resetYes {
				fmt.Println("Press Ctrl+C to cancel in 5 seconds...")
				time.Sleep(5 * time.Second)
			}
		}

		l, err := openLedger(cfg)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		defer l.Close()

		n, err := l.Reset(context.Background(), db, collection)
		if err != nil {
			fmt.Printf("Failed to reset history: %v\n", err)
			return
		}
		fmt.Printf("History reset successfully (%d records removed).\n", n)
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not wait before clearing the whole history")
	rootCmd.AddCommand(resetCmd)
}
