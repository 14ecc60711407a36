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
	"strings"

	"github.com/spf13/cobra"

	"github.com/rage-js/rage/internal/ledger"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent push cycles and ledger totals",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			printError("%v", err)
			return
		}

		l, err := openLedger(cfg)
		if err != nil {
			printError("%v", err)
			return
		}
		defer l.Close()

		ctx := context.Background()
		counts, err := l.Counts(ctx)
		if err != nil {
			printError("%v", err)
			return
		}
		cycles, err := l.Cycles(ctx, historyLimit)
		if err != nil {
			printError("%v", err)
			return
		}

		printHeader("Documents")
		fmt.Printf("  pulled: %d  pushed: %d  ", counts[ledger.StatusPulled], counts[ledger.StatusPushed])
		if n := counts[ledger.StatusFailed]; n > 0 {
			_, _ = errorColor.Printf("failed: %d\n", n)
		} else {
			fmt.Println("failed: 0")
		}
		fmt.Println()

		if len(cycles) == 0 {
			fmt.Println("No push cycles recorded yet.")
			return
		}

		printHeader("%-19s %-8s %-6s %8s %7s  %s", "FINISHED", "RUN", "PUSH", "WRITTEN", "FAILED", "RESULT")
		fmt.Println(strings.Repeat("-", 72))
		for _, c := range cycles {
			push := fmt.Sprintf("#%d", c.PushCount)
			if c.Final {
				push += "*"
			}
			fmt.Printf("%-19s %-8s %-6s %8d %7d  ",
				c.FinishedAt.Local().Format("2006-01-02 15:04:05"), shortRunID(c.RunID), push, c.Written, c.Failed)
			if c.Error != "" {
				_, _ = errorColor.Println(c.Error)
			} else {
				_, _ = successColor.Println("ok")
			}
		}
		_, _ = dimColor.Println("* final push")
	},
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of push cycles to show")
	rootCmd.AddCommand(historyCmd)
}
