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
	"os"
	"time"

	"github.com/spf13/cobra"
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push every unsent local change once",
	Long: `Connects to the remote and sends every local document the remote has not
confirmed yet, exactly like the final push of a running agent. Do not run it
while the service is running against the same mirror.`,
	Run: func(cmd *cobra.Command, args []string) {
		sup, release, err := openSupervisor()
		if err != nil {
			printError("%v", err)
			return
		}
		defer release()

		fmt.Println("Pushing local changes...")
		cycle, err := sup.Flush(context.Background())
		if cycle.Failed > 0 {
			printWarning("%d document(s) failed validation and were not sent.", cycle.Failed)
		}
		if err != nil {
			printError("Push failed: %v", err)
			os.Exit(1)
		}
		printSuccess("Pushed %d document(s) in %s.", cycle.Written, cycle.FinishedAt.Sub(cycle.StartedAt).Round(time.Millisecond))
	},
}

func init() {
	rootCmd.AddCommand(pushCmd)
}
