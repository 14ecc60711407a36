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
	"fmt"
	"os"

	"github.com/fatih/color"
)

// fatih/color drops the escapes when stdout is not a terminal.
var (
	successColor = color.New(color.FgGreen, color.Bold)
	warningColor = color.New(color.FgYellow, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	headerColor  = color.New(color.FgBlue, color.Bold)
	dimColor     = color.New(color.FgHiBlack)
)

func printSuccess(format string, a ...any) {
	_, _ = successColor.Printf("✓ "+format+"\n", a...)
}

func printWarning(format string, a ...any) {
	_, _ = warningColor.Printf("! "+format+"\n", a...)
}

func printError(format string, a ...any) {
	_, _ = errorColor.Fprintf(os.Stderr, "✗ "+format+"\n", a...)
}

func printHeader(format string, a ...any) {
	_, _ = headerColor.Printf(format+"\n", a...)
}

func restartHint() {
	fmt.Println()
	_, _ = dimColor.Println(">>> Run 'rage restart' to apply these changes to the running service.")
}
