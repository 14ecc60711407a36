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

	"github.com/rage-js/rage/internal/config"
	"github.com/rage-js/rage/internal/ledger"
)

// openLedger opens the push ledger of cfg without touching the mirror.
// ledgerPath wins; otherwise the ledger lives in outDir/.rage.
func openLedger(cfg *config.Config) (*ledger.Ledger, error) {
	path := cfg.Ledger()
	l, err := ledger.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger at %s: %w", path, err)
	}
	return l, nil
}
