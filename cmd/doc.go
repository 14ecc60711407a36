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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rage-js/rage/internal/mirror"
)

var docCmd = &cobra.Command{
	Use:   "doc",
	Short: "Read and write documents in the local mirror",
	Long: `Reads and writes documents in the local mirror. Writes are marked for the next
push; a running agent picks them up through its file watcher.`,
}

var docGetCmd = &cobra.Command{
	Use:   "get [database] [collection] [id]",
	Short: "Print one document",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		sup, release, err := openSupervisor()
		if err != nil {
			printError("%v", err)
			return
		}
		defer release()

		doc, err := sup.Mirror().Get(args[0], args[1], args[2])
		if err != nil {
			printError("%v", err)
			os.Exit(1)
		}

		out, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			printError("%v", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
	},
}

var docListCmd = &cobra.Command{
	Use:     "ls [database] [collection]",
	Aliases: []string{"list"},
	Short:   "List the document ids of a collection",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		sup, release, err := openSupervisor()
		if err != nil {
			printError("%v", err)
			return
		}
		defer release()

		c, err := sup.Mirror().Collection(args[0], args[1])
		if err != nil {
			printError("%v", err)
			os.Exit(1)
		}
		for _, doc := range c.All() {
			id, _ := doc.ID()
			fmt.Println(id)
		}
	},
}

var docPutCmd = &cobra.Command{
	Use:   "put [database] [collection] [file]",
	Short: "Insert or replace documents by _id",
	Long: `Reads a JSON object, or an array of objects, from file or from stdin when file
is omitted or "-", and writes each document to the local mirror.`,
	Example: `  rage doc put shop orders order.json
  echo '{"_id":"o1","total":10}' | rage doc put shop orders`,
	Args: cobra.RangeArgs(2, 3),
	Run: func(cmd *cobra.Command, args []string) {
		var in io.Reader = os.Stdin
		if len(args) == 3 && args[2] != "-" {
			f, err := os.Open(args[2])
			if err != nil {
				printError("%v", err)
				os.Exit(1)
			}
			defer f.Close()
			in = f
		}

		docs, err := readDocuments(in)
		if err != nil {
			printError("%v", err)
			os.Exit(1)
		}

		sup, release, err := openSupervisor()
		if err != nil {
			printError("%v", err)
			return
		}
		defer release()

		c, err := sup.Mirror().Collection(args[0], args[1])
		if err != nil {
			printError("%v", err)
			os.Exit(1)
		}

		written := 0
		for _, doc := range docs {
			id, _ := doc.ID()
			if err := c.Put(doc); err != nil {
				printError("%s: %v", id, err)
				continue
			}
			written++
		}
		printSuccess("Wrote %d of %d document(s) to %s.", written, len(docs), c.Key())
		if written < len(docs) {
			os.Exit(1)
		}
	},
}

// readDocuments decodes one JSON object or an array of them.
func readDocuments(r io.Reader) ([]mirror.Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("no document given")
	}

	if data[0] == '[' {
		return mirror.DecodeDocuments(bytes.NewReader(data))
	}
	doc, err := mirror.DecodeDocument(data)
	if err != nil {
		return nil, err
	}
	return []mirror.Document{doc}, nil
}

func init() {
	docCmd.AddCommand(docGetCmd)
	docCmd.AddCommand(docListCmd)
	docCmd.AddCommand(docPutCmd)
	rootCmd.AddCommand(docCmd)
}
