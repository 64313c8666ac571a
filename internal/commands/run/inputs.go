// Copyright 2026 Loom Authors
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

package run

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// parseInputs merges --input-file contents with --input key=value
// overrides; flag values win. Flag values that parse as JSON keep
// their type, everything else stays a string.
func parseInputs(inputArgs []string, inputFile string) (map[string]any, error) {
	inputs := make(map[string]any)

	if inputFile != "" {
		fromFile, err := loadInputFile(inputFile)
		if err != nil {
			return nil, err
		}
		inputs = fromFile
	}

	for _, arg := range inputArgs {
		key, raw, found := strings.Cut(arg, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid input %q (expected key=value)", arg)
		}
		inputs[key] = coerce(raw)
	}

	return inputs, nil
}

// loadInputFile reads a JSON object from a file, or stdin for "-".
func loadInputFile(path string) (map[string]any, error) {
	var data []byte
	var err error

	if path == "-" {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) != 0 {
			return nil, fmt.Errorf("--input-file - requires input on stdin (pipe or redirect)")
		}
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
	} else {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
	}

	var inputs map[string]any
	if err := json.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("parse JSON inputs: %w", err)
	}
	return inputs, nil
}

// coerce interprets a flag value as JSON when possible so numbers,
// booleans and structured values survive the command line.
func coerce(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
