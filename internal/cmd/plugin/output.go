/*
Copyright © contributors to CloudNativePG, established as
CloudNativePG a Series of LF Projects, LLC.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package plugin

import (
	"fmt"
)

// OutputFormat is the format of the command output
type OutputFormat string

const (
	// OutputFormatText means human-readable output
	OutputFormatText OutputFormat = "text"

	// OutputFormatJSON means machine-readable JSON output
	OutputFormatJSON OutputFormat = "json"

	// OutputFormatYAML means machine-readable YAML output
	OutputFormatYAML OutputFormat = "yaml"
)

// ParseOutputFormat validates an output format passed by the user
func ParseOutputFormat(value string) (OutputFormat, error) {
	switch format := OutputFormat(value); format {
	case OutputFormatText, OutputFormatJSON, OutputFormatYAML:
		return format, nil
	case "":
		return OutputFormatText, nil
	default:
		return "", fmt.Errorf("unknown output format %q, use one of text, json, yaml", value)
	}
}
