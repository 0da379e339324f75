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
	"encoding/json"
	"fmt"
	"io"

	"sigs.k8s.io/yaml"
)

// Print output an object via an io.Writer in a machine-readable way
func Print(o any, format OutputFormat, writer io.Writer) error {
	var (
		data []byte
		err  error
	)

	switch format {
	case OutputFormatJSON:
		data, err = json.MarshalIndent(o, "", "  ")
		// json.MarshalIndent doesn't add the final newline
		data = append(data, '\n')

	case OutputFormatYAML:
		data, err = yaml.Marshal(o)

	default:
		return fmt.Errorf("format %q is not machine-readable", format)
	}
	if err != nil {
		return err
	}

	_, err = writer.Write(data)
	return err
}
