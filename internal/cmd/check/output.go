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

package check

import (
	"bytes"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/cheynewallace/tabby"
	"github.com/logrusorgru/aurora/v4"

	"github.com/cloudnative-pg/canary-gate/internal/cmd/plugin"
)

func printReport(writer io.Writer, report *Report, format plugin.OutputFormat) error {
	if format != plugin.OutputFormatText {
		return plugin.Print(report, format, writer)
	}

	buffer := &bytes.Buffer{}
	textPrinter := tabby.NewCustom(tabwriter.NewWriter(buffer, 0, 0, 4, ' ', 0))

	color := plugin.OutcomeColor(report.Decision.Outcome)
	textPrinter.AddHeader(aurora.Colorize("Canary Gate", color))
	textPrinter.AddLine("Gate", report.GateID)
	textPrinter.AddLine("Tunnel", report.Tunnel)
	textPrinter.AddLine("Policy", fmt.Sprintf("quantile %v <= %dus over %ds",
		report.Policy.Quantile, report.Policy.ThresholdMicroseconds, report.Policy.DurationSeconds))
	textPrinter.AddLine("Decision", aurora.Colorize(report.Decision.String(), color))
	if sample := report.Decision.Sample; sample != nil {
		textPrinter.AddLine("Last sample", fmt.Sprintf("%vus at %s",
			sample.ValueMicroseconds, sample.Timestamp.Format(time.RFC3339)))
	}

	if len(report.Promotions) > 0 {
		textPrinter.AddLine()
		textPrinter.AddHeader(aurora.Colorize("Deployment", color), "Annotation", "Scaled")
		for _, promotion := range report.Promotions {
			textPrinter.AddLine(promotion.Deployment, promotion.Annotation, promotion.Scaled)
		}
	}

	// do not remove this is to flush the writer cache into the buffer
	textPrinter.Print()
	_, err := io.Copy(writer, buffer)
	return err
}
