// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"errors"
	"testing"
)

func TestReport(t *testing.T) {
	var output bytes.Buffer
	Report(&output, errors.New("config: node.id is required"))
	if got := output.String(); got != "error: config: node.id is required\n" {
		t.Errorf("Report wrote %q", got)
	}
}
