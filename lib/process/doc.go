// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for bey binaries: the
// error report and exit used by main before or after the structured
// logger exists.
package process
