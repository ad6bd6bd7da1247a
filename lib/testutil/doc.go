// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive], [RequireSend], and [RequireClosed] wrap the select
// with a wall-clock timeout so a broken test fails instead of hanging.
// They are the only place test code reads the real clock; everything
// else uses lib/clock.Fake.
//
// [NewPKI] builds a throwaway certificate authority in memory and
// issues node certificates from it, so transport tests can run real
// mutual TLS without fixtures on disk. [PKI.WriteFiles] writes PEM
// files for configuration tests.
//
// [UniqueID] returns process-unique identifiers for token ids and
// node names.
//
// Helpers call t.Fatalf on failure; test setup failures are not
// recoverable.
package testutil
