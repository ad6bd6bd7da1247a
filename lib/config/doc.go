// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the configuration of a bey node.
//
// Configuration is loaded from a single file specified by either the
// BEY_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There is no discovery and no fallback search.
// YAML is the native format; files ending in .json or .jsonc are
// normalized from JSON with comments before decoding. Unknown keys
// are errors.
//
// The file may carry development, staging, and production sections
// that override transport tunables when [Config].Environment matches.
// Production additionally requires a CA whitelist and an age-sealed
// private key.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${BEY_ROOT}, and ${VAR:-default} patterns are expanded.
//
// This package depends on no other bey packages; cmd/bey-node maps
// [TransportConfig] onto the engine configuration.
package config
