// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Tether components.
//
// Configuration is loaded from a single YAML file specified by the
// TETHER_CONFIG environment variable or the --config flag. There are
// no fallbacks or automatic discovery; this keeps configuration
// deterministic and auditable with no hidden overrides.
package config
