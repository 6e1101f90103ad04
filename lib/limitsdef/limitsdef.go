// Copyright 2026 The Spindle Authors
// SPDX-License-Identifier: Apache-2.0

// Package limitsdef parses per-user accounting override files. The
// files are authored as JSONC (JSON extended with // line comments,
// /* block comments */, and trailing commas), so operators can
// annotate why a given uid gets a non-default budget:
//
//	{
//	    // the build orchestrator fans out aggressively
//	    "overrides": [
//	        {"uid": 1200, "max_bytes": 67108864, "max_connections": 512,
//	         "max_fds": 512, "max_matches": 512, "max_objects": 512}
//	    ]
//	}
//
// Every field of an override is required: an override replaces the
// default policy wholesale rather than patching it, so a partially
// specified entry is a mistake worth rejecting.
package limitsdef

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"

	"github.com/spindle-ipc/spindle/lib/user"
)

// Override assigns one uid a complete replacement accounting policy.
type Override struct {
	UID            uint32 `json:"uid"`
	MaxBytes       uint64 `json:"max_bytes"`
	MaxConnections uint   `json:"max_connections"`
	MaxFDs         uint   `json:"max_fds"`
	MaxMatches     uint   `json:"max_matches"`
	MaxObjects     uint   `json:"max_objects"`
}

// Limits converts the override into the registry's limit type.
func (o Override) Limits() user.Limits {
	return user.Limits{
		MaxBytes:       o.MaxBytes,
		MaxConnections: o.MaxConnections,
		MaxFDs:         o.MaxFDs,
		MaxMatches:     o.MaxMatches,
		MaxObjects:     o.MaxObjects,
	}
}

// Definition is the parsed limits file.
type Definition struct {
	Overrides []Override `json:"overrides"`
}

// Parse strips JSONC syntax from data and unmarshals the result,
// rejecting unknown fields, duplicate uids, and limits the registry
// would refuse.
func Parse(data []byte) (*Definition, error) {
	stripped := jsonc.ToJSON(data)

	decoder := json.NewDecoder(bytes.NewReader(stripped))
	decoder.DisallowUnknownFields()

	var definition Definition
	if err := decoder.Decode(&definition); err != nil {
		return nil, fmt.Errorf("parsing limits: %w", err)
	}

	seen := make(map[uint32]bool, len(definition.Overrides))
	for _, override := range definition.Overrides {
		if seen[override.UID] {
			return nil, fmt.Errorf("duplicate override for uid %d", override.UID)
		}
		seen[override.UID] = true
		if err := override.Limits().Validate(); err != nil {
			return nil, fmt.Errorf("override for uid %d: %w", override.UID, err)
		}
	}
	return &definition, nil
}

// ReadFile reads and parses a JSONC limits file from disk.
func ReadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	definition, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return definition, nil
}

// ByUID returns the overrides keyed for registry application.
func (d *Definition) ByUID() map[uint32]user.Limits {
	overrides := make(map[uint32]user.Limits, len(d.Overrides))
	for _, override := range d.Overrides {
		overrides[override.UID] = override.Limits()
	}
	return overrides
}
