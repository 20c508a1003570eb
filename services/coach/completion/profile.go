// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package completion

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/northstarhq/northstar/services/coach/datatypes"
)

// ParseDiscoveryProfile extracts a profile from a discovery block body.
//
// # Description
//
// Models are imperfect JSON emitters, so parsing is tolerant: the block
// is tried as-is, then re-tried on the outermost brace-delimited span
// (stripping prose or markdown fences around the object). Unknown fields
// are ignored; missing fields stay zero. Only a block with nothing
// usable returns nil.
//
// # Outputs
//
//   - *datatypes.DiscoveryProfile: Nil when nothing could be extracted.
func ParseDiscoveryProfile(block string) *datatypes.DiscoveryProfile {
	block = strings.TrimSpace(block)
	if block == "" {
		return nil
	}

	var profile datatypes.DiscoveryProfile
	if err := json.Unmarshal([]byte(block), &profile); err == nil {
		if profile.IsEmpty() {
			return nil
		}
		return &profile
	}

	start := strings.IndexByte(block, '{')
	end := strings.LastIndexByte(block, '}')
	if start < 0 || end <= start {
		slog.Warn("Discovery block contained no JSON object", "length", len(block))
		return nil
	}

	profile = datatypes.DiscoveryProfile{}
	if err := json.Unmarshal([]byte(block[start:end+1]), &profile); err != nil {
		slog.Warn("Discovery block JSON unparseable", "error", err)
		return nil
	}
	if profile.IsEmpty() {
		return nil
	}
	return &profile
}
