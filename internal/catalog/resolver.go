// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

package catalog

import (
	"github.com/backdesk-ai/backdesk/internal/security"
)

// Resolve returns the descriptors whose required permissions are a subset of
// the caller's permission set. The wildcard permission satisfies any
// requirement. The model is only ever offered tools the user can invoke;
// filtering happens here, before prompt construction, not after the model
// asks.
//
// Pure function of its inputs; safe for concurrent use.
func Resolve(snap *Snapshot, perms security.PermissionSet) []*ToolDescriptor {
	all := snap.All()
	out := make([]*ToolDescriptor, 0, len(all))
	for _, d := range all {
		if perms.ContainsAll(d.Permissions) {
			out = append(out, d)
		}
	}
	return out
}
