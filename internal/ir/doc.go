// Package ir holds the flow-graph model shared by every flowc pass.
//
// The logical graph is an arena: nodes, ports and edges live in slices owned
// by a Graph and refer to each other through integer handles (NodeID, PortID,
// EdgeID), never through pointers. Passes treat a frozen graph as read-only and
// produce rewritten clones.
//
// ir imports nothing internal; every other package builds on it.
//
// Key design constraints:
//   - NO float values in parameters or records - use int64 for numbers
//   - Declaration order (DeclPath) drives every deterministic tie-break
//   - Fingerprints are SHA-256 over canonical JSON with a domain prefix
//   - All JSON tags use snake_case
package ir
