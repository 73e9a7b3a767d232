// Package chat defines the wire-level conversation model shared by the
// coordinator, the gateways and the HTTP surface: messages with custom
// content (attachments, opaque state, stage deltas) and the per-request
// Choice that accumulates one assistant response while streaming ordered
// deltas to the host.
package chat
