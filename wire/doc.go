// Package wire implements the MoQ Transport wire-protocol codec: control
// message framing/parsing/serialization and the per-object frame layout
// described in spec.md §4.3 and §6. It contains no session or relay
// logic — those live in [github.com/zsiec/quicrtc/session].
package wire
