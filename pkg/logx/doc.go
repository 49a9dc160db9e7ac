// Package logx wraps zerolog behind a small live-reconfigurable facade.
//
// Components hold a Logger; the Service behind it can swap sinks and levels
// at runtime (config hot reload) without the components noticing. Sinks:
// console, append-only file, and an optional rate-limited chat mirror.
package logx
