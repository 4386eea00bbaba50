// Package rpc defines the wire contract between the Manager and a Host
// Agent, and implements the Manager-side client that dispatches it. The
// Agent-side handlers in internal/agent/api decode the same request types
// and encode the same response/error envelopes, so the two ends never
// drift out of sync.
package rpc
