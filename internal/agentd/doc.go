// Package agentd runs one gami agent process.
//
// An Agent discovers its hardware inventory, stabilizes the ids, serves its
// command set over the configured RPC transport and keeps itself registered
// with the management core. Every committed change to the resource store is
// forwarded to the core as a componentNotification carrying a per-process
// sequence number.
package agentd
