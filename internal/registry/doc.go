// Package registry implements the per-node service registry: an actor
// that owns the routing table and the peer set and keeps them converged
// with every other node.
//
// All state changes happen on one goroutine draining a mailbox. Peer
// snapshots (PEERS), heartbeats (PING, CHECKSUM), membership changes
// (JOIN, LEAVE) and route changes (ADD, UNREGISTER) are handled one at a
// time, so the table never sees concurrent writers. Queries read the
// table and an atomically swapped peer set and never touch the mailbox.
//
// Anti-entropy
//
// Every ping interval the node sends its table checksum to each peer. A
// node receiving a digest that differs from its own pushes its snapshot
// to the sender and asks the sender to do the same by sending it a JOIN,
// so either side noticing the mismatch is enough to repair both.
//
// Origins that send nothing for longer than the origin TTL are swept out
// of the peer set and their routes removed, even if no LEAVE arrives.
package registry
