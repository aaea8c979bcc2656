// Package routing holds the route table every mesh node keeps: which
// origins serve which logical route, and under which personality.
//
// The table maps route -> origin -> personality. A route is present only
// while at least one origin serves it. Mutation order is owned by the
// registry actor; the table's own lock only keeps concurrent readers safe.
//
// Checksum
//
// Nodes compare tables with a digest over a canonical rendering:
//
//	*route-a:origin-1-PERSONALITY
//	origin-2-PERSONALITY
//	route-b:origin-1-PERSONALITY
//
// Routes and the origins within each route are sorted lexically, so the
// digest depends only on the set of bindings, never on insertion order.
//
// Destination selection
//
// When a caller needs one instance of a route, rendezvous hashing over the
// route's origins picks a stable instance per key; membership changes only
// move the keys that hashed to the departed origin.
package routing
