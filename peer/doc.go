// Package peer tracks the health and progress of the peers a node is linked
// to.
//
// Each peer reports a height and round; the Set records when it was last
// heard from and which validators' votes it already has for its current
// round, so votes are only gossiped where needed. A peer may speak for a
// validator, in which case its link health feeds partition detection via
// ValidatorLinks.
//
// A link is healthy when it is not marked down and the peer spoke within
// the link timeout. Any observation of a peer clears its down flag.
package peer
