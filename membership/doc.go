// Package membership manages the validator set as an append-only log of
// certified events.
//
// The current set is always the fold of the genesis set over the committed
// log. An event (remove, reintegrate, bond update, suspend, ban) is proposed
// with the next sequence number and the current epoch, voted on exactly like
// a block, and applied only once a certificate over its hash has been
// verified against the set it was proposed under. Every committed event
// advances the epoch by one, so votes cast under an older set are rejected.
//
// Manager implements both engine.ValidatorSetSource and
// engine.CertificateStore: a FinalityEngine pointed at a Manager certifies
// membership events and commits them as it finalizes.
//
// ReputationBook is local bookkeeping only and never changes the set.
package membership
