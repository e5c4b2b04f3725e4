// Package statesync catches a lagging node up with the finalized chain.
//
// Three strategies are available. FullSync fetches every block from the local
// height in fixed-size batches, verifies each against its certificate and
// applies it. IncrementalSync first restores the newest local checkpoint
// whose last block peers confirm as finalized, then applies the delta.
// FastSync restores a peer's checkpoint whose last block is proven by a
// certificate, trading replay of history for speed. SelectStrategy chooses
// by gap size, peer count and checkpoint availability.
//
// Whatever the strategy, the result is accepted only after a validation pass:
// the state must sit at the target height on the certified block, and its
// root must satisfy the optional RootVerifier.
package statesync
