// Package privval implements the local validator signer with double-sign
// prevention.
//
// A private validator holds the Ed25519 key used to sign votes and
// proposals. Besides refusing to sign two different blocks for the same
// (epoch, height, round, step), it hands out strictly increasing vote and
// proposal sequence numbers, so every message it signs is accepted exactly
// once by a peer's replay guard.
//
// # Double-Sign Prevention
//
// LastSignState records the last signed slot. Before signing, the validator
// checks:
//
//  1. Never regress to a lower epoch, height, round or step
//  2. Never sign a different vote for the slot already signed; an identical
//     request gets the cached signature, sequence and timestamp back
//  3. Persist the new state before returning the signature
//
// # Files
//
// FilePV keeps two JSON files, both written with write-then-rename:
//
//	key.json:   {"address": "...", "pub_key": "...", "priv_key": "..."}
//	state.json: {"epoch_id": 1, "height": 100, "round": 0, "step": 1,
//	             "vote_seq": 412, "proposal_seq": 37, ...}
//
// Key files should have restricted permissions (0600) and only one FilePV
// should use a given pair of files.
//
// # Usage Example
//
//	pv, err := privval.LoadFilePV("key.json", "state.json")
//	if err != nil {
//	    return err
//	}
//
//	vote := &types.ConsensusVote{EpochID: 1, Height: 100, BlockHash: blockHash}
//	if err := pv.SignVote("my-chain", vote); err != nil {
//	    return err // might be ErrDoubleSign
//	}
package privval
