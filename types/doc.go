// Package types defines the core data structures for the finalberry finality
// core.
//
// # Core Types
//
// ConsensusVote: A validator's signed acceptance of a block hash at
// (epoch, height, round), carrying a per-signer monotonic vote sequence.
//
// Proposal: A signed block-hash announcement with its own proposal sequence.
//
// ConsensusCertificate: Proof that 2f+1 members of a specific validator set
// signed the same block hash at the same height and round. A certificate is
// self-verifying via VerifyCertificate.
//
// Validator / ValidatorSet: Bonded validators identified by an address derived
// from their ed25519 public key. Sets are immutable and sorted by address; the
// set hash covers membership, keys and bonds.
//
// BFTParameters: Fault-tolerance bounds derived from the validator count:
// f = floor((n-1)/3), quorum = 2f+1, honest threshold = n-f.
//
// # Blocks
//
// Blocks are opaque. This package only ever sees a block's Hash.
//
// # Serialization
//
// Everything that is signed, hashed or persisted is encoded with CBOR Core
// Deterministic Encoding (see Marshal). Struct fields use integer keys so the
// encoding is compact and stable across field renames.
//
// # Immutability
//
// ValidatorSet never changes after construction and methods such as
// WithoutValidator return new sets. Votes and certificates are copied with
// CopyVote and CopyCertificate whenever they cross a component boundary.
//
// # Usage Example
//
//	valSet, err := types.NewValidatorSet([]*types.Validator{
//	    types.NewValidator(pub1, 100),
//	    types.NewValidator(pub2, 100),
//	})
//
//	vote := &types.ConsensusVote{
//	    EpochID:   1,
//	    Height:    10,
//	    BlockHash: blockHash,
//	    Voter:     types.AddressFromPubKey(pub1),
//	    VoteSeq:   7,
//	    Timestamp: time.Now().UnixNano(),
//	}
//	vote.Signature = ed25519.Sign(priv1, types.VoteSignBytes("chain-id", vote))
//
//	err = types.VerifyVoteSignature("chain-id", vote, pub1)
package types
