package types

import (
	"errors"
	"fmt"
)

// Certificate verification errors
var (
	ErrInvalidCertificate         = errors.New("invalid certificate")
	ErrCertificateSetMismatch     = errors.New("certificate validator set mismatch")
	ErrCertificateThreshold       = errors.New("certificate threshold mismatch")
	ErrInsufficientCertificateSig = errors.New("insufficient signatures in certificate")
	ErrDuplicateCertificateSig    = errors.New("duplicate signature in certificate")
	ErrUnknownCertificateSigner   = errors.New("unknown signer in certificate")

	// ErrCertificateNotFound is returned by certificate stores for missing
	// heights or hashes.
	ErrCertificateNotFound = errors.New("certificate not found")
)

// CommitSig is one validator's contribution to a certificate. Together with
// the certificate's (EpochID, Height, Round, BlockHash) it reconstructs the
// exact vote that was signed.
type CommitSig struct {
	Voter     Address   `cbor:"1,keyasint" json:"voter"`
	VoteSeq   uint64    `cbor:"2,keyasint" json:"vote_seq"`
	Timestamp int64     `cbor:"3,keyasint" json:"timestamp"`
	Signature Signature `cbor:"4,keyasint" json:"signature"`
}

// ConsensusCertificate is proof that at least Threshold members of the
// validator set identified by ValidatorSetHash signed BlockHash at
// (Height, Round). Signatures are sorted by voter address.
type ConsensusCertificate struct {
	EpochID          uint64      `cbor:"1,keyasint" json:"epoch_id"`
	BlockHash        Hash        `cbor:"2,keyasint" json:"block_hash"`
	Round            int32       `cbor:"3,keyasint" json:"round"`
	Height           int64       `cbor:"4,keyasint" json:"height"`
	Signatures       []CommitSig `cbor:"5,keyasint" json:"signatures"`
	Timestamp        int64       `cbor:"6,keyasint" json:"timestamp"`
	ValidatorSetHash Hash        `cbor:"7,keyasint" json:"validator_set_hash"`
	Threshold        int         `cbor:"8,keyasint" json:"threshold"`
}

// VoteFor reconstructs the signed vote behind sig.
func (c *ConsensusCertificate) VoteFor(sig CommitSig) *ConsensusVote {
	return &ConsensusVote{
		EpochID:   c.EpochID,
		Height:    c.Height,
		Round:     c.Round,
		BlockHash: c.BlockHash,
		Voter:     sig.Voter,
		VoteSeq:   sig.VoteSeq,
		Timestamp: sig.Timestamp,
		Signature: sig.Signature,
	}
}

// Signers returns the addresses that signed, in certificate order
func (c *ConsensusCertificate) Signers() []Address {
	out := make([]Address, len(c.Signatures))
	for i, s := range c.Signatures {
		out[i] = s.Voter
	}
	return out
}

// Hash returns the canonical hash of the certificate
func (c *ConsensusCertificate) Hash() Hash {
	return HashBytes(MustMarshal(c))
}

// VerifyCertificate checks a certificate against the validator set it claims
// to be bound to. It verifies:
// - the set hash and the 2f+1 threshold match valSet
// - every signer is a distinct member
// - every signature is valid for the reconstructed vote
// - the number of signatures reaches the threshold
func VerifyCertificate(chainID string, valSet *ValidatorSet, cert *ConsensusCertificate) error {
	if cert == nil || valSet == nil {
		return ErrInvalidCertificate
	}
	if cert.Height <= 0 || cert.BlockHash.IsZero() {
		return fmt.Errorf("%w: height=%d block=%s", ErrInvalidCertificate, cert.Height, cert.BlockHash.Short())
	}
	if cert.ValidatorSetHash != valSet.Hash() {
		return fmt.Errorf("%w: certificate %s, set %s",
			ErrCertificateSetMismatch, cert.ValidatorSetHash.Short(), valSet.Hash().Short())
	}
	required := valSet.Params().QuorumSize
	if cert.Threshold != required {
		return fmt.Errorf("%w: certificate %d, set requires %d", ErrCertificateThreshold, cert.Threshold, required)
	}

	seen := make(map[Address]struct{}, len(cert.Signatures))
	for _, sig := range cert.Signatures {
		if _, dup := seen[sig.Voter]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateCertificateSig, sig.Voter)
		}
		seen[sig.Voter] = struct{}{}

		pub, ok := valSet.PublicKey(sig.Voter)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCertificateSigner, sig.Voter)
		}
		if err := VerifyVoteSignature(chainID, cert.VoteFor(sig), pub); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
		}
	}

	if len(seen) < required {
		return fmt.Errorf("%w: got %d, need %d", ErrInsufficientCertificateSig, len(seen), required)
	}
	return nil
}

// CopyCertificate returns a deep copy
func CopyCertificate(c *ConsensusCertificate) *ConsensusCertificate {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Signatures != nil {
		cp.Signatures = make([]CommitSig, len(c.Signatures))
		for i, s := range c.Signatures {
			cp.Signatures[i] = s
			cp.Signatures[i].Signature = CopyBytes(s.Signature)
		}
	}
	return &cp
}
