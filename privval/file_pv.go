package privval

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blockberries/finalberry/types"
)

const (
	keyFilePerm   = 0600
	stateFilePerm = 0600
	dirPerm       = 0700
)

// FilePV is a file-based private validator
type FilePV struct {
	mu sync.Mutex

	keyFilePath   string
	stateFilePath string

	pubKey  types.PublicKey
	privKey ed25519.PrivateKey
	address types.Address

	lastSignState LastSignState
}

// FilePVKey represents the key file structure
type FilePVKey struct {
	Address types.Address `json:"address"`
	PubKey  []byte        `json:"pub_key"`
	PrivKey []byte        `json:"priv_key"`
}

// FilePVState represents the state file structure
type FilePVState struct {
	EpochID       uint64     `json:"epoch_id"`
	Height        int64      `json:"height"`
	Round         int32      `json:"round"`
	Step          int8       `json:"step"`
	VoteSeq       uint64     `json:"vote_seq"`
	ProposalSeq   uint64     `json:"proposal_seq"`
	BlockHash     types.Hash `json:"block_hash"`
	SignBytesHash types.Hash `json:"sign_bytes_hash"`
	Signature     []byte     `json:"signature,omitempty"`
	Timestamp     int64      `json:"timestamp"`
}

// NewFilePV loads the validator from its key and state files, generating a
// key if none exists yet.
func NewFilePV(keyFilePath, stateFilePath string) (*FilePV, error) {
	pv := &FilePV{
		keyFilePath:   keyFilePath,
		stateFilePath: stateFilePath,
	}
	if err := pv.loadKey(true); err != nil {
		return nil, err
	}
	if err := pv.loadState(); err != nil {
		return nil, err
	}
	return pv, nil
}

// LoadFilePV loads an existing validator. A missing key file is an error.
func LoadFilePV(keyFilePath, stateFilePath string) (*FilePV, error) {
	pv := &FilePV{
		keyFilePath:   keyFilePath,
		stateFilePath: stateFilePath,
	}
	if err := pv.loadKey(false); err != nil {
		return nil, err
	}
	if err := pv.loadState(); err != nil {
		return nil, err
	}
	return pv, nil
}

// GenerateFilePV generates a new key and writes fresh key and state files,
// overwriting any existing ones.
func GenerateFilePV(keyFilePath, stateFilePath string) (*FilePV, error) {
	_, privKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	pv := &FilePV{
		keyFilePath:   keyFilePath,
		stateFilePath: stateFilePath,
	}
	pv.setKey(privKey)

	if err := pv.saveKey(); err != nil {
		return nil, err
	}
	if err := pv.saveState(pv.lastSignState); err != nil {
		return nil, err
	}
	return pv, nil
}

func (pv *FilePV) setKey(privKey ed25519.PrivateKey) {
	pv.privKey = privKey
	pv.pubKey = types.MustNewPublicKey(privKey.Public().(ed25519.PublicKey))
	pv.address = types.AddressFromPubKey(pv.pubKey)
}

func (pv *FilePV) loadKey(generate bool) error {
	data, err := os.ReadFile(pv.keyFilePath)
	if os.IsNotExist(err) && generate {
		_, privKey, err := ed25519.GenerateKey(nil)
		if err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
		pv.setKey(privKey)
		return pv.saveKey()
	}
	if err != nil {
		return fmt.Errorf("failed to read key file: %w", err)
	}

	var key FilePVKey
	if err := json.Unmarshal(data, &key); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKeyFile, err)
	}
	if len(key.PrivKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("%w: private key size %d", ErrInvalidKeyFile, len(key.PrivKey))
	}

	pv.setKey(ed25519.PrivateKey(key.PrivKey))
	if !pv.pubKey.Equal(key.PubKey) {
		return fmt.Errorf("%w: public key does not match private key", ErrInvalidKeyFile)
	}
	if !key.Address.IsZero() && key.Address != pv.address {
		return fmt.Errorf("%w: address does not match public key", ErrInvalidKeyFile)
	}
	return nil
}

func (pv *FilePV) saveKey() error {
	key := FilePVKey{
		Address: pv.address,
		PubKey:  pv.pubKey,
		PrivKey: pv.privKey,
	}
	data, err := json.MarshalIndent(key, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}
	return writeFileAtomic(pv.keyFilePath, data, keyFilePerm)
}

func (pv *FilePV) loadState() error {
	data, err := os.ReadFile(pv.stateFilePath)
	if os.IsNotExist(err) {
		pv.lastSignState = LastSignState{}
		return pv.saveState(pv.lastSignState)
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var state FilePVState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}

	pv.lastSignState = LastSignState{
		EpochID:       state.EpochID,
		Height:        state.Height,
		Round:         state.Round,
		Step:          state.Step,
		VoteSeq:       state.VoteSeq,
		ProposalSeq:   state.ProposalSeq,
		BlockHash:     state.BlockHash,
		SignBytesHash: state.SignBytesHash,
		Signature:     types.Signature(state.Signature),
		Timestamp:     state.Timestamp,
	}
	return nil
}

func (pv *FilePV) saveState(lss LastSignState) error {
	state := FilePVState{
		EpochID:       lss.EpochID,
		Height:        lss.Height,
		Round:         lss.Round,
		Step:          lss.Step,
		VoteSeq:       lss.VoteSeq,
		ProposalSeq:   lss.ProposalSeq,
		BlockHash:     lss.BlockHash,
		SignBytesHash: lss.SignBytesHash,
		Signature:     lss.Signature,
		Timestamp:     lss.Timestamp,
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return writeFileAtomic(pv.stateFilePath, data, stateFilePerm)
}

// writeFileAtomic writes to a temp file in the same directory, syncs it and
// renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	_, werr := tmp.Write(data)
	if werr == nil {
		werr = tmp.Sync()
	}
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s: %w", path, err)
	}
	return nil
}

// PublicKey returns the public key
func (pv *FilePV) PublicKey() types.PublicKey {
	return pv.pubKey
}

// Address returns the validator address
func (pv *FilePV) Address() types.Address {
	return pv.address
}

// LastSignState returns a copy of the last sign state
func (pv *FilePV) LastSignState() LastSignState {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	lss := pv.lastSignState
	lss.Signature = types.CopyBytes(lss.Signature)
	return lss
}

// SignVote signs vote, assigning its voter, the next vote sequence and, if
// unset, the current time. Re-signing an identical vote returns the cached
// signature, sequence and timestamp.
func (pv *FilePV) SignVote(chainID string, vote *types.ConsensusVote) error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	vote.Voter = pv.address
	identity := voteIdentity(chainID, vote)
	lss := pv.lastSignState

	if err := lss.CheckHRS(vote.EpochID, vote.Height, vote.Round, StepVote); err != nil {
		if errors.Is(err, ErrDoubleSign) && lss.SignBytesHash == identity {
			vote.VoteSeq = lss.VoteSeq
			vote.Timestamp = lss.Timestamp
			vote.Signature = types.CopyBytes(lss.Signature)
			return nil
		}
		return err
	}

	if vote.Timestamp == 0 {
		vote.Timestamp = time.Now().UnixNano()
	}
	vote.VoteSeq = lss.VoteSeq + 1
	sig := types.MustNewSignature(ed25519.Sign(pv.privKey, types.VoteSignBytes(chainID, vote)))

	lss.EpochID = vote.EpochID
	lss.Height = vote.Height
	lss.Round = vote.Round
	lss.Step = StepVote
	lss.VoteSeq = vote.VoteSeq
	lss.BlockHash = vote.BlockHash
	lss.SignBytesHash = identity
	lss.Signature = sig
	lss.Timestamp = vote.Timestamp

	// Persist before releasing the signature
	if err := pv.saveState(lss); err != nil {
		return err
	}
	pv.lastSignState = lss
	vote.Signature = types.CopyBytes(sig)
	return nil
}

// SignProposal signs p, assigning its proposer and the next proposal
// sequence.
func (pv *FilePV) SignProposal(chainID string, p *types.Proposal) error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	p.Proposer = pv.address
	lss := pv.lastSignState
	if err := lss.CheckHRS(p.EpochID, p.Height, p.Round, StepProposal); err != nil {
		return err
	}

	if p.Timestamp == 0 {
		p.Timestamp = time.Now().UnixNano()
	}
	p.Seq = lss.ProposalSeq + 1
	sig := types.MustNewSignature(ed25519.Sign(pv.privKey, types.ProposalSignBytes(chainID, p)))

	lss.EpochID = p.EpochID
	lss.Height = p.Height
	lss.Round = p.Round
	lss.Step = StepProposal
	lss.ProposalSeq = p.Seq
	lss.BlockHash = p.BlockHash
	lss.SignBytesHash = types.Hash{}
	lss.Signature = sig
	lss.Timestamp = p.Timestamp

	if err := pv.saveState(lss); err != nil {
		return err
	}
	pv.lastSignState = lss
	p.Signature = types.CopyBytes(sig)
	return nil
}

// Reset clears the last sign state but keeps the sequence counters, so
// messages signed afterwards are still accepted by replay guards.
func (pv *FilePV) Reset() error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	lss := LastSignState{
		VoteSeq:     pv.lastSignState.VoteSeq,
		ProposalSeq: pv.lastSignState.ProposalSeq,
	}
	if err := pv.saveState(lss); err != nil {
		return err
	}
	pv.lastSignState = lss
	return nil
}

// Ensure FilePV implements PrivValidator
var _ PrivValidator = (*FilePV)(nil)
