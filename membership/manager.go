package membership

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/blockberries/finalberry/types"
)

// EventLog is the durable, append-only record of committed events
type EventLog interface {
	AppendMembershipEvent(seq uint64, data []byte) error
	MembershipEvents() ([][]byte, error)
}

// Broadcaster sends proposed events to the network
type Broadcaster interface {
	BroadcastEvent(ev *Event)
}

// ChangeFunc is called after a committed event changed the validator set
type ChangeFunc func(set *types.ValidatorSet, epoch uint64, ev *Event)

// Manager owns the validator set. The set is the fold of a genesis set and
// an append-only log of certified events; nothing else mutates it.
//
// Events are certified like blocks: validators vote on Event.Hash() at
// height Event.Seq, and the resulting certificate is checked against the set
// current when the event was proposed. Manager implements the certificate
// store for that track, so a FinalityEngine pointed at it commits events as
// it finalizes them.
type Manager struct {
	mu      sync.RWMutex
	chainID string
	genesis *types.ValidatorSet
	log     EventLog
	logger  *zap.Logger

	state     *state
	committed []Committed
	sets      map[types.Hash]*types.ValidatorSet
	byHash    map[types.Hash]uint64
	proposals map[types.Hash]*Event

	broadcaster Broadcaster
	onChange    ChangeFunc
}

// NewManager creates a manager over genesis and replays log. Every logged
// certificate is re-verified against the set it was committed under.
func NewManager(chainID string, genesis *types.ValidatorSet, log EventLog) (*Manager, error) {
	if genesis == nil {
		return nil, types.ErrEmptyValidatorSet
	}
	m := &Manager{
		chainID:   chainID,
		genesis:   genesis,
		log:       log,
		logger:    zap.NewNop(),
		state:     newState(genesis),
		sets:      map[types.Hash]*types.ValidatorSet{genesis.Hash(): genesis},
		byHash:    make(map[types.Hash]uint64),
		proposals: make(map[types.Hash]*Event),
	}
	if log == nil {
		return m, nil
	}

	records, err := log.MembershipEvents()
	if err != nil {
		return nil, fmt.Errorf("failed to load membership log: %w", err)
	}
	for i, data := range records {
		var rec Committed
		if err := types.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("membership log entry %d: %w", i+1, err)
		}
		if _, err := m.commitLocked(rec.Event, rec.Certificate, false); err != nil {
			return nil, fmt.Errorf("membership log entry %d: %w", i+1, err)
		}
	}
	return m, nil
}

// SetLogger sets the logger
func (m *Manager) SetLogger(l *zap.Logger) {
	m.logger = l.Named("membership")
}

// SetBroadcaster sets where proposed events are sent
func (m *Manager) SetBroadcaster(b Broadcaster) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcaster = b
}

// SetOnChange sets the callback for committed changes
func (m *Manager) SetOnChange(fn ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// CurrentValidatorSet returns the active validator set
func (m *Manager) CurrentValidatorSet() *types.ValidatorSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.set
}

// ValidatorSetByHash returns the genesis set or a set a committed event
// produced. Certificates from earlier epochs verify against it.
func (m *Manager) ValidatorSetByHash(hash types.Hash) (*types.ValidatorSet, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.sets[hash]
	return set, ok
}

// CurrentEpoch returns the epoch; it advances with every committed event
func (m *Manager) CurrentEpoch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.epoch
}

// NextSeq returns the sequence the next event will be committed at
func (m *Manager) NextSeq() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.committed)) + 1
}

// Banned reports whether addr is permanently banned
func (m *Manager) Banned(addr types.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.state.banned[addr]
	return ok
}

// Suspended returns the height addr's suspension ends at
func (m *Manager) Suspended(addr types.Address) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	until, ok := m.state.suspended[addr]
	return until, ok
}

// History returns the committed log in order
func (m *Manager) History() []Committed {
	return m.HistoryFrom(1)
}

// HistoryFrom returns the committed events from seq on
func (m *Manager) HistoryFrom(seq uint64) []Committed {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if seq == 0 {
		seq = 1
	}
	if seq > uint64(len(m.committed)) {
		return nil
	}
	tail := m.committed[seq-1:]
	out := make([]Committed, len(tail))
	for i, c := range tail {
		out[i] = Committed{Event: CopyEvent(c.Event), Certificate: types.CopyCertificate(c.Certificate)}
	}
	return out
}

// Prepare stamps a copy of ev with the next sequence and current epoch and
// checks that it would apply to the current set. Nothing is recorded.
func (m *Manager) Prepare(ev *Event) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prepareLocked(ev)
}

func (m *Manager) prepareLocked(ev *Event) (*Event, error) {
	prepared := CopyEvent(ev)
	prepared.Seq = uint64(len(m.committed)) + 1
	prepared.EpochID = m.state.epoch
	if _, err := m.state.apply(prepared); err != nil {
		return nil, err
	}
	return prepared, nil
}

// Propose stamps ev with the next sequence and current epoch, checks that it
// would apply to the current set, records it and broadcasts it. The set is
// unchanged until the event is committed.
func (m *Manager) Propose(ev *Event) (*Event, error) {
	m.mu.Lock()
	proposed, err := m.prepareLocked(ev)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	hash := proposed.Hash()
	m.proposals[hash] = proposed
	b := m.broadcaster
	m.mu.Unlock()

	m.logger.Info("membership change proposed",
		zap.Stringer("kind", proposed.Kind),
		zap.Stringer("validator", proposed.Validator),
		zap.Uint64("seq", proposed.Seq),
		zap.Stringer("hash", hash))
	if b != nil {
		b.BroadcastEvent(CopyEvent(proposed))
	}
	return CopyEvent(proposed), nil
}

// AddProposal records an event proposed by another validator so its
// certificate can be committed when it arrives.
func (m *Manager) AddProposal(ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkNextLocked(ev); err != nil {
		return err
	}
	if _, err := m.state.apply(ev); err != nil {
		return err
	}
	m.proposals[ev.Hash()] = CopyEvent(ev)
	return nil
}

// Proposal returns a recorded proposal by hash
func (m *Manager) Proposal(hash types.Hash) (*Event, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.proposals[hash]
	return CopyEvent(ev), ok
}

// Commit appends ev, certified by cert, to the log and applies it.
func (m *Manager) Commit(ev *Event, cert *types.ConsensusCertificate) error {
	m.mu.Lock()
	change, err := m.commitLocked(ev, cert, true)
	fn := m.onChange
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if fn != nil {
		fn(change.set, change.epoch, CopyEvent(ev))
	}
	return nil
}

func (m *Manager) checkNextLocked(ev *Event) error {
	if ev == nil {
		return fmt.Errorf("%w: nil", ErrInvalidEvent)
	}
	next := uint64(len(m.committed)) + 1
	if ev.Seq != next {
		return fmt.Errorf("%w: seq %d, next is %d", ErrStaleEvent, ev.Seq, next)
	}
	if ev.EpochID != m.state.epoch {
		return fmt.Errorf("%w: epoch %d, current %d", ErrStaleEvent, ev.EpochID, m.state.epoch)
	}
	return nil
}

// commitLocked verifies and applies one event. persist is false while
// replaying the log at startup.
func (m *Manager) commitLocked(ev *Event, cert *types.ConsensusCertificate, persist bool) (*state, error) {
	if err := m.checkNextLocked(ev); err != nil {
		return nil, err
	}
	if cert == nil {
		return nil, fmt.Errorf("%w: no certificate", ErrCertificateMismatch)
	}
	hash := ev.Hash()
	if cert.BlockHash != hash || cert.Height != int64(ev.Seq) || cert.EpochID != ev.EpochID {
		return nil, fmt.Errorf("%w: certificate for %s at %d, event %s at %d",
			ErrCertificateMismatch, cert.BlockHash.Short(), cert.Height, hash.Short(), ev.Seq)
	}
	if err := types.VerifyCertificate(m.chainID, m.state.set, cert); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateMismatch, err)
	}
	next, err := m.state.apply(ev)
	if err != nil {
		return nil, err
	}

	rec := Committed{Event: CopyEvent(ev), Certificate: types.CopyCertificate(cert)}
	if persist && m.log != nil {
		data, err := types.Marshal(&rec)
		if err != nil {
			return nil, err
		}
		if err := m.log.AppendMembershipEvent(ev.Seq, data); err != nil {
			return nil, fmt.Errorf("failed to persist membership event: %w", err)
		}
	}

	m.state = next
	m.committed = append(m.committed, rec)
	m.sets[next.set.Hash()] = next.set
	m.byHash[hash] = ev.Seq
	delete(m.proposals, hash)

	m.logger.Info("membership change committed",
		zap.Stringer("kind", ev.Kind),
		zap.Stringer("validator", ev.Validator),
		zap.Uint64("seq", ev.Seq),
		zap.Uint64("epoch", next.epoch),
		zap.Int("validators", next.set.Size()))
	return next, nil
}

// SaveCertificate commits the recorded proposal cert certifies. It lets a
// FinalityEngine use the manager as its certificate store.
func (m *Manager) SaveCertificate(cert *types.ConsensusCertificate) error {
	ev, ok := m.Proposal(cert.BlockHash)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, cert.BlockHash.Short())
	}
	return m.Commit(ev, cert)
}

// LoadCertificate returns the certificate of the event at seq height
func (m *Manager) LoadCertificate(height int64) (*types.ConsensusCertificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if height <= 0 || height > int64(len(m.committed)) {
		return nil, fmt.Errorf("%w: membership seq %d", types.ErrCertificateNotFound, height)
	}
	return types.CopyCertificate(m.committed[height-1].Certificate), nil
}

// LoadCertificateByHash returns the certificate of the event with hash
func (m *Manager) LoadCertificateByHash(hash types.Hash) (*types.ConsensusCertificate, error) {
	m.mu.RLock()
	seq, ok := m.byHash[hash]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: membership event %s", types.ErrCertificateNotFound, hash.Short())
	}
	return m.LoadCertificate(int64(seq))
}

// LatestCertificateHeight returns the number of committed events
func (m *Manager) LatestCertificateHeight() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.committed)), nil
}
