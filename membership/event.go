package membership

import (
	"errors"
	"fmt"
	"maps"

	"github.com/blockberries/finalberry/types"
)

// Errors
var (
	ErrInvalidEvent        = errors.New("invalid membership event")
	ErrStaleEvent          = errors.New("stale membership event")
	ErrUnknownEvent        = errors.New("unknown membership event")
	ErrCertificateMismatch = errors.New("certificate does not certify event")
	ErrBanned              = errors.New("validator is banned")
	ErrSuspended           = errors.New("validator is suspended")
)

// EventKind is the kind of membership change
type EventKind uint8

const (
	EventRemove EventKind = iota + 1
	EventReintegrate
	EventUpdateBond
	EventSuspend
	EventBan
)

func (k EventKind) String() string {
	switch k {
	case EventRemove:
		return "remove"
	case EventReintegrate:
		return "reintegrate"
	case EventUpdateBond:
		return "update_bond"
	case EventSuspend:
		return "suspend"
	case EventBan:
		return "ban"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is a proposed change to the validator set. It takes effect only once
// a certificate over its hash, at height Seq, has been committed.
type Event struct {
	Seq     uint64    `cbor:"1,keyasint" json:"seq"`
	EpochID uint64    `cbor:"2,keyasint" json:"epoch_id"`
	Kind    EventKind `cbor:"3,keyasint" json:"kind"`
	// Height is the chain height the event was proposed at
	Height    int64         `cbor:"4,keyasint" json:"height"`
	Validator types.Address `cbor:"5,keyasint" json:"validator"`
	// Bond is the new bond for UpdateBond and optionally Reintegrate. On
	// Remove it is the bond the validator keeps after slashing.
	Bond int64 `cbor:"6,keyasint,omitempty" json:"bond,omitempty"`
	// PublicKey is required to reintegrate a validator never seen before
	PublicKey types.PublicKey `cbor:"7,keyasint,omitempty" json:"pub_key,omitempty"`
	// Until is the height a suspension ends at
	Until    int64      `cbor:"8,keyasint,omitempty" json:"until,omitempty"`
	Evidence types.Hash `cbor:"9,keyasint" json:"evidence"`
	Reason   string     `cbor:"10,keyasint,omitempty" json:"reason,omitempty"`
}

// Hash returns the event hash validators vote on
func (ev *Event) Hash() types.Hash {
	return types.HashBytes(types.MustMarshal(ev))
}

// ValidateBasic checks fields that do not depend on membership state
func (ev *Event) ValidateBasic() error {
	if ev == nil {
		return fmt.Errorf("%w: nil", ErrInvalidEvent)
	}
	if ev.Validator.IsZero() {
		return fmt.Errorf("%w: no validator", ErrInvalidEvent)
	}
	switch ev.Kind {
	case EventBan:
	case EventRemove:
		if ev.Bond < 0 {
			return fmt.Errorf("%w: bond %d", ErrInvalidEvent, ev.Bond)
		}
	case EventUpdateBond:
		if ev.Bond <= 0 {
			return fmt.Errorf("%w: bond %d", ErrInvalidEvent, ev.Bond)
		}
	case EventSuspend:
		if ev.Until <= ev.Height {
			return fmt.Errorf("%w: suspension until %d at height %d", ErrInvalidEvent, ev.Until, ev.Height)
		}
	case EventReintegrate:
		if ev.Bond < 0 {
			return fmt.Errorf("%w: bond %d", ErrInvalidEvent, ev.Bond)
		}
		if ev.PublicKey != nil && types.AddressFromPubKey(ev.PublicKey) != ev.Validator {
			return fmt.Errorf("%w: public key does not match validator", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: kind %d", ErrInvalidEvent, ev.Kind)
	}
	return nil
}

// CopyEvent returns a deep copy
func CopyEvent(ev *Event) *Event {
	if ev == nil {
		return nil
	}
	cp := *ev
	cp.PublicKey = types.CopyBytes(ev.PublicKey)
	return &cp
}

// Committed is an event together with the certificate that committed it
type Committed struct {
	Event       *Event                      `cbor:"1,keyasint"`
	Certificate *types.ConsensusCertificate `cbor:"2,keyasint"`
}

// state is the fold of the committed log
type state struct {
	set       *types.ValidatorSet
	epoch     uint64
	removed   map[types.Address]*types.Validator
	suspended map[types.Address]int64
	banned    map[types.Address]struct{}
}

func newState(genesis *types.ValidatorSet) *state {
	return &state{
		set:       genesis,
		epoch:     1,
		removed:   make(map[types.Address]*types.Validator),
		suspended: make(map[types.Address]int64),
		banned:    make(map[types.Address]struct{}),
	}
}

// apply returns the state after ev. s is not modified.
func (s *state) apply(ev *Event) (*state, error) {
	if err := ev.ValidateBasic(); err != nil {
		return nil, err
	}
	next := &state{
		set:       s.set,
		epoch:     s.epoch + 1,
		removed:   maps.Clone(s.removed),
		suspended: maps.Clone(s.suspended),
		banned:    maps.Clone(s.banned),
	}

	addr := ev.Validator
	var err error
	switch ev.Kind {
	case EventRemove, EventSuspend:
		if next.set, err = s.set.WithoutValidator(addr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		kept := s.set.GetByAddress(addr).Copy()
		if ev.Kind == EventRemove && ev.Bond > 0 {
			kept.Bond = ev.Bond
		}
		next.removed[addr] = kept
		if ev.Kind == EventSuspend {
			next.suspended[addr] = ev.Until
		}

	case EventBan:
		if _, ok := s.banned[addr]; ok {
			return nil, fmt.Errorf("%w: %s", ErrBanned, addr)
		}
		if s.set.Has(addr) {
			if next.set, err = s.set.WithoutValidator(addr); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
			}
			next.removed[addr] = s.set.GetByAddress(addr)
		}
		delete(next.suspended, addr)
		next.banned[addr] = struct{}{}

	case EventUpdateBond:
		if next.set, err = s.set.WithBond(addr, ev.Bond); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}

	case EventReintegrate:
		if _, ok := s.banned[addr]; ok {
			return nil, fmt.Errorf("%w: %s", ErrBanned, addr)
		}
		if until, ok := s.suspended[addr]; ok && ev.Height < until {
			return nil, fmt.Errorf("%w: %s until height %d", ErrSuspended, addr, until)
		}
		if s.set.Has(addr) {
			return nil, fmt.Errorf("%w: %s is already active", ErrInvalidEvent, addr)
		}
		val := s.removed[addr].Copy()
		if val == nil {
			if ev.PublicKey == nil || ev.Bond == 0 {
				return nil, fmt.Errorf("%w: unknown validator %s needs a key and bond", ErrInvalidEvent, addr)
			}
			val = types.NewValidator(ev.PublicKey, ev.Bond)
		}
		if ev.Bond > 0 {
			val.Bond = ev.Bond
		}
		if next.set, err = s.set.WithValidator(val); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		delete(next.removed, addr)
		delete(next.suspended, addr)
	}
	return next, nil
}
