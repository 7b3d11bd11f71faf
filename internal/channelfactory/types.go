package channelfactory

import (
	"github.com/sv2pool/channelfactory/internal/protocol"
	"github.com/sv2pool/channelfactory/internal/target"
)

// ShareKind distinguishes a share submitted on an extended channel
// from one submitted on a standard channel.
type ShareKind int

const (
	ShareKindExtended ShareKind = iota
	ShareKindStandard
)

// Share is a tagged union over the two wire share-submission shapes.
// It is intentionally closed: a new share shape is protocol work, not
// a case this type should grow to absorb implicitly.
type Share struct {
	Kind     ShareKind
	Extended *protocol.SubmitSharesExtended
	Standard *protocol.SubmitSharesStandard
	// GroupID is meaningful only when Kind == ShareKindStandard. It is
	// carried with the share but not read by CheckTarget, which looks
	// up the target and extranonce prefix by channel id.
	GroupID uint32
}

// ChannelID returns the channel id the share was submitted on.
func (s Share) ChannelID() uint32 {
	if s.Kind == ShareKindExtended {
		return s.Extended.ChannelID
	}
	return s.Standard.ChannelID
}

// JobID returns the job id the share claims to solve.
func (s Share) JobID() uint32 {
	if s.Kind == ShareKindExtended {
		return s.Extended.JobID
	}
	return s.Standard.JobID
}

// SequenceNumber returns the share's sequence number.
func (s Share) SequenceNumber() uint32 {
	if s.Kind == ShareKindExtended {
		return s.Extended.SequenceNumber
	}
	return s.Standard.SequenceNumber
}

// Nonce returns the share's nonce.
func (s Share) Nonce() uint32 {
	if s.Kind == ShareKindExtended {
		return s.Extended.Nonce
	}
	return s.Standard.Nonce
}

// Ntime returns the share's ntime.
func (s Share) Ntime() uint32 {
	if s.Kind == ShareKindExtended {
		return s.Extended.Ntime
	}
	return s.Standard.Ntime
}

// Version returns the share's (possibly rolled) version field.
func (s Share) Version() uint32 {
	if s.Kind == ShareKindExtended {
		return s.Extended.Version
	}
	return s.Standard.Version
}

// Extranonce returns the share's extranonce field, or nil for a
// standard share (whose group carries a static prefix instead).
func (s Share) Extranonce() []byte {
	if s.Kind == ShareKindExtended {
		return s.Extended.Extranonce
	}
	return nil
}

// withExtranonce returns a copy of an extended share with its
// extranonce field replaced; it is a no-op on a standard share.
func (s Share) withExtranonce(extranonce []byte) Share {
	if s.Kind != ShareKindExtended {
		return s
	}
	cp := *s.Extended
	cp.Extranonce = extranonce
	return Share{Kind: ShareKindExtended, Extended: &cp}
}

// IntoExtended rewrites a share into the form sent across an
// upstream/proxy boundary: channel_id becomes upID, and the
// extranonce becomes tail (the downstream extranonce with the
// upstream-owned range0 prefix already stripped). For an
// already-extended share this is the identity when tail already
// equals its current extranonce and upID already equals its current
// channel_id, matching the property that rewriting a share that is
// already in upstream form changes nothing observable.
func (s Share) IntoExtended(tail []byte, upID uint32) Share {
	if s.Kind == ShareKindExtended {
		cp := *s.Extended
		cp.ChannelID = upID
		cp.Extranonce = tail
		return Share{Kind: ShareKindExtended, Extended: &cp}
	}

	return Share{
		Kind: ShareKindExtended,
		Extended: &protocol.SubmitSharesExtended{
			ChannelID:      upID,
			SequenceNumber: s.Standard.SequenceNumber,
			JobID:          s.Standard.JobID,
			Nonce:          s.Standard.Nonce,
			Ntime:          s.Standard.Ntime,
			Version:        s.Standard.Version,
			Extranonce:     tail,
		},
	}
}

// StagedPrevHash is the channel-factory-internal representation of a
// prev-hash activation event, shared by both the direct
// SetNewPrevHash wire message and the template-provider-sourced
// SetNewPrevHashFromTp.
type StagedPrevHash struct {
	JobID    uint32
	PrevHash [32]byte
	MinNtime uint32
	Nbits    uint32
}

// ChannelKind identifies which of the three channel-factory flavors an
// ExtendedChannelKind describes.
type ChannelKind int

const (
	KindPool ChannelKind = iota
	KindProxy
	KindProxyJD
)

// ExtendedChannelKind fixes, at construction time, which role a
// channel factory plays and, for the proxy roles, the target the
// factory's own upstream connection must meet. A pool has no upstream
// of its own, so its UpstreamTarget is target.Zero: a target no real
// hash can ever meet, making the upstream-relay branch of share
// classification unreachable for a pool.
type ExtendedChannelKind struct {
	Kind           ChannelKind
	UpstreamTarget target.Target
}

// SetTarget replaces the stored upstream target and returns the
// previous one. Target is a value type here (unlike a swap-through
// pointer), so the previous value is returned rather than written
// back through an argument.
func (k *ExtendedChannelKind) SetTarget(newTarget target.Target) target.Target {
	old := k.UpstreamTarget
	k.UpstreamTarget = newTarget
	return old
}

// ShareOutcomeKind classifies the result of share classification, in
// descending strictness.
type ShareOutcomeKind int

const (
	OutcomeShareMeetBitcoinTarget ShareOutcomeKind = iota
	OutcomeSendSubmitShareUpstream
	OutcomeShareMeetDownstreamTarget
	OutcomeSendErrorDownstream
)

// OnNewShare is the result of classifying a submitted share against
// the downstream, upstream, and bitcoin targets.
type OnNewShare struct {
	Kind       ShareOutcomeKind
	Share      Share
	TemplateID *uint64
	Coinbase   []byte
	Extranonce []byte
	Error      *protocol.SubmitSharesError
}

type channelRecord struct {
	channelID        uint32
	target           target.Target
	extranoncePrefix []byte
}

type futureJobEntry struct {
	job      protocol.NewExtendedMiningJob
	notified map[uint32]bool
}

type validJobEntry struct {
	job      protocol.NewExtendedMiningJob
	notified map[uint32]bool
}
