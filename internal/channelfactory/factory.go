// Package channelfactory implements the per-endpoint state machine
// that owns extended mining channels, pairs jobs with prev-hash
// events, allocates extranonce space, and classifies submitted shares
// against the downstream, upstream, and bitcoin targets.
package channelfactory

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sv2pool/channelfactory/internal/extranonce"
	"github.com/sv2pool/channelfactory/internal/groupid"
	"github.com/sv2pool/channelfactory/internal/jobcreator"
	"github.com/sv2pool/channelfactory/internal/protocol"
	"github.com/sv2pool/channelfactory/internal/target"
)

// ChannelFactory is the shared state machine embedded by both
// PoolChannelFactory and ProxyExtendedChannelFactory. It is not safe
// for concurrent external construction of two factories sharing the
// same *groupid.GroupId without that allocator's own locking, but
// every exported method on a single factory instance is safe for
// concurrent use.
type ChannelFactory struct {
	mu sync.Mutex

	id     string
	logger *zap.Logger
	kind   ExtendedChannelKind

	extranonceAlloc *extranonce.ExtendedExtranonce
	groupIDs        *groupid.GroupId
	sharesPerMinute float64

	channels       map[uint32]*channelRecord
	channelToGroup map[uint32]uint32

	futureJobs []*futureJobEntry
	validJob   *validJobEntry

	lastPrevHash *StagedPrevHash

	nextJobID uint32
}

// newChannelFactory constructs the shared core. Pool and proxy
// constructors validate their own kind-specific preconditions before
// calling this.
func newChannelFactory(logger *zap.Logger, kind ExtendedChannelKind, alloc *extranonce.ExtendedExtranonce, groupIDs *groupid.GroupId, sharesPerMinute float64) *ChannelFactory {
	id := uuid.New().String()[:8]
	return &ChannelFactory{
		id:              id,
		logger:          logger.With(zap.String("factory_id", id)),
		kind:            kind,
		extranonceAlloc: alloc,
		groupIDs:        groupIDs,
		sharesPerMinute: sharesPerMinute,
		channels:        make(map[uint32]*channelRecord),
		channelToGroup:  make(map[uint32]uint32),
	}
}

func (f *ChannelFactory) allocJobID() uint32 {
	f.nextJobID++
	return f.nextJobID
}

// OpenExtendedChannel allocates a new extended channel and returns the
// ordered message batch the caller must forward downstream. The
// ordering (success, then any replayed valid job, then any
// SetNewPrevHash, then buffered future jobs) is a protocol contract
// and must be preserved by callers.
func (f *ChannelFactory) OpenExtendedChannel(requestID uint32, hashRate float64, minExtranonceSize uint16) []interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	if int(minExtranonceSize) > f.extranonceAlloc.Range2Len() {
		return []interface{}{&protocol.OpenMiningChannelError{
			RequestID: requestID,
			ErrorCode: protocol.ErrCodeUnsupportedExtranonceSize,
		}}
	}

	downstreamTarget, err := target.HashRateToTarget(hashRate, f.sharesPerMinute)
	if err != nil {
		return []interface{}{&protocol.OpenMiningChannelError{
			RequestID: requestID,
			ErrorCode: protocol.ErrCodeUnsupportedExtranonceSize,
		}}
	}

	channelID := f.groupIDs.NewChannelId(0)
	f.channelToGroup[channelID] = 0

	prefixLen := f.extranonceAlloc.Range0Len() + f.extranonceAlloc.Range1Len()
	prefix, err := f.extranonceAlloc.NextPrefixExtended(prefixLen)
	if err != nil {
		return []interface{}{&protocol.OpenMiningChannelError{
			RequestID: requestID,
			ErrorCode: protocol.ErrCodeUnsupportedExtranonceSize,
		}}
	}

	f.channels[channelID] = &channelRecord{
		channelID:        channelID,
		target:           downstreamTarget,
		extranoncePrefix: prefix,
	}

	channelsOpenedTotal.Inc()

	msgs := []interface{}{&protocol.OpenExtendedMiningChannelSuccess{
		RequestID:        requestID,
		ChannelID:        channelID,
		Target:           [32]byte(downstreamTarget),
		ExtranoncePrefix: prefix,
		ExtranonceSize:   uint16(f.extranonceAlloc.Range2Len()),
	}}

	if f.validJob != nil {
		rewritten := f.validJob.job
		rewritten.ChannelID = channelID
		rewritten.Future = true
		rewritten.JobID = f.allocJobID()
		msgs = append(msgs, &rewritten)

		if f.lastPrevHash != nil {
			msgs = append(msgs, &protocol.SetNewPrevHash{
				ChannelID: channelID,
				JobID:     rewritten.JobID,
				PrevHash:  f.lastPrevHash.PrevHash,
				MinNtime:  f.lastPrevHash.MinNtime,
				Nbits:     f.lastPrevHash.Nbits,
			})
		}
	} else if f.lastPrevHash != nil {
		msgs = append(msgs, &protocol.SetNewPrevHash{
			ChannelID: channelID,
			JobID:     f.lastPrevHash.JobID,
			PrevHash:  f.lastPrevHash.PrevHash,
			MinNtime:  f.lastPrevHash.MinNtime,
			Nbits:     f.lastPrevHash.Nbits,
		})
	}

	for _, fj := range f.futureJobs {
		j := fj.job
		j.ChannelID = channelID
		msgs = append(msgs, &j)
	}

	f.logger.Debug("opened extended channel",
		zap.Uint32("channel_id", channelID),
		zap.Float64("hash_rate", hashRate),
		zap.Int("batch_len", len(msgs)),
	)

	return msgs
}

// OnNewPrevHash drains the future-jobs queue, promoting at most the
// one future job whose job id matches staged.JobID to the new valid
// job and discarding the rest, then records the new prev-hash. It is
// total: there is no error path. When no buffered future job matches,
// validJob is cleared rather than left holding a job from a previous
// prev-hash: after every call, validJob either names the job matching
// staged.JobID or is nil.
func (f *ChannelFactory) OnNewPrevHash(staged StagedPrevHash) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var promoted *validJobEntry
	for _, fj := range f.futureJobs {
		if promoted == nil && fj.job.JobID == staged.JobID {
			j := fj.job
			j.Future = false
			promoted = &validJobEntry{job: j, notified: fj.notified}
		}
	}
	f.futureJobs = nil
	f.validJob = promoted

	f.lastPrevHash = &staged

	prevHashEventsTotal.Inc()
}

// OnNewExtendedJob dispatches a newly arrived job: future jobs are
// buffered and fanned out as-is, non-future jobs replace the current
// valid job and require a prior prev-hash. The returned map is keyed
// by channel id so the caller can route each rewritten copy
// selectively.
func (f *ChannelFactory) OnNewExtendedJob(m protocol.NewExtendedMiningJob) (map[uint32]*protocol.NewExtendedMiningJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if m.Future {
		f.futureJobs = append(f.futureJobs, &futureJobEntry{job: m, notified: make(map[uint32]bool)})
	} else {
		if f.lastPrevHash == nil {
			return nil, protocol.NewError(protocol.KindProtocolOrdering, "on_new_extended_job", protocol.ErrJobIsNotFutureButPrevHashNotPresent)
		}
		f.validJob = &validJobEntry{job: m, notified: make(map[uint32]bool)}
	}

	jobsFannedOutTotal.Inc()

	out := make(map[uint32]*protocol.NewExtendedMiningJob, len(f.channels))
	for id := range f.channels {
		j := m
		j.ChannelID = id
		out[id] = &j
	}
	return out, nil
}

// UpdateTargetForChannel overwrites channelID's stored downstream
// target. It reports false if the channel is unknown.
func (f *ChannelFactory) UpdateTargetForChannel(channelID uint32, newTarget target.Target) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.channels[channelID]
	if !ok {
		return false
	}
	rec.target = newTarget
	return true
}

// ReplicateUpstreamExtendedChannelOnlyJD registers a channel record
// under a caller-chosen channel id, bypassing id allocation. It exists
// only for a job-declaring client that must pretend to be its own
// pool and must not be used from any other role.
func (f *ChannelFactory) ReplicateUpstreamExtendedChannelOnlyJD(t target.Target, extranoncePrefix []byte, channelID uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.channels[channelID] = &channelRecord{
		channelID:        channelID,
		target:           t,
		extranoncePrefix: extranoncePrefix,
	}
	f.channelToGroup[channelID] = 0
}

// CheckTarget is the share validation pipeline shared by pool and
// proxy factories. The job a share is checked against, and the
// prev-hash it is checked under, are always pulled from this
// factory's own state rather than taken on faith from the caller:
// negotiated, if non-nil, names a downstream-negotiated custom job
// that overrides validJob/lastPrevHash for this channel (spec's
// NegotiatedJob data model: a channel with a negotiated job in effect
// validates every share against it, not against the pool's regular
// template); otherwise the share must reference the current validJob
// or it is rejected with ErrShareDoesNotMatchAnyJob. templateLookup,
// if non-nil, resolves the template id backing the job actually used,
// for the non-negotiated path only; it is called after the factory's
// lock is released. CheckTarget performs no state transition: the
// share carried in the result is a copy whose extranonce has the
// upstream-owned range0 prefix stripped, and the caller's share is
// left unchanged.
func (f *ChannelFactory) CheckTarget(
	share Share,
	bitcoinTarget target.Target,
	upID uint32,
	negotiated *protocol.SetCustomMiningJob,
	templateLookup func(jobID uint32) (uint64, bool),
	coinbaseRootFn func(coinbase []byte, path [][32]byte) ([32]byte, error),
) (*OnNewShare, error) {
	f.mu.Lock()
	rec, ok := f.channels[share.ChannelID()]
	if !ok {
		f.mu.Unlock()
		return nil, protocol.NewError(protocol.KindUnknownBinding, "check_target", protocol.ErrShareDoesNotMatchAnyChannel)
	}
	downstreamTarget := rec.target
	extranoncePrefix := rec.extranoncePrefix

	var job *protocol.NewExtendedMiningJob
	var prevBlockhash [32]byte
	var nbits uint32
	var templateID *uint64

	if negotiated != nil {
		var err error
		job, err = jobcreator.ExtendedJobFromCustomJob(share.JobID(), *negotiated, f.extranonceAlloc.Len())
		if err != nil {
			f.mu.Unlock()
			return nil, protocol.NewError(protocol.KindMalformedPayload, "check_target", protocol.ErrInvalidCoinbase)
		}
		prevBlockhash = negotiated.PrevHash
		nbits = negotiated.Nbits
	} else {
		if f.validJob == nil || f.validJob.job.JobID != share.JobID() {
			f.mu.Unlock()
			return nil, protocol.NewError(protocol.KindUnknownBinding, "check_target", protocol.ErrShareDoesNotMatchAnyJob)
		}
		if f.lastPrevHash == nil {
			f.mu.Unlock()
			return nil, protocol.NewError(protocol.KindProtocolOrdering, "check_target", protocol.ErrJobIsNotFutureButPrevHashNotPresent)
		}
		j := f.validJob.job
		job = &j
		prevBlockhash = f.lastPrevHash.PrevHash
		nbits = f.lastPrevHash.Nbits
	}
	kind := f.kind
	f.mu.Unlock()

	// templateLookup may take this factory's lock itself, so it runs
	// only once the lock is released.
	if negotiated == nil && templateLookup != nil {
		if id, ok := templateLookup(job.JobID); ok {
			templateID = &id
		}
	}

	range0Len := f.extranonceAlloc.Range0Len()
	originalTail := share.Extranonce()
	fullExtranonce := append(append([]byte{}, extranoncePrefix...), originalTail...)

	strippedTail := append(append([]byte{}, extranoncePrefix[range0Len:]...), originalTail...)
	share = share.withExtranonce(strippedTail)

	coinbase := append(append(append([]byte{}, job.CoinbasePrefix...), fullExtranonce...), job.CoinbaseSuffix...)
	merkleRoot, err := coinbaseRootFn(coinbase, job.MerklePath)
	if err != nil {
		return nil, protocol.NewError(protocol.KindMalformedPayload, "check_target", protocol.ErrInvalidCoinbase)
	}

	header := &wire.BlockHeader{
		Version:    int32(share.Version()),
		PrevBlock:  chainhash.Hash(prevBlockhash),
		MerkleRoot: chainhash.Hash(merkleRoot),
		Timestamp:  time.Unix(int64(share.Ntime()), 0),
		Bits:       nbits,
		Nonce:      share.Nonce(),
	}
	hash := header.BlockHash()

	isProxy := kind.Kind != KindPool

	switch {
	case target.MeetsTarget([32]byte(hash), bitcoinTarget):
		out := share
		if isProxy {
			out = share.IntoExtended(strippedTail, upID)
		}
		sharesClassifiedTotal.WithLabelValues("bitcoin").Inc()
		return &OnNewShare{
			Kind:       OutcomeShareMeetBitcoinTarget,
			Share:      out,
			TemplateID: templateID,
			Coinbase:   coinbase,
			Extranonce: fullExtranonce,
		}, nil

	case target.MeetsTarget([32]byte(hash), kind.UpstreamTarget):
		out := share
		if isProxy {
			out = share.IntoExtended(strippedTail, upID)
		}
		sharesClassifiedTotal.WithLabelValues("upstream").Inc()
		return &OnNewShare{
			Kind:       OutcomeSendSubmitShareUpstream,
			Share:      out,
			TemplateID: templateID,
		}, nil

	case target.MeetsTarget([32]byte(hash), downstreamTarget):
		if isProxy && share.Kind == ShareKindStandard {
			return nil, protocol.NewError(protocol.KindMalformedPayload, "check_target", protocol.ErrStandardShareOnProxy)
		}
		sharesClassifiedTotal.WithLabelValues("downstream").Inc()
		return &OnNewShare{
			Kind:  OutcomeShareMeetDownstreamTarget,
			Share: share,
		}, nil

	default:
		sharesClassifiedTotal.WithLabelValues("rejected").Inc()
		return &OnNewShare{
			Kind:  OutcomeSendErrorDownstream,
			Share: share,
			Error: &protocol.SubmitSharesError{
				ChannelID:      share.ChannelID(),
				SequenceNumber: share.SequenceNumber(),
				ErrorCode:      protocol.ErrCodeDifficultyTooLow,
			},
		}, nil
	}
}

// channelGroup returns the group id a channel belongs to.
func (f *ChannelFactory) channelGroup(channelID uint32) (uint32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.channelToGroup[channelID]
	return g, ok
}

// ID returns the factory's short correlation id, stamped on every log
// line it emits.
func (f *ChannelFactory) ID() string { return f.id }

func (f *ChannelFactory) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("ChannelFactory{id=%s, kind=%d, channels=%d}", f.id, f.kind.Kind, len(f.channels))
}
