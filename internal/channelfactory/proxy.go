package channelfactory

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/sv2pool/channelfactory/internal/extranonce"
	"github.com/sv2pool/channelfactory/internal/groupid"
	"github.com/sv2pool/channelfactory/internal/jobcreator"
	"github.com/sv2pool/channelfactory/internal/protocol"
	"github.com/sv2pool/channelfactory/internal/target"
	"github.com/sv2pool/channelfactory/internal/templateprovider"
)

// ProxyExtendedChannelFactory represents this endpoint's own upstream
// connection as a single extended channel, while fanning jobs and
// prev-hash events out to its own downstream channels. A plain proxy
// relays the pool's jobs verbatim; a job-declaring proxy (jobs != nil)
// synthesizes its own jobs from templates it negotiates independently.
type ProxyExtendedChannelFactory struct {
	*ChannelFactory

	jobs        *jobcreator.JobsCreators // nil unless KindProxyJD
	poolOutputs []wire.TxOut

	extendedChannelID uint32
	futureTemplates   map[uint32]templateprovider.NewTemplate
}

// NewProxyExtendedChannelFactory constructs a plain relaying proxy: it
// must not be given a *jobcreator.JobsCreators, since it never
// synthesizes its own jobs.
func NewProxyExtendedChannelFactory(logger *zap.Logger, alloc *extranonce.ExtendedExtranonce, groupIDs *groupid.GroupId, sharesPerMinute float64, upstreamTarget target.Target) *ProxyExtendedChannelFactory {
	kind := ExtendedChannelKind{Kind: KindProxy, UpstreamTarget: upstreamTarget}
	return &ProxyExtendedChannelFactory{
		ChannelFactory:  newChannelFactory(logger.Named("proxy_channel_factory"), kind, alloc, groupIDs, sharesPerMinute),
		futureTemplates: make(map[uint32]templateprovider.NewTemplate),
	}
}

// NewJobDeclaringProxyChannelFactory constructs a job-declaring proxy:
// unlike a plain proxy, it owns a *jobcreator.JobsCreators and
// synthesizes its own jobs from templates, which it later negotiates
// with its upstream via SetCustomMiningJob.
func NewJobDeclaringProxyChannelFactory(logger *zap.Logger, alloc *extranonce.ExtendedExtranonce, groupIDs *groupid.GroupId, sharesPerMinute float64, upstreamTarget target.Target, poolOutputs []wire.TxOut) *ProxyExtendedChannelFactory {
	kind := ExtendedChannelKind{Kind: KindProxyJD, UpstreamTarget: upstreamTarget}
	return &ProxyExtendedChannelFactory{
		ChannelFactory:  newChannelFactory(logger.Named("jd_channel_factory"), kind, alloc, groupIDs, sharesPerMinute),
		jobs:            jobcreator.New(),
		poolOutputs:     poolOutputs,
		futureTemplates: make(map[uint32]templateprovider.NewTemplate),
	}
}

// BindUpstreamChannel records the channel id and range0 prefix the
// upstream assigned to this proxy's own extended channel, and
// replicates it into the shared channel table under the same id so
// downstream opens can be satisfied before any downstream channel
// exists.
func (p *ProxyExtendedChannelFactory) BindUpstreamChannel(channelID uint32, upstreamTarget target.Target, extranoncePrefix []byte) {
	p.mu.Lock()
	p.extendedChannelID = channelID
	p.kind.SetTarget(upstreamTarget)
	p.mu.Unlock()

	p.ReplicateUpstreamExtendedChannelOnlyJD(upstreamTarget, extranoncePrefix, channelID)
}

// GetThisChannelID returns the channel id this proxy's own upstream
// connection was assigned.
func (p *ProxyExtendedChannelFactory) GetThisChannelID() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.extendedChannelID
}

// GetUpstreamExtranonce1Len returns the combined range0+range1 prefix
// length this proxy's downstream channels are issued, i.e. the
// extranonce1 length as seen by a miner connecting to this proxy.
func (p *ProxyExtendedChannelFactory) GetUpstreamExtranonce1Len() int {
	return p.extranonceAlloc.Range0Len() + p.extranonceAlloc.Range1Len()
}

// ExtranonceSize returns the full extranonce length negotiated with
// this proxy's own upstream.
func (p *ProxyExtendedChannelFactory) ExtranonceSize() int {
	return p.extranonceAlloc.Len()
}

// ChannelExtranonce2Size returns the range2 length a downstream miner
// of this proxy is left to roll.
func (p *ProxyExtendedChannelFactory) ChannelExtranonce2Size() int {
	return p.extranonceAlloc.Range2Len()
}

// LastValidJobVersion returns the version field of the currently valid
// job, if one exists.
func (p *ProxyExtendedChannelFactory) LastValidJobVersion() (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.validJob == nil {
		return 0, false
	}
	return p.validJob.job.Version, true
}

// OnNewTemplate is valid only on a job-declaring proxy: it synthesizes
// a job from the template without appending any pool coinbase output
// of its own (the negotiated job is relayed upstream, not mined
// directly against a pool payout), and stages both the job and its
// backing template for the pending prev-hash pairing. The template is
// needed again once the job is activated, to build the
// PartialSetCustomMiningJob negotiated upstream.
func (p *ProxyExtendedChannelFactory) OnNewTemplate(tmpl *templateprovider.NewTemplate) (map[uint32]*protocol.NewExtendedMiningJob, error) {
	if p.jobs == nil {
		return nil, fmt.Errorf("on_new_template called on a non-job-declaring proxy factory")
	}

	job, err := p.jobs.OnNewTemplate(tmpl, false, nil, p.extranonceAlloc.Len())
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.futureTemplates[job.JobID] = *tmpl
	p.mu.Unlock()

	return p.OnNewExtendedJob(*job)
}

// OnNewPrevHashFromTp activates a job-declaring proxy's own
// synthesized job, mirroring PoolChannelFactory.OnNewPrevHashFromTp,
// and returns the PartialSetCustomMiningJob to negotiate upstream for
// the job it just activated, if that job's backing template is still
// on hand. futureTemplates is cleared wholesale on every call,
// matching last_valid_job's own promote-one-drain-all semantics: a
// template staged for a prev-hash that never arrives for it is
// discarded along with everything else, not carried forward.
func (p *ProxyExtendedChannelFactory) OnNewPrevHashFromTp(m templateprovider.SetNewPrevHashFromTp) *protocol.PartialSetCustomMiningJob {
	if p.jobs == nil {
		return nil
	}

	jobID, ok := p.jobs.OnNewPrevHash(m)
	if !ok {
		p.mu.Lock()
		p.futureTemplates = make(map[uint32]templateprovider.NewTemplate)
		p.mu.Unlock()
		p.logger.Warn("prev-hash event for template with no synthesized job", zap.Uint64("template_id", m.TemplateID))
		return nil
	}

	p.jobs.SetLastTarget(target.Target(m.Target))

	p.mu.Lock()
	tmpl, haveTmpl := p.futureTemplates[jobID]
	p.futureTemplates = make(map[uint32]templateprovider.NewTemplate)
	p.mu.Unlock()

	p.OnNewPrevHash(StagedPrevHash{
		JobID:    jobID,
		PrevHash: m.PrevHash,
		MinNtime: m.HeaderTimestamp,
		Nbits:    m.NBits,
	})

	if !haveTmpl {
		return nil
	}

	partial := p.BuildPartialSetCustomMiningJob(tmpl, m.PrevHash, m.HeaderTimestamp, m.NBits)
	return &partial
}

// OnSubmitSharesExtended classifies a share arriving from one of this
// proxy's own downstream channels against the downstream, upstream,
// and bitcoin targets, rewriting it into upstream-relay form whenever
// it meets the upstream or bitcoin target. The job and prev-hash the
// share is checked against are always this factory's own
// validJob/lastPrevHash, never caller-supplied.
func (p *ProxyExtendedChannelFactory) OnSubmitSharesExtended(m protocol.SubmitSharesExtended, bitcoinTarget target.Target) (*OnNewShare, error) {
	share := Share{Kind: ShareKindExtended, Extended: &m}
	return p.CheckTarget(share, bitcoinTarget, p.GetThisChannelID(), nil, nil, jobcreator.MerkleRootFromPath)
}

// OnSubmitSharesStandard classifies a standard-channel share the same
// way; per this factory's downstream-classification rule, a standard
// share that only meets the downstream target is rejected outright,
// since a proxy has no standard-channel acknowledgement path to send
// upstream.
func (p *ProxyExtendedChannelFactory) OnSubmitSharesStandard(m protocol.SubmitSharesStandard, groupID uint32, bitcoinTarget target.Target) (*OnNewShare, error) {
	share := Share{Kind: ShareKindStandard, Standard: &m, GroupID: groupID}
	return p.CheckTarget(share, bitcoinTarget, p.GetThisChannelID(), nil, nil, jobcreator.MerkleRootFromPath)
}

// BuildPartialSetCustomMiningJob assembles the upstream-facing half of
// a negotiated custom job from a job-declaring proxy's own synthesized
// template, before any downstream channel id or request id exists.
func (p *ProxyExtendedChannelFactory) BuildPartialSetCustomMiningJob(tmpl templateprovider.NewTemplate, prevHash [32]byte, minNtime, nbits uint32) protocol.PartialSetCustomMiningJob {
	return protocol.PartialSetCustomMiningJob{
		Version:            tmpl.Version,
		PrevHash:           prevHash,
		MinNtime:           minNtime,
		Nbits:              nbits,
		CoinbaseTxVersion:  tmpl.CoinbaseTxVersion,
		CoinbasePrefix:     tmpl.CoinbasePrefix,
		CoinbaseTxOutputs:  tmpl.CoinbaseTxOutputs,
		CoinbaseTxLocktime: tmpl.CoinbaseTxLocktime,
		MerklePath:         tmpl.MerklePath,
	}
}
