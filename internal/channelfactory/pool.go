package channelfactory

import (
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/sv2pool/channelfactory/internal/extranonce"
	"github.com/sv2pool/channelfactory/internal/groupid"
	"github.com/sv2pool/channelfactory/internal/jobcreator"
	"github.com/sv2pool/channelfactory/internal/protocol"
	"github.com/sv2pool/channelfactory/internal/target"
	"github.com/sv2pool/channelfactory/internal/templateprovider"
)

// PoolChannelFactory is the pool-facing channel factory: it has no
// upstream of its own (UpstreamTarget is target.Zero, unreachable), it
// synthesizes its own jobs from templates via a *jobcreator.JobsCreators,
// and it appends the pool's own coinbase outputs to every job it mints.
type PoolChannelFactory struct {
	*ChannelFactory

	jobs        *jobcreator.JobsCreators
	poolOutputs []wire.TxOut
	// negotiated maps channel id to the custom job currently in effect
	// for that channel, overriding the pool's own template for any
	// share submitted on it.
	negotiated   map[uint32]protocol.SetCustomMiningJob
	templateByID map[uint32]uint64
}

// NewPoolChannelFactory constructs a pool-role factory.
func NewPoolChannelFactory(logger *zap.Logger, alloc *extranonce.ExtendedExtranonce, groupIDs *groupid.GroupId, sharesPerMinute float64, poolOutputs []wire.TxOut) *PoolChannelFactory {
	kind := ExtendedChannelKind{Kind: KindPool, UpstreamTarget: target.Zero}
	return &PoolChannelFactory{
		ChannelFactory: newChannelFactory(logger.Named("pool_channel_factory"), kind, alloc, groupIDs, sharesPerMinute),
		jobs:           jobcreator.New(),
		poolOutputs:    poolOutputs,
		negotiated:     make(map[uint32]protocol.SetCustomMiningJob),
		templateByID:   make(map[uint32]uint64),
	}
}

// NewGroupId allocates a fresh standard-channel group id.
func (p *PoolChannelFactory) NewGroupId() uint32 {
	return p.groupIDs.NewGroupId()
}

// NewStandardIdForHom allocates a channel id for a header-only-mining
// standard channel within group.
func (p *PoolChannelFactory) NewStandardIdForHom(group uint32) uint32 {
	return p.groupIDs.NewChannelId(group)
}

// OnNewTemplate synthesizes a job from a freshly arrived template,
// appending the pool's coinbase outputs, and fans it out to every open
// channel.
func (p *PoolChannelFactory) OnNewTemplate(tmpl *templateprovider.NewTemplate) (map[uint32]*protocol.NewExtendedMiningJob, error) {
	job, err := p.jobs.OnNewTemplate(tmpl, true, p.poolOutputs, p.extranonceAlloc.Len())
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.templateByID[job.JobID] = tmpl.TemplateID
	p.mu.Unlock()

	out, err := p.OnNewExtendedJob(*job)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("synthesized job from template",
		zap.Uint64("template_id", tmpl.TemplateID),
		zap.Uint32("job_id", job.JobID),
		zap.Bool("future", job.Future),
	)

	return out, nil
}

// OnNewPrevHashFromTp activates the job backing the named template, if
// one has already been synthesized, and stages the prev-hash for newly
// opened channels.
func (p *PoolChannelFactory) OnNewPrevHashFromTp(m templateprovider.SetNewPrevHashFromTp) {
	jobID, ok := p.jobs.OnNewPrevHash(m)
	if !ok {
		p.logger.Warn("prev-hash event for template with no synthesized job", zap.Uint64("template_id", m.TemplateID))
		return
	}

	p.jobs.SetLastTarget(target.Target(m.Target))

	p.OnNewPrevHash(StagedPrevHash{
		JobID:    jobID,
		PrevHash: m.PrevHash,
		MinNtime: m.HeaderTimestamp,
		Nbits:    m.NBits,
	})
}

// OnSubmitSharesExtended classifies an extended-channel share against
// the channel's downstream target and the pool's current bitcoin
// target; a pool's UpstreamTarget is unreachable so the upstream-relay
// outcome can never occur here. If the share's channel has a
// downstream-negotiated custom job in effect, that job and its own
// prev-hash/nbits override the pool's regular template for this share
// entirely, rather than the pool's last_valid_job.
func (p *PoolChannelFactory) OnSubmitSharesExtended(m protocol.SubmitSharesExtended) (*OnNewShare, error) {
	share := Share{Kind: ShareKindExtended, Extended: &m}
	return p.CheckTarget(share, p.jobs.LastTarget(), 0, p.lookupNegotiated(m.ChannelID), p.lookupTemplate, jobcreator.MerkleRootFromPath)
}

// OnSubmitSharesStandard classifies a standard-channel share the same
// way, for a header-only-mining downstream that never rolls extranonce.
func (p *PoolChannelFactory) OnSubmitSharesStandard(m protocol.SubmitSharesStandard, groupID uint32) (*OnNewShare, error) {
	share := Share{Kind: ShareKindStandard, Standard: &m, GroupID: groupID}
	return p.CheckTarget(share, p.jobs.LastTarget(), 0, p.lookupNegotiated(m.ChannelID), p.lookupTemplate, jobcreator.MerkleRootFromPath)
}

func (p *PoolChannelFactory) lookupTemplate(jobID uint32) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.templateByID[jobID]
	return id, ok
}

// lookupNegotiated returns the custom job currently negotiated for
// channelID, if any.
func (p *PoolChannelFactory) lookupNegotiated(channelID uint32) *protocol.SetCustomMiningJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.negotiated[channelID]
	if !ok {
		return nil
	}
	return &m
}

// OnNewSetCustomMiningJob records a downstream-negotiated custom job,
// keyed by the channel it was negotiated for, and assigns it the
// factory's own job id. Every subsequent share submitted on that
// channel is checked against this job instead of the pool's own
// template, until a new custom job is negotiated for the same
// channel. It performs no validation: it does not parse the coinbase
// outputs, bound-check the merkle path, or compare the declared
// prev-hash against this factory's chain tip, so every custom job is
// accepted; it trusts the declarator's accounting of its own merkle
// path and coinbase split.
func (p *PoolChannelFactory) OnNewSetCustomMiningJob(m protocol.SetCustomMiningJob) *protocol.SetCustomMiningJobSuccess {
	p.mu.Lock()
	jobID := p.allocJobID()
	p.negotiated[m.ChannelID] = m
	p.mu.Unlock()

	negotiatedJobsTotal.Inc()

	return &protocol.SetCustomMiningJobSuccess{
		ChannelID: m.ChannelID,
		RequestID: m.RequestID,
		JobID:     jobID,
	}
}
