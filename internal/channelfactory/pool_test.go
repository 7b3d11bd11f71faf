package channelfactory

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sv2pool/channelfactory/internal/extranonce"
	"github.com/sv2pool/channelfactory/internal/groupid"
	"github.com/sv2pool/channelfactory/internal/protocol"
	"github.com/sv2pool/channelfactory/internal/target"
	"github.com/sv2pool/channelfactory/internal/templateprovider"
)

func newTestPoolFactory(t *testing.T) *PoolChannelFactory {
	t.Helper()
	alloc, err := extranonce.New(8, 2, 2)
	require.NoError(t, err)
	return NewPoolChannelFactory(zap.NewNop(), alloc, groupid.New(), 60, nil)
}

func TestPoolFactoryEndToEndFutureJobThenPrevHash(t *testing.T) {
	p := newTestPoolFactory(t)

	msgs := p.OpenExtendedChannel(1, 1e9, 2)
	successMsg, ok := msgs[0].(*protocol.OpenExtendedMiningChannelSuccess)
	require.True(t, ok)
	channelID := successMsg.ChannelID

	tmpl := &templateprovider.NewTemplate{
		TemplateID:         1,
		Future:             true,
		CoinbaseTxVersion:  2,
		CoinbaseTxInputSeq: 0xffffffff,
	}
	jobMsgs, err := p.OnNewTemplate(tmpl)
	require.NoError(t, err)
	require.Contains(t, jobMsgs, channelID)
	require.True(t, jobMsgs[channelID].Future)

	p.jobs.SetLastTarget(target.Max)
	p.OnNewPrevHashFromTp(templateprovider.SetNewPrevHashFromTp{
		TemplateID: 1,
		NBits:      0x1d00ffff,
		Target:     target.Max,
	})

	require.NotNil(t, p.validJob)
	require.False(t, p.validJob.job.Future)
}

func TestPoolFactoryPrevHashForUnknownTemplateIsIgnored(t *testing.T) {
	p := newTestPoolFactory(t)

	p.OnNewPrevHashFromTp(templateprovider.SetNewPrevHashFromTp{TemplateID: 999})
	require.Nil(t, p.validJob)
}

func TestPoolFactoryShareMeetingBitcoinTarget(t *testing.T) {
	p := newTestPoolFactory(t)

	msgs := p.OpenExtendedChannel(1, 1e9, 2)
	channelID := msgs[0].(*protocol.OpenExtendedMiningChannelSuccess).ChannelID

	tmpl := &templateprovider.NewTemplate{TemplateID: 1, Future: true}
	_, err := p.OnNewTemplate(tmpl)
	require.NoError(t, err)

	p.jobs.SetLastTarget(target.Max)
	p.OnNewPrevHashFromTp(templateprovider.SetNewPrevHashFromTp{TemplateID: 1, Target: target.Max})

	share := protocol.SubmitSharesExtended{
		ChannelID:  channelID,
		JobID:      p.validJob.job.JobID,
		Extranonce: make([]byte, 4),
	}

	outcome, err := p.OnSubmitSharesExtended(share)
	require.NoError(t, err)
	require.Equal(t, OutcomeShareMeetBitcoinTarget, outcome.Kind, "target.Max is loosest and any hash meets it")
}

func TestPoolFactoryShareUnknownChannelRejected(t *testing.T) {
	p := newTestPoolFactory(t)

	share := protocol.SubmitSharesExtended{ChannelID: 77, Extranonce: make([]byte, 4)}
	_, err := p.OnSubmitSharesExtended(share)
	require.Error(t, err)
}

func TestPoolFactoryShareAgainstStaleJobIDRejected(t *testing.T) {
	p := newTestPoolFactory(t)

	msgs := p.OpenExtendedChannel(1, 1e9, 2)
	channelID := msgs[0].(*protocol.OpenExtendedMiningChannelSuccess).ChannelID

	tmpl := &templateprovider.NewTemplate{TemplateID: 1, Future: true}
	_, err := p.OnNewTemplate(tmpl)
	require.NoError(t, err)
	p.jobs.SetLastTarget(target.Max)
	p.OnNewPrevHashFromTp(templateprovider.SetNewPrevHashFromTp{TemplateID: 1, Target: target.Max})

	share := protocol.SubmitSharesExtended{
		ChannelID:  channelID,
		JobID:      p.validJob.job.JobID + 1,
		Extranonce: make([]byte, 4),
	}

	_, err = p.OnSubmitSharesExtended(share)
	require.ErrorIs(t, err, protocol.ErrShareDoesNotMatchAnyJob)
}

func TestPoolFactoryNegotiatedCustomJobStoredByChannel(t *testing.T) {
	p := newTestPoolFactory(t)

	m := protocol.SetCustomMiningJob{ChannelID: 3, RequestID: 5}
	success := p.OnNewSetCustomMiningJob(m)

	require.Equal(t, uint32(3), success.ChannelID)
	require.Equal(t, uint32(5), success.RequestID)
	require.NotZero(t, success.JobID)

	require.Contains(t, p.negotiated, m.ChannelID)
}

func TestPoolFactoryNegotiatedJobOverridesShareValidation(t *testing.T) {
	p := newTestPoolFactory(t)

	msgs := p.OpenExtendedChannel(1, 1e9, 2)
	channelID := msgs[0].(*protocol.OpenExtendedMiningChannelSuccess).ChannelID

	success := p.OnNewSetCustomMiningJob(protocol.SetCustomMiningJob{
		ChannelID: channelID,
		RequestID: 5,
		Version:   0x20000000,
		PrevHash:  [32]byte{0x01},
		Nbits:     0x1d00ffff,
	})

	share := protocol.SubmitSharesExtended{
		ChannelID:  channelID,
		JobID:      success.JobID,
		Extranonce: make([]byte, 4),
	}

	// The pool never received a template or a prev-hash on this
	// factory at all, so without the negotiated-job override this
	// would fail with ErrShareDoesNotMatchAnyJob; succeeding proves
	// the negotiated job, not last_valid_job, backed the check.
	outcome, err := p.OnSubmitSharesExtended(share)
	require.NoError(t, err)
	require.Equal(t, OutcomeShareMeetBitcoinTarget, outcome.Kind, "jobs.LastTarget defaults to target.Max, the loosest possible target")
}

func TestPoolFactoryGroupAndStandardIDAllocation(t *testing.T) {
	p := newTestPoolFactory(t)

	group := p.NewGroupId()
	first := p.NewStandardIdForHom(group)
	second := p.NewStandardIdForHom(group)

	require.NotEqual(t, first, second)
}
