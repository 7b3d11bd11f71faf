package channelfactory

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sv2pool/channelfactory/internal/extranonce"
	"github.com/sv2pool/channelfactory/internal/groupid"
	"github.com/sv2pool/channelfactory/internal/jobcreator"
	"github.com/sv2pool/channelfactory/internal/protocol"
	"github.com/sv2pool/channelfactory/internal/target"
	"github.com/sv2pool/channelfactory/internal/templateprovider"
)

func newTestProxyFactory(t *testing.T, upstreamTarget target.Target) *ProxyExtendedChannelFactory {
	t.Helper()
	alloc, err := extranonce.New(8, 2, 2)
	require.NoError(t, err)
	return NewProxyExtendedChannelFactory(zap.NewNop(), alloc, groupid.New(), 60, upstreamTarget)
}

func TestProxyFactoryBindUpstreamChannel(t *testing.T) {
	p := newTestProxyFactory(t, target.Max)

	p.BindUpstreamChannel(9, target.Max, []byte{0x01, 0x02, 0x03, 0x04})

	require.Equal(t, uint32(9), p.GetThisChannelID())
	require.Contains(t, p.channels, uint32(9))
}

func TestProxyFactoryRelaysShareMeetingUpstreamTarget(t *testing.T) {
	p := newTestProxyFactory(t, target.Max)
	p.BindUpstreamChannel(9, target.Max, []byte{0x01, 0x02, 0x03, 0x04})
	job, err := jobcreator.ExtendedJobFromCustomJob(1, protocol.SetCustomMiningJob{CoinbaseTxVersion: 2}, p.ExtranonceSize())
	require.NoError(t, err)
	p.validJob = &validJobEntry{job: *job}
	p.lastPrevHash = &StagedPrevHash{JobID: 1}

	share := protocol.SubmitSharesExtended{
		ChannelID:  9,
		JobID:      1,
		Extranonce: make([]byte, 4),
	}

	outcome, err := p.OnSubmitSharesExtended(share, target.Zero)
	require.NoError(t, err)
	require.Equal(t, OutcomeSendSubmitShareUpstream, outcome.Kind)
	require.Equal(t, uint32(9), outcome.Share.ChannelID())
}

func TestProxyFactoryRejectsStandardShareAtDownstream(t *testing.T) {
	p := newTestProxyFactory(t, target.Zero)
	p.channels[9] = &channelRecord{channelID: 9, target: target.Max, extranoncePrefix: make([]byte, 4)}
	// A standard share's full extranonce is only the channel's 4-byte
	// prefix, so the job's coinbase is built for that length.
	job, err := jobcreator.ExtendedJobFromCustomJob(1, protocol.SetCustomMiningJob{CoinbaseTxVersion: 2}, 4)
	require.NoError(t, err)
	p.validJob = &validJobEntry{job: *job}
	p.lastPrevHash = &StagedPrevHash{JobID: 1}

	share := protocol.SubmitSharesStandard{ChannelID: 9, JobID: 1}
	_, err = p.OnSubmitSharesStandard(share, 0, target.Zero)
	require.ErrorIs(t, err, protocol.ErrStandardShareOnProxy)
}

func TestJobDeclaringProxyOwnsJobsCreators(t *testing.T) {
	alloc, err := extranonce.New(8, 2, 2)
	require.NoError(t, err)

	jd := NewJobDeclaringProxyChannelFactory(zap.NewNop(), alloc, groupid.New(), 60, target.Max, nil)
	require.NotNil(t, jd.jobs, "a job-declaring proxy must own a jobs creator")

	plain := newTestProxyFactory(t, target.Max)
	require.Nil(t, plain.jobs, "a plain relaying proxy must never synthesize its own jobs")
}

func TestPlainProxyOnNewTemplateRejected(t *testing.T) {
	p := newTestProxyFactory(t, target.Max)
	_, err := p.OnNewTemplate(nil)
	require.Error(t, err)
}

func TestJobDeclaringProxyBuildsPartialCustomJobOnPrevHash(t *testing.T) {
	alloc, err := extranonce.New(8, 2, 2)
	require.NoError(t, err)
	jd := NewJobDeclaringProxyChannelFactory(zap.NewNop(), alloc, groupid.New(), 60, target.Max, nil)

	tmpl := &templateprovider.NewTemplate{
		TemplateID:        1,
		Future:            true,
		Version:           0x20000000,
		CoinbaseTxVersion: 2,
	}
	_, err = jd.OnNewTemplate(tmpl)
	require.NoError(t, err)
	require.Len(t, jd.futureTemplates, 1)

	partial := jd.OnNewPrevHashFromTp(templateprovider.SetNewPrevHashFromTp{
		TemplateID:      1,
		PrevHash:        [32]byte{0xaa},
		HeaderTimestamp: 1_700_000_000,
		NBits:           0x1d00ffff,
	})

	require.NotNil(t, partial)
	require.Equal(t, tmpl.Version, partial.Version)
	require.Equal(t, [32]byte{0xaa}, partial.PrevHash)
	require.Empty(t, jd.futureTemplates, "future templates are wholesale cleared on every prev-hash event")
}

func TestJobDeclaringProxyPrevHashForUnknownTemplateReturnsNil(t *testing.T) {
	alloc, err := extranonce.New(8, 2, 2)
	require.NoError(t, err)
	jd := NewJobDeclaringProxyChannelFactory(zap.NewNop(), alloc, groupid.New(), 60, target.Max, nil)

	partial := jd.OnNewPrevHashFromTp(templateprovider.SetNewPrevHashFromTp{TemplateID: 999})
	require.Nil(t, partial)
}
