package jobcreator

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/sv2pool/channelfactory/internal/protocol"
	"github.com/sv2pool/channelfactory/internal/target"
	"github.com/sv2pool/channelfactory/internal/templateprovider"
)

func TestOnNewTemplateTracksTemplateID(t *testing.T) {
	jc := New()

	tmpl := &templateprovider.NewTemplate{
		TemplateID:         42,
		Future:             true,
		Version:            0x20000000,
		CoinbaseTxVersion:  2,
		CoinbaseTxInputSeq: 0xffffffff,
	}

	job, err := jc.OnNewTemplate(tmpl, false, nil, 4)
	require.NoError(t, err)
	require.True(t, job.Future)

	tid, ok := jc.GetTemplateIDFromJob(job.JobID)
	require.True(t, ok)
	require.Equal(t, uint64(42), tid)

	jobID, ok := jc.OnNewPrevHash(templateprovider.SetNewPrevHashFromTp{TemplateID: 42})
	require.True(t, ok)
	require.Equal(t, job.JobID, jobID)
}

func TestOnNewPrevHashUnknownTemplate(t *testing.T) {
	jc := New()
	_, ok := jc.OnNewPrevHash(templateprovider.SetNewPrevHashFromTp{TemplateID: 999})
	require.False(t, ok)
}

func TestLastTargetDefaultsToMax(t *testing.T) {
	jc := New()
	require.Equal(t, target.Max, jc.LastTarget())

	tg := target.CompactToTarget(0x1d00ffff)
	jc.SetLastTarget(tg)
	require.Equal(t, tg, jc.LastTarget())
}

func TestBuildCoinbaseSplitAppendsPoolOutput(t *testing.T) {
	tmpl := &templateprovider.NewTemplate{
		TemplateID:         1,
		CoinbaseTxVersion:  2,
		CoinbaseTxInputSeq: 0xffffffff,
		CoinbasePrefix:     []byte{0x03, 0x01, 0x02, 0x03},
	}

	poolOut, err := PoolOutput("mfCfLaZzdBqLQGkp7ue4HQVVvwuUFXrjBT", 625000000, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	prefix, suffix, err := buildCoinbaseSplit(tmpl, true, []wire.TxOut{poolOut}, 4)
	require.NoError(t, err)

	require.NotEmpty(t, prefix)
	require.NotEmpty(t, suffix)
	require.True(t, bytes.Contains(suffix, poolOut.PkScript), "the pool output's script is serialized into the suffix")
}

func TestMerkleRootFromPathEmptyPath(t *testing.T) {
	var tx wire.MsgTx
	tx.Version = 2
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 0xffffffff},
		SignatureScript:  []byte{0x01},
		Sequence:         0xffffffff,
	})
	tx.AddTxOut(&wire.TxOut{Value: 0, PkScript: []byte{}})

	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))

	root, err := MerkleRootFromPath(buf.Bytes(), nil)
	require.NoError(t, err)
	require.NotEqual(t, [32]byte{}, root)
}

func TestMerkleRootFromPathRejectsMalformedCoinbase(t *testing.T) {
	_, err := MerkleRootFromPath([]byte{0x01, 0x02, 0x03}, nil)
	require.Error(t, err)
}

func TestPoolOutputRejectsInvalidAddress(t *testing.T) {
	_, err := PoolOutput("not-a-real-address", 1000, &chaincfg.RegressionNetParams)
	require.Error(t, err)
}

func TestExtendedJobFromCustomJob(t *testing.T) {
	m := protocol.SetCustomMiningJob{
		ChannelID:          1,
		Version:            0x20000000,
		CoinbaseTxVersion:  2,
		CoinbasePrefix:     []byte{0x03, 0x01, 0x02, 0x03},
		CoinbaseTxOutputs:  []byte{0x01, 0x02},
		CoinbaseTxLocktime: 0,
	}

	job, err := ExtendedJobFromCustomJob(9, m, 4)
	require.NoError(t, err)
	require.Equal(t, uint32(9), job.JobID)
	require.Equal(t, m.Version, job.Version)
	require.False(t, job.Future)
	require.NotEmpty(t, job.CoinbasePrefix)
	require.NotEmpty(t, job.CoinbaseSuffix)
}
