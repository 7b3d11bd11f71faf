// Package jobcreator synthesizes Stratum V2 extended mining jobs from
// block templates: it builds the coinbase prefix/suffix split around
// the extranonce field, tracks which template backs which job id, and
// reconstructs a merkle root from a coinbase and its merkle path.
package jobcreator

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/sv2pool/channelfactory/internal/protocol"
	"github.com/sv2pool/channelfactory/internal/target"
	"github.com/sv2pool/channelfactory/internal/templateprovider"
)

// JobsCreators turns block templates into NewExtendedMiningJob
// messages and remembers which template backs each job id, so a later
// found block can be correlated back to its template.
type JobsCreators struct {
	mu              sync.RWMutex
	nextJobID       uint32
	jobToTemplate   map[uint32]uint64
	templateToJobID map[uint64]uint32
	lastTarget      atomic.Value // target.Target
}

// New creates an empty JobsCreators.
func New() *JobsCreators {
	jc := &JobsCreators{
		jobToTemplate:   make(map[uint32]uint64),
		templateToJobID: make(map[uint64]uint32),
	}
	jc.lastTarget.Store(target.Max)
	return jc
}

// OnNewPrevHash reports the job id associated with the template named
// by the prev-hash event, if one has already been synthesized.
func (jc *JobsCreators) OnNewPrevHash(m templateprovider.SetNewPrevHashFromTp) (uint32, bool) {
	jc.mu.RLock()
	defer jc.mu.RUnlock()

	id, ok := jc.templateToJobID[m.TemplateID]
	return id, ok
}

// OnNewTemplate synthesizes a NewExtendedMiningJob from a template. If
// appendCoinbase is true, poolOutputs are appended after the template's
// own coinbase outputs (the pool-role path); a job-declaring proxy
// passes appendCoinbase=false and a nil poolOutputs. extranonceLen is
// the total extranonce length (range0+range1+range2) every channel on
// this factory commits to: it is baked into the coinbase scriptSig's
// length prefix now, once, since it cannot vary per-channel without
// invalidating the split.
func (jc *JobsCreators) OnNewTemplate(m *templateprovider.NewTemplate, appendCoinbase bool, poolOutputs []wire.TxOut, extranonceLen int) (*protocol.NewExtendedMiningJob, error) {
	jobID := atomic.AddUint32(&jc.nextJobID, 1)

	jc.mu.Lock()
	jc.jobToTemplate[jobID] = m.TemplateID
	jc.templateToJobID[m.TemplateID] = jobID
	jc.mu.Unlock()

	prefix, suffix, err := buildCoinbaseSplit(m, appendCoinbase, poolOutputs, extranonceLen)
	if err != nil {
		return nil, fmt.Errorf("synthesizing job from template %d: %w", m.TemplateID, err)
	}

	return &protocol.NewExtendedMiningJob{
		JobID:          jobID,
		Future:         m.Future,
		Version:        m.Version,
		CoinbasePrefix: prefix,
		CoinbaseSuffix: suffix,
		MerklePath:     m.MerklePath,
	}, nil
}

// GetTemplateIDFromJob returns the template id backing jobID, if any.
func (jc *JobsCreators) GetTemplateIDFromJob(jobID uint32) (uint64, bool) {
	jc.mu.RLock()
	defer jc.mu.RUnlock()
	id, ok := jc.jobToTemplate[jobID]
	return id, ok
}

// LastTarget returns the target most recently set with SetLastTarget,
// or target.Max if none has been set.
func (jc *JobsCreators) LastTarget() target.Target {
	return jc.lastTarget.Load().(target.Target)
}

// SetLastTarget records the bitcoin-network target the pool is
// currently mining against.
func (jc *JobsCreators) SetLastTarget(t target.Target) {
	jc.lastTarget.Store(t)
}

// buildCoinbaseSplit assembles a coinbase transaction's serialized
// bytes split around the extranonce field: everything before the
// extranonce goes in prefix, everything after (additional script data,
// sequence, outputs, locktime) goes in suffix. extranonceLen is baked
// into the prefix's scriptSig length prefix, since that length covers
// bytes (the extranonce) that aren't assembled until share time.
func buildCoinbaseSplit(m *templateprovider.NewTemplate, appendCoinbase bool, poolOutputs []wire.TxOut, extranonceLen int) (prefix, suffix []byte, err error) {
	prefix, err = coinbasePrefixBytes(m.CoinbaseTxVersion, m.CoinbasePrefix, extranonceLen)
	if err != nil {
		return nil, nil, fmt.Errorf("synthesizing job from template %d: %w", m.TemplateID, err)
	}

	var extra []wire.TxOut
	if appendCoinbase {
		extra = poolOutputs
	}

	suffix, err = coinbaseSuffixBytes(m.CoinbaseTxInputSeq, m.CoinbaseTxOutputs, extra, m.CoinbaseTxLocktime)
	if err != nil {
		return nil, nil, fmt.Errorf("synthesizing job from template %d: %w", m.TemplateID, err)
	}
	return prefix, suffix, nil
}

// coinbasePrefixBytes assembles the fixed-shape head of a coinbase
// transaction (version, single input with its previous outpoint and
// sequence stubs, then the template's own coinbase script prefix) up
// to the extranonce field. The scriptSig's CompactSize length prefix
// is computed from scriptPrefix plus extranonceLen, the total length
// of the extranonce that will be spliced in between prefix and suffix,
// so the assembled transaction is well-formed once a share's
// extranonce is inserted.
func coinbasePrefixBytes(version uint32, scriptPrefix []byte, extranonceLen int) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, version); err != nil {
		return nil, err
	}
	if err := wire.WriteVarInt(&buf, 0, 1); err != nil { // one input
		return nil, err
	}
	buf.Write(make([]byte, 32))
	if err := binary.Write(&buf, binary.LittleEndian, uint32(0xffffffff)); err != nil {
		return nil, err
	}
	if err := wire.WriteVarInt(&buf, 0, uint64(len(scriptPrefix)+extranonceLen)); err != nil {
		return nil, err
	}
	buf.Write(scriptPrefix)
	return buf.Bytes(), nil
}

// coinbaseSuffixBytes assembles everything after the extranonce field:
// the input sequence, the output count and the template's own
// pre-serialized outputs, any extraOutputs appended after them, and
// the locktime. The output count is one for a non-empty outputsBlob
// plus one per extraOutput, so outputsBlob is taken to hold exactly
// one serialized output.
func coinbaseSuffixBytes(seq uint32, outputsBlob []byte, extraOutputs []wire.TxOut, locktime uint32) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, seq); err != nil {
		return nil, err
	}

	numOutputs := uint64(len(extraOutputs))
	if len(outputsBlob) > 0 {
		numOutputs++
	}
	if err := wire.WriteVarInt(&buf, 0, numOutputs); err != nil {
		return nil, err
	}
	buf.Write(outputsBlob)

	for _, out := range extraOutputs {
		txOutBytes, err := serializeTxOut(out)
		if err != nil {
			return nil, fmt.Errorf("serializing coinbase output: %w", err)
		}
		buf.Write(txOutBytes)
	}

	if err := binary.Write(&buf, binary.LittleEndian, locktime); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ExtendedJobFromCustomJob converts a downstream-negotiated custom job
// into the same NewExtendedMiningJob shape used by share validation.
// Unlike OnNewTemplate it never appends a pool output of its own: a
// negotiated job already carries its own final coinbase output set,
// assembled by whoever declared it. extranonceLen must be the same
// total extranonce length the validating channel's factory commits to,
// since it is baked into the coinbase scriptSig length the same way a
// template-derived job's is.
func ExtendedJobFromCustomJob(jobID uint32, m protocol.SetCustomMiningJob, extranonceLen int) (*protocol.NewExtendedMiningJob, error) {
	prefix, err := coinbasePrefixBytes(m.CoinbaseTxVersion, m.CoinbasePrefix, extranonceLen)
	if err != nil {
		return nil, fmt.Errorf("building negotiated job coinbase prefix: %w", err)
	}
	suffix, err := coinbaseSuffixBytes(0xffffffff, m.CoinbaseTxOutputs, nil, m.CoinbaseTxLocktime)
	if err != nil {
		return nil, fmt.Errorf("building negotiated job coinbase suffix: %w", err)
	}

	return &protocol.NewExtendedMiningJob{
		JobID:          jobID,
		Future:         false,
		Version:        m.Version,
		CoinbasePrefix: prefix,
		CoinbaseSuffix: suffix,
		MerklePath:     m.MerklePath,
	}, nil
}

func serializeTxOut(out wire.TxOut) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint64(out.Value)); err != nil {
		return nil, err
	}
	if err := wire.WriteVarInt(&buf, 0, uint64(len(out.PkScript))); err != nil {
		return nil, err
	}
	buf.Write(out.PkScript)
	return buf.Bytes(), nil
}

// PoolOutput builds a single P2PKH coinbase output paying value
// satoshis to the given base58 address on the given network.
func PoolOutput(address string, value uint64, params *chaincfg.Params) (wire.TxOut, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return wire.TxOut{}, fmt.Errorf("decoding pool address %q: %w", address, err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return wire.TxOut{}, fmt.Errorf("building pay-to-address script: %w", err)
	}
	return wire.TxOut{Value: int64(value), PkScript: script}, nil
}

// MerkleRootFromPath reconstructs the block's merkle root from a
// fully-assembled coinbase transaction and its merkle path. It first
// deserializes the coinbase as a wire.MsgTx to confirm it is a
// well-formed transaction; a coinbase that was assembled from a
// mismatched prefix/extranonce/suffix triple fails to parse here
// rather than silently hashing garbage.
func MerkleRootFromPath(coinbase []byte, path [][32]byte) ([32]byte, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(coinbase)); err != nil {
		return [32]byte{}, fmt.Errorf("parsing assembled coinbase transaction: %w", err)
	}

	hash := chainhash.DoubleHashB(coinbase)
	var root [32]byte
	copy(root[:], hash)

	for _, branch := range path {
		combined := make([]byte, 64)
		copy(combined[0:32], root[:])
		copy(combined[32:64], branch[:])
		h := chainhash.DoubleHashB(combined)
		copy(root[:], h)
	}

	return root, nil
}
