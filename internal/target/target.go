// Package target implements 256-bit proof-of-work target arithmetic:
// comparison, hash-rate conversion, and compact-bits encoding.
package target

import (
	"encoding/hex"
	"fmt"
	"math"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
)

// Target is a 256-bit proof-of-work target, stored big-endian the way a
// block hash is conventionally displayed: the smaller the value, the
// harder the target.
type Target [32]byte

// Max is the loosest possible target: every hash meets it. It is the
// default bitcoin target a JobsCreators reports before one is set.
var Max = Target{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// Zero is the unreachable tightest target: nothing ever meets it. A
// pool's "upstream target" is Zero because a pool has no upstream.
var Zero = Target{}

// FromBig converts a big.Int into a 32-byte big-endian Target,
// saturating at Max if the value does not fit.
func FromBig(v *big.Int) Target {
	var t Target
	b := v.Bytes()
	if len(b) > 32 {
		return Max
	}
	copy(t[32-len(b):], b)
	return t
}

// Big returns the target as a big-endian big.Int.
func (t Target) Big() *big.Int {
	return new(big.Int).SetBytes(t[:])
}

// Compare returns -1, 0, or 1 as t is less than, equal to, or greater
// than u, comparing both as big-endian 256-bit unsigned integers.
func (t Target) Compare(u Target) int {
	for i := 0; i < 32; i++ {
		if t[i] < u[i] {
			return -1
		}
		if t[i] > u[i] {
			return 1
		}
	}
	return 0
}

// MeetsTarget reports whether a double-SHA256 block hash (as produced
// by chainhash, internal little-endian byte order) satisfies t: the
// hash, read as a big-endian integer, must be less than or equal to t.
func MeetsTarget(hash [32]byte, t Target) bool {
	reversed := reverse(hash)
	return Target(reversed).Compare(t) <= 0
}

func reverse(h [32]byte) [32]byte {
	var out [32]byte
	for i := 0; i < 32; i++ {
		out[i] = h[31-i]
	}
	return out
}

// String renders the target as a big-endian hex string.
func (t Target) String() string {
	return hex.EncodeToString(t[:])
}

// diff1Bits is the compact "nbits" encoding of the Bitcoin difficulty-1
// target (the genesis block's nbits field).
const diff1Bits uint32 = 0x1d00ffff

// diff1Target is the target corresponding to Bitcoin mining difficulty 1.
var diff1Target = blockchain.CompactToBig(diff1Bits)

// DifficultyToTarget converts a difficulty value into a Target: pool
// difficulty 1 maps to the Bitcoin difficulty-1 target.
func DifficultyToTarget(difficulty float64) (Target, error) {
	if difficulty <= 0 {
		return Target{}, fmt.Errorf("difficulty must be positive, got %f", difficulty)
	}
	scaled := new(big.Float).Quo(new(big.Float).SetInt(diff1Target), big.NewFloat(difficulty))
	i, _ := scaled.Int(nil)
	return FromBig(i), nil
}

// HashRateToTarget converts a miner's advertised hash rate (hashes per
// second) and the pool's desired shares-per-minute rate into a
// downstream target: a faster miner is assigned a tighter (smaller)
// target, and a higher desired share rate loosens it, both keeping the
// miner's expected share rate close to sharesPerMinute.
func HashRateToTarget(hashRate, sharesPerMinute float64) (Target, error) {
	if hashRate <= 0 {
		return Target{}, fmt.Errorf("hash rate must be positive, got %f", hashRate)
	}
	if sharesPerMinute <= 0 {
		return Target{}, fmt.Errorf("shares per minute must be positive, got %f", sharesPerMinute)
	}

	hashesPerShare := hashRate * 60.0 / sharesPerMinute
	// expected hashes to find a share of difficulty 1 is 2^32; scale
	// the difficulty-1 target down by hashesPerShare / 2^32.
	difficulty := hashesPerShare / math.Pow(2, 32)
	if difficulty < 1 {
		difficulty = 1
	}
	return DifficultyToTarget(difficulty)
}

// CompactToTarget converts the compact "nbits" encoding used in a
// Bitcoin block header into a Target, using exact big-integer math.
func CompactToTarget(bits uint32) Target {
	return FromBig(blockchain.CompactToBig(bits))
}

// TargetToCompact converts a Target into the compact "nbits" encoding.
func TargetToCompact(t Target) uint32 {
	return blockchain.BigToCompact(t.Big())
}

// Retarget computes a new per-worker difficulty given the observed
// average time between shares, bounded to at most a 4x change per step
// and clamped to [minDifficulty, maxDifficulty]. Returns the current
// difficulty unchanged if the observed rate is within varianceFraction
// of targetSeconds.
func Retarget(currentDifficulty, observedAvgSeconds, targetSeconds, varianceFraction, minDifficulty, maxDifficulty float64) (float64, bool) {
	if observedAvgSeconds <= 0 || targetSeconds <= 0 {
		return currentDifficulty, false
	}

	lower := targetSeconds * (1 - varianceFraction)
	upper := targetSeconds * (1 + varianceFraction)
	if observedAvgSeconds >= lower && observedAvgSeconds <= upper {
		return currentDifficulty, false
	}

	ratio := observedAvgSeconds / targetSeconds
	newDiff := currentDifficulty * ratio

	if maxIncrease := currentDifficulty * 4; newDiff > maxIncrease {
		newDiff = maxIncrease
	} else if maxDecrease := currentDifficulty / 4; newDiff < maxDecrease {
		newDiff = maxDecrease
	}

	if newDiff < minDifficulty {
		newDiff = minDifficulty
	} else if newDiff > maxDifficulty {
		newDiff = maxDifficulty
	}

	if math.Abs(newDiff-currentDifficulty)/currentDifficulty < 0.05 {
		return currentDifficulty, false
	}

	return newDiff, true
}
