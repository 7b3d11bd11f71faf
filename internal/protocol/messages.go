// Package protocol defines the Stratum V2 mining subprotocol message
// contracts consumed and produced by the channel factory, and the
// error-kind taxonomy used to classify factory failures.
package protocol

// Error codes carried in SubmitSharesError / OpenMiningChannelError,
// matching the Stratum V2 mining subprotocol's fixed vocabulary.
const (
	ErrCodeUnsupportedExtranonceSize = "unsupported-extranonce-size"
	ErrCodeDifficultyTooLow          = "difficulty-too-low"
	ErrCodeInvalidChannel            = "invalid-channel-id"
	ErrCodeInvalidJobID              = "invalid-job-id"
)

// OpenExtendedMiningChannelSuccess acknowledges a successful
// open_extended_channel call.
type OpenExtendedMiningChannelSuccess struct {
	RequestID           uint32
	ChannelID           uint32
	Target              [32]byte
	ExtranoncePrefix    []byte
	ExtranonceSize      uint16
}

// OpenMiningChannelError reports why open_extended_channel failed.
type OpenMiningChannelError struct {
	RequestID    uint32
	ErrorCode    string
}

// NewExtendedMiningJob carries a job synthesized from a template, sent
// to one or more channels.
type NewExtendedMiningJob struct {
	ChannelID      uint32
	JobID          uint32
	Future         bool
	Version        uint32
	CoinbasePrefix []byte
	CoinbaseSuffix []byte
	MerklePath     [][32]byte
}

// SetNewPrevHash announces a new chain tip and activates a previously
// future job.
type SetNewPrevHash struct {
	ChannelID uint32
	JobID     uint32
	PrevHash  [32]byte
	MinNtime  uint32
	Nbits     uint32
}

// SubmitSharesExtended is a share submission on an extended channel.
type SubmitSharesExtended struct {
	ChannelID      uint32
	SequenceNumber uint32
	JobID          uint32
	Nonce          uint32
	Ntime          uint32
	Version        uint32
	Extranonce     []byte
}

// SubmitSharesStandard is a share submission on a standard channel; it
// carries no extranonce because its group's prefix is static.
type SubmitSharesStandard struct {
	ChannelID      uint32
	SequenceNumber uint32
	JobID          uint32
	Nonce          uint32
	Ntime          uint32
	Version        uint32
}

// SubmitSharesError reports that a share was rejected.
type SubmitSharesError struct {
	ChannelID      uint32
	SequenceNumber uint32
	ErrorCode      string
}

// SetCustomMiningJob is a downstream-negotiated job declaration,
// submitted by a job-declaring proxy to override the pool's template.
type SetCustomMiningJob struct {
	ChannelID          uint32
	RequestID          uint32
	Token              []byte
	Version            uint32
	PrevHash           [32]byte
	MinNtime           uint32
	Nbits              uint32
	CoinbaseTxVersion  uint32
	CoinbasePrefix     []byte
	CoinbaseTxOutputs  []byte
	CoinbaseTxLocktime uint32
	MerklePath         [][32]byte
}

// SetCustomMiningJobSuccess acknowledges a negotiated custom job,
// assigning it the factory's own job id.
type SetCustomMiningJobSuccess struct {
	ChannelID  uint32
	RequestID  uint32
	JobID      uint32
}

// PartialSetCustomMiningJob is SetCustomMiningJob minus the fields only
// known once a downstream channel exists (channel_id, request_id,
// token): it is what a job-declaring proxy sends toward its upstream
// before any channel-specific negotiation has happened.
type PartialSetCustomMiningJob struct {
	Version            uint32
	PrevHash           [32]byte
	MinNtime           uint32
	Nbits              uint32
	CoinbaseTxVersion  uint32
	CoinbasePrefix     []byte
	CoinbaseTxOutputs  []byte
	CoinbaseTxLocktime uint32
	MerklePath         [][32]byte
}
