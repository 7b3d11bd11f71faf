// Package templateprovider defines the data contracts a channel
// factory consumes from a block-template source, plus an in-memory
// stub producer used by tests and the demo binary. The network client
// that actually speaks to a template provider is out of scope here.
package templateprovider

// NewTemplate is a block-construction blueprint used to synthesize an
// extended mining job: a coinbase prefix/suffix pair around the
// extranonce field, the merkle path from the coinbase to the block's
// merkle root, and the template id used to correlate a later found
// block back to this template.
type NewTemplate struct {
	TemplateID         uint64
	Future             bool
	Version            uint32
	CoinbaseTxVersion  uint32
	CoinbasePrefix     []byte
	CoinbaseTxInputSeq uint32
	CoinbaseTxValue    uint64
	CoinbaseTxOutputs  []byte
	CoinbaseTxLocktime uint32
	MerklePath         [][32]byte
}

// SetNewPrevHashFromTp announces a new chain tip directly from the
// template provider, naming by template id the template that is now
// active; the job synthesized from it is found through that id.
type SetNewPrevHashFromTp struct {
	TemplateID      uint64
	PrevHash        [32]byte
	HeaderTimestamp uint32
	NBits           uint32
	Target          [32]byte
}

// Stub is an in-memory template producer: it hands back templates and
// prev-hash events fed to it via Push, in FIFO order. It exists only
// to drive tests and the demo binary end to end without a real
// template-provider network client.
type Stub struct {
	templates []NewTemplate
	prevHash  []SetNewPrevHashFromTp
}

// NewStub creates an empty template stub.
func NewStub() *Stub {
	return &Stub{}
}

// PushTemplate queues a template to be returned by the next NextTemplate call.
func (s *Stub) PushTemplate(t NewTemplate) {
	s.templates = append(s.templates, t)
}

// PushPrevHash queues a prev-hash event to be returned by the next
// NextPrevHash call.
func (s *Stub) PushPrevHash(p SetNewPrevHashFromTp) {
	s.prevHash = append(s.prevHash, p)
}

// NextTemplate pops the oldest queued template, if any.
func (s *Stub) NextTemplate() (NewTemplate, bool) {
	if len(s.templates) == 0 {
		return NewTemplate{}, false
	}
	t := s.templates[0]
	s.templates = s.templates[1:]
	return t, true
}

// NextPrevHash pops the oldest queued prev-hash event, if any.
func (s *Stub) NextPrevHash() (SetNewPrevHashFromTp, bool) {
	if len(s.prevHash) == 0 {
		return SetNewPrevHashFromTp{}, false
	}
	p := s.prevHash[0]
	s.prevHash = s.prevHash[1:]
	return p, true
}
