package solana

// Pubkey is a Solana public key (base58 string).
type Pubkey string

// Signature is a Solana transaction signature (base58 string).
type Signature string

// Well-known mints.
const (
	SOLMint  Pubkey = "So11111111111111111111111111111111111111112"
	USDCMint Pubkey = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

// LamportsPerSOL is the native unit scale.
const LamportsPerSOL = 1_000_000_000

// Commitment is a Solana confirmation level.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

var commitmentRank = map[Commitment]int{
	CommitmentProcessed: 1,
	CommitmentConfirmed: 2,
	CommitmentFinalized: 3,
}

// Reached reports whether c is at least as strong as target.
func (c Commitment) Reached(target Commitment) bool {
	return c != "" && commitmentRank[c] >= commitmentRank[target]
}

// SendOptions are the sendTransaction knobs.
type SendOptions struct {
	SkipPreflight       bool       `json:"skipPreflight"`
	PreflightCommitment Commitment `json:"preflightCommitment,omitempty"`
	MaxRetries          *uint      `json:"maxRetries,omitempty"`
}

// DefaultSendOptions: preflight on, finalized preflight commitment, two
// node-side rebroadcasts.
func DefaultSendOptions() SendOptions {
	retries := uint(2)
	return SendOptions{
		SkipPreflight:       false,
		PreflightCommitment: CommitmentFinalized,
		MaxRetries:          &retries,
	}
}

// SignatureStatus is the cluster view of a submitted transaction.
// An empty Confirmation means the signature is not yet known.
type SignatureStatus struct {
	Confirmation Commitment `json:"confirmation_status"`
	Slot         uint64     `json:"slot"`
	Err          string     `json:"err,omitempty"`
}

// Failed reports an on-chain execution error.
func (s SignatureStatus) Failed() bool {
	return s.Err != ""
}

// Blockhash is a recent blockhash with its validity bound.
type Blockhash struct {
	Hash                 string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}
