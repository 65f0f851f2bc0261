package solana

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// RPC Client Interface
// ---------------------------------------------------------------------------

// RPCClient is the subset of Solana JSON-RPC the swap path needs.
// Implementations: LiveRPCClient (real Solana), StubRPCClient (testing).
type RPCClient interface {
	// Health returns the RPC endpoint health.
	Health(ctx context.Context) error

	// GetLatestBlockhash returns a recent blockhash.
	GetLatestBlockhash(ctx context.Context, commitment Commitment) (Blockhash, error)

	// SendTransaction submits a signed, base64-encoded transaction.
	SendTransaction(ctx context.Context, txBase64 string, opts SendOptions) (Signature, error)

	// GetSignatureStatus returns the confirmation status of a signature.
	GetSignatureStatus(ctx context.Context, sig Signature) (SignatureStatus, error)
}

// RPCConfig configures the Solana RPC client.
type RPCConfig struct {
	Endpoint     string        `yaml:"endpoint"`    // e.g. https://api.mainnet-beta.solana.com
	WSEndpoint   string        `yaml:"ws_endpoint"` // e.g. wss://api.mainnet-beta.solana.com
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`    // transport retries; 0 = none
	RateLimitRPS float64       `yaml:"rate_limit_rps"` // requests per second limit
}

// DefaultRPCConfig returns mainnet defaults.
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		Endpoint:     "https://api.mainnet-beta.solana.com",
		WSEndpoint:   "wss://api.mainnet-beta.solana.com",
		Timeout:      15 * time.Second,
		MaxRetries:   0,
		RateLimitRPS: 10,
	}
}

// ---------------------------------------------------------------------------
// Stub RPC Client (for testing and development)
// ---------------------------------------------------------------------------

// ErrStubFailure is returned by StubRPCClient after SetFailNext.
var ErrStubFailure = errors.New("stub rpc: injected failure")

// StubRPCClient is a scriptable RPC client for testing.
type StubRPCClient struct {
	mu        sync.Mutex
	healthErr error
	blockhash Blockhash
	sendErr   error
	sent      []string
	sentOpts  []SendOptions
	statuses  map[Signature]SignatureStatus
	nextSig   Signature
	failNext  bool
}

// NewStubRPCClient creates a healthy stub that finalizes every signature.
func NewStubRPCClient() *StubRPCClient {
	return &StubRPCClient{
		blockhash: Blockhash{Hash: "11111111111111111111111111111111", LastValidBlockHeight: 100},
		statuses:  make(map[Signature]SignatureStatus),
		nextSig:   "StubSignature1111111111111111111111111111111",
	}
}

// SetHealthErr makes Health return err.
func (s *StubRPCClient) SetHealthErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthErr = err
}

// SetSendErr makes SendTransaction return err.
func (s *StubRPCClient) SetSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// SetSignature sets the signature returned by the next SendTransaction.
func (s *StubRPCClient) SetSignature(sig Signature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSig = sig
}

// SetStatus scripts the status of a signature.
func (s *StubRPCClient) SetStatus(sig Signature, st SignatureStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[sig] = st
}

// SetFailNext makes the next call fail.
func (s *StubRPCClient) SetFailNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = true
}

// Sent returns the transactions submitted so far.
func (s *StubRPCClient) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

// SentOptions returns the send options used so far.
func (s *StubRPCClient) SentOptions() []SendOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SendOptions, len(s.sentOpts))
	copy(out, s.sentOpts)
	return out
}

func (s *StubRPCClient) shouldFail() bool {
	if s.failNext {
		s.failNext = false
		return true
	}
	return false
}

// --- Interface implementation ---

func (s *StubRPCClient) Health(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shouldFail() {
		return ErrStubFailure
	}
	return s.healthErr
}

func (s *StubRPCClient) GetLatestBlockhash(_ context.Context, _ Commitment) (Blockhash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shouldFail() {
		return Blockhash{}, ErrStubFailure
	}
	return s.blockhash, nil
}

func (s *StubRPCClient) SendTransaction(_ context.Context, txBase64 string, opts SendOptions) (Signature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shouldFail() {
		return "", ErrStubFailure
	}
	if s.sendErr != nil {
		return "", s.sendErr
	}
	s.sent = append(s.sent, txBase64)
	s.sentOpts = append(s.sentOpts, opts)
	return s.nextSig, nil
}

func (s *StubRPCClient) GetSignatureStatus(_ context.Context, sig Signature) (SignatureStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shouldFail() {
		return SignatureStatus{}, ErrStubFailure
	}
	if st, ok := s.statuses[sig]; ok {
		return st, nil
	}
	if sig == s.nextSig && len(s.sent) > 0 {
		return SignatureStatus{Confirmation: CommitmentFinalized, Slot: 1}, nil
	}
	// Unknown signatures look pending, like a real cluster.
	return SignatureStatus{}, nil
}
