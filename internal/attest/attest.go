package attest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/simons-freedom/X-monitor/internal/adapters"
)

// ---------------------------------------------------------------------------
// Endpoint attestation: prove a (chain, endpoint, key) triple is live and
// controlled before it moves money.
// ---------------------------------------------------------------------------

// Config configures the attestor.
type Config struct {
	URL      string        `yaml:"url"`      // empty disables attestation
	Required bool          `yaml:"required"` // false = advisory, failures only logged
	Timeout  time.Duration `yaml:"timeout"`
}

// Identity is what an adapter contributes to the handshake. Sign produces a
// chain-native signature over the message; the private key stays with the
// adapter.
type Identity struct {
	Chain     string
	PublicKey string
	Nonce     string
	Sign      func(message []byte) (string, error)
}

// Payload is the body posted to the validation endpoint.
type Payload struct {
	Chain     string `json:"chain"`
	PublicKey string `json:"public_key"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// Message returns the bytes that get signed.
func (p Payload) Message() []byte {
	return []byte(p.Chain + "|" + p.PublicKey + "|" + p.Nonce + "|" + strconv.FormatInt(p.Timestamp, 10))
}

// Attestor posts signed identity payloads to a validation endpoint.
type Attestor struct {
	config     Config
	httpClient *http.Client
	now        func() time.Time

	attempts atomic.Int64
	passed   atomic.Int64
	failed   atomic.Int64
}

// New creates an attestor.
func New(config Config) *Attestor {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	return &Attestor{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		now:        time.Now,
	}
}

// Enabled reports whether a validation endpoint is configured. A nil
// attestor is disabled.
func (a *Attestor) Enabled() bool {
	return a != nil && a.config.URL != ""
}

// Required reports whether a failed attestation must block readiness.
func (a *Attestor) Required() bool {
	return a.Enabled() && a.config.Required
}

// Attest signs and posts the identity. Any failure wraps
// adapters.ErrValidation.
func (a *Attestor) Attest(ctx context.Context, id Identity) error {
	if !a.Enabled() {
		return nil
	}
	a.attempts.Add(1)

	p := Payload{
		Chain:     id.Chain,
		PublicKey: id.PublicKey,
		Nonce:     id.Nonce,
		Timestamp: a.now().Unix(),
	}
	sig, err := id.Sign(p.Message())
	if err != nil {
		a.failed.Add(1)
		return fmt.Errorf("attest: sign payload: %v: %w", err, adapters.ErrValidation)
	}
	p.Signature = sig

	body, err := json.Marshal(p)
	if err != nil {
		a.failed.Add(1)
		return fmt.Errorf("attest: marshal payload: %v: %w", err, adapters.ErrValidation)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.URL, bytes.NewReader(body))
	if err != nil {
		a.failed.Add(1)
		return fmt.Errorf("attest: create request: %v: %w", err, adapters.ErrValidation)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.failed.Add(1)
		return fmt.Errorf("attest: http error: %v: %w", err, adapters.ErrValidation)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		a.failed.Add(1)
		return fmt.Errorf("attest: %s HTTP %d: %w", id.Chain, resp.StatusCode, adapters.ErrValidation)
	}

	a.passed.Add(1)
	log.Info().Str("chain", id.Chain).Str("public_key", short(id.PublicKey)).Msg("attest: endpoint validated")
	return nil
}

// Check runs Attest and applies the advisory policy: failures are logged and
// swallowed unless the attestor is Required.
func (a *Attestor) Check(ctx context.Context, id Identity) error {
	err := a.Attest(ctx, id)
	if err == nil {
		return nil
	}
	if a.Required() {
		return err
	}
	log.Warn().Err(err).Str("chain", id.Chain).Msg("attest: validation failed (advisory, continuing)")
	return nil
}

// Stats is the attestor counter snapshot.
type Stats struct {
	Enabled  bool  `json:"enabled"`
	Required bool  `json:"required"`
	Attempts int64 `json:"attempts"`
	Passed   int64 `json:"passed"`
	Failed   int64 `json:"failed"`
}

func (a *Attestor) Stats() Stats {
	if a == nil {
		return Stats{}
	}
	return Stats{
		Enabled:  a.Enabled(),
		Required: a.Required(),
		Attempts: a.attempts.Load(),
		Passed:   a.passed.Load(),
		Failed:   a.failed.Load(),
	}
}

func short(s string) string {
	if len(s) > 10 {
		return s[:10]
	}
	return s
}
