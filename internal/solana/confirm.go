package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Signature confirmation: signatureSubscribe over WebSocket, with
// getSignatureStatuses polling running alongside
// ---------------------------------------------------------------------------

// ErrConfirmTimeout is returned when a signature does not reach the target
// commitment before the deadline.
var ErrConfirmTimeout = errors.New("solana: confirmation timed out")

// ConfirmConfig configures the confirmer.
type ConfirmConfig struct {
	WSEndpoint   string        `yaml:"ws_endpoint"` // empty = polling only
	Commitment   Commitment    `yaml:"commitment"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

// DefaultConfirmConfig waits up to a minute for "confirmed".
func DefaultConfirmConfig() ConfirmConfig {
	return ConfirmConfig{
		Commitment:   CommitmentConfirmed,
		PollInterval: 2 * time.Second,
		Timeout:      60 * time.Second,
	}
}

// Confirmer waits for submitted signatures to land.
type Confirmer struct {
	config ConfirmConfig
	rpc    RPCClient

	waits      atomic.Int64
	confirmed  atomic.Int64
	failed     atomic.Int64
	timeouts   atomic.Int64
	wsNotified atomic.Int64
}

// NewConfirmer creates a confirmer that polls rpc and, when a WS endpoint is
// configured, also listens for signatureNotification.
func NewConfirmer(rpc RPCClient, config ConfirmConfig) *Confirmer {
	if config.Commitment == "" {
		config.Commitment = CommitmentConfirmed
	}
	if config.PollInterval == 0 {
		config.PollInterval = 2 * time.Second
	}
	return &Confirmer{config: config, rpc: rpc}
}

// Enabled reports whether confirmation waiting is on. Timeout 0 disables it.
func (c *Confirmer) Enabled() bool {
	return c != nil && c.config.Timeout > 0
}

// Await blocks until sig reaches the configured commitment, fails on chain,
// or the timeout elapses. A status with Failed() true is returned with a nil
// error; callers decide what an on-chain failure means.
func (c *Confirmer) Await(ctx context.Context, sig Signature) (SignatureStatus, error) {
	c.waits.Add(1)

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	results := make(chan SignatureStatus, 1)
	if c.config.WSEndpoint != "" {
		go c.subscribe(ctx, sig, results)
	}

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		if st, done := c.poll(ctx, sig); done {
			return c.finish(sig, st), nil
		}

		select {
		case st := <-results:
			c.wsNotified.Add(1)
			return c.finish(sig, st), nil
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				c.timeouts.Add(1)
				return SignatureStatus{}, fmt.Errorf("%w: %s after %s", ErrConfirmTimeout, sig, c.config.Timeout)
			}
			return SignatureStatus{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Confirmer) finish(sig Signature, st SignatureStatus) SignatureStatus {
	if st.Failed() {
		c.failed.Add(1)
		log.Warn().Str("sig", short(string(sig))).Str("err", st.Err).Msg("confirm: transaction failed on chain")
	} else {
		c.confirmed.Add(1)
		log.Info().Str("sig", short(string(sig))).Str("status", string(st.Confirmation)).Msg("confirm: transaction landed")
	}
	return st
}

func (c *Confirmer) poll(ctx context.Context, sig Signature) (SignatureStatus, bool) {
	st, err := c.rpc.GetSignatureStatus(ctx, sig)
	if err != nil {
		log.Debug().Err(err).Str("sig", short(string(sig))).Msg("confirm: status poll failed")
		return SignatureStatus{}, false
	}
	if st.Failed() || st.Confirmation.Reached(c.config.Commitment) {
		return st, true
	}
	return st, false
}

// subscribe opens a signatureSubscribe stream and forwards the single
// notification the node sends. Errors fall back to polling silently.
func (c *Confirmer) subscribe(ctx context.Context, sig Signature, out chan<- SignatureStatus) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.config.WSEndpoint, nil)
	if err != nil {
		log.Debug().Err(err).Msg("confirm: ws dial failed, polling only")
		return
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "signatureSubscribe",
		"params": []any{
			string(sig),
			map[string]any{"commitment": string(c.config.Commitment)},
		},
	}
	if err := conn.WriteJSON(req); err != nil {
		log.Debug().Err(err).Msg("confirm: ws subscribe failed")
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		st, ok := parseSignatureNotification(data, c.config.Commitment)
		if !ok {
			continue
		}
		select {
		case out <- st:
		default:
		}
		return
	}
}

// signatureNotification is the WS push for a subscribed signature.
type signatureNotification struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value json.RawMessage `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

func parseSignatureNotification(data []byte, commitment Commitment) (SignatureStatus, bool) {
	var msg signatureNotification
	if err := json.Unmarshal(data, &msg); err != nil || msg.Method != "signatureNotification" {
		return SignatureStatus{}, false
	}

	var value struct {
		Err json.RawMessage `json:"err"`
	}
	if err := json.Unmarshal(msg.Params.Result.Value, &value); err != nil {
		// "receivedSignature" notifications carry a string value.
		return SignatureStatus{}, false
	}

	st := SignatureStatus{
		Confirmation: commitment,
		Slot:         msg.Params.Result.Context.Slot,
	}
	if len(value.Err) > 0 && string(value.Err) != "null" {
		st.Err = string(value.Err)
	}
	return st, true
}

// ConfirmStats is the confirmer counter snapshot.
type ConfirmStats struct {
	Waits      int64 `json:"waits"`
	Confirmed  int64 `json:"confirmed"`
	Failed     int64 `json:"failed"`
	Timeouts   int64 `json:"timeouts"`
	WSNotified int64 `json:"ws_notified"`
}

func (c *Confirmer) Stats() ConfirmStats {
	return ConfirmStats{
		Waits:      c.waits.Load(),
		Confirmed:  c.confirmed.Load(),
		Failed:     c.failed.Load(),
		Timeouts:   c.timeouts.Load(),
		WSNotified: c.wsNotified.Load(),
	}
}

func short(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
