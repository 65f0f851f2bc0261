package solana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfirmer_PollingFinalized(t *testing.T) {
	stub := NewStubRPCClient()
	sig, err := stub.SendTransaction(context.Background(), "tx", DefaultSendOptions())
	require.NoError(t, err)

	c := NewConfirmer(stub, ConfirmConfig{Timeout: time.Second, PollInterval: 10 * time.Millisecond})
	st, err := c.Await(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, CommitmentFinalized, st.Confirmation)
	assert.Equal(t, int64(1), c.Stats().Confirmed)
}

func TestConfirmer_OnChainFailure(t *testing.T) {
	stub := NewStubRPCClient()
	stub.SetStatus("bad", SignatureStatus{Confirmation: CommitmentProcessed, Err: `{"InstructionError":[2,{"Custom":6001}]}`})

	c := NewConfirmer(stub, ConfirmConfig{Timeout: time.Second, PollInterval: 10 * time.Millisecond})
	st, err := c.Await(context.Background(), "bad")
	require.NoError(t, err)
	assert.True(t, st.Failed())
	assert.Equal(t, int64(1), c.Stats().Failed)
}

func TestConfirmer_Timeout(t *testing.T) {
	stub := NewStubRPCClient()

	c := NewConfirmer(stub, ConfirmConfig{Timeout: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond})
	_, err := c.Await(context.Background(), "never-lands")
	assert.ErrorIs(t, err, ErrConfirmTimeout)
	assert.Equal(t, int64(1), c.Stats().Timeouts)
}

func TestConfirmer_Disabled(t *testing.T) {
	var nilConfirmer *Confirmer
	assert.False(t, nilConfirmer.Enabled())
	assert.False(t, NewConfirmer(NewStubRPCClient(), ConfirmConfig{}).Enabled())
	assert.True(t, NewConfirmer(NewStubRPCClient(), DefaultConfirmConfig()).Enabled())
}

func TestConfirmer_WebSocketNotification(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotMethod := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		gotMethod <- req["method"].(string)

		conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": 1, "result": 7})
		conn.WriteJSON(map[string]any{
			"jsonrpc": "2.0",
			"method":  "signatureNotification",
			"params": map[string]any{
				"subscription": 7,
				"result": map[string]any{
					"context": map[string]any{"slot": 5207624},
					"value":   map[string]any{"err": nil},
				},
			},
		})
		time.Sleep(100 * time.Millisecond)
	}))
	defer server.Close()

	// The stub never reports the signature, so only the WS push can land it.
	stub := NewStubRPCClient()
	c := NewConfirmer(stub, ConfirmConfig{
		WSEndpoint:   "ws" + strings.TrimPrefix(server.URL, "http"),
		Timeout:      2 * time.Second,
		PollInterval: 20 * time.Millisecond,
	})

	st, err := c.Await(context.Background(), "ws-sig")
	require.NoError(t, err)
	assert.Equal(t, CommitmentConfirmed, st.Confirmation)
	assert.Equal(t, uint64(5207624), st.Slot)
	assert.Equal(t, "signatureSubscribe", <-gotMethod)
	assert.Equal(t, int64(1), c.Stats().WSNotified)
}

func TestParseSignatureNotification(t *testing.T) {
	t.Run("error value", func(t *testing.T) {
		msg, _ := json.Marshal(map[string]any{
			"method": "signatureNotification",
			"params": map[string]any{
				"result": map[string]any{
					"context": map[string]any{"slot": 1},
					"value":   map[string]any{"err": "InsufficientFundsForFee"},
				},
			},
		})
		st, ok := parseSignatureNotification(msg, CommitmentConfirmed)
		require.True(t, ok)
		assert.True(t, st.Failed())
	})

	t.Run("received signature", func(t *testing.T) {
		msg := []byte(`{"method":"signatureNotification","params":{"result":{"context":{"slot":1},"value":"receivedSignature"}}}`)
		_, ok := parseSignatureNotification(msg, CommitmentConfirmed)
		assert.False(t, ok)
	})

	t.Run("subscription ack", func(t *testing.T) {
		_, ok := parseSignatureNotification([]byte(`{"jsonrpc":"2.0","id":1,"result":7}`), CommitmentConfirmed)
		assert.False(t, ok)
	})
}
