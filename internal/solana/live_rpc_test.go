package solana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBlockhash = "EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N"
	testSig       = "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW"
)

type rpcCall struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// nodeFunc answers one decoded call; a non-nil rpcErr becomes a JSON-RPC error.
type nodeFunc func(call rpcCall) (result any, rpcErr map[string]any)

func newTestRPCServer(t *testing.T, retries int, answer nodeFunc) *LiveRPCClient {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call rpcCall
		_ = json.NewDecoder(r.Body).Decode(&call)
		result, rpcErr := answer(call)
		resp := map[string]any{"jsonrpc": "2.0", "id": call.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	client := NewLiveRPCClient(RPCConfig{
		Endpoint:     server.URL,
		Timeout:      5 * time.Second,
		MaxRetries:   retries,
		RateLimitRPS: 100,
	})
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client
}

func TestLiveRPC_Health(t *testing.T) {
	client := newTestRPCServer(t, 0, func(call rpcCall) (any, map[string]any) {
		assert.Equal(t, "getHealth", call.Method)
		return "ok", nil
	})

	require.NoError(t, client.Health(context.Background()))
	assert.Equal(t, int64(1), client.Stats().RequestCount)
}

func TestLiveRPC_HealthBehind(t *testing.T) {
	client := newTestRPCServer(t, 0, func(rpcCall) (any, map[string]any) {
		return "behind", nil
	})

	err := client.Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unhealthy")
}

func TestLiveRPC_GetLatestBlockhash(t *testing.T) {
	var params []json.RawMessage
	client := newTestRPCServer(t, 0, func(call rpcCall) (any, map[string]any) {
		assert.Equal(t, "getLatestBlockhash", call.Method)
		params = call.Params
		return map[string]any{
			"context": map[string]any{"slot": 100},
			"value":   map[string]any{"blockhash": testBlockhash, "lastValidBlockHeight": 3090},
		}, nil
	})

	bh, err := client.GetLatestBlockhash(context.Background(), CommitmentFinalized)
	require.NoError(t, err)
	assert.Equal(t, testBlockhash, bh.Hash)
	assert.Equal(t, uint64(3090), bh.LastValidBlockHeight)
	require.Len(t, params, 1)
	assert.JSONEq(t, `{"commitment":"finalized"}`, string(params[0]))
}

func TestLiveRPC_SendTransaction(t *testing.T) {
	var params []json.RawMessage
	client := newTestRPCServer(t, 0, func(call rpcCall) (any, map[string]any) {
		assert.Equal(t, "sendTransaction", call.Method)
		params = call.Params
		return testSig, nil
	})

	sig, err := client.SendTransaction(context.Background(), "AQID", DefaultSendOptions())
	require.NoError(t, err)
	assert.Equal(t, Signature(testSig), sig)

	require.Len(t, params, 2)
	assert.JSONEq(t, `"AQID"`, string(params[0]))
	var opts map[string]any
	require.NoError(t, json.Unmarshal(params[1], &opts))
	assert.Equal(t, "base64", opts["encoding"])
	assert.Equal(t, false, opts["skipPreflight"])
	assert.Equal(t, "finalized", opts["preflightCommitment"])
	assert.Equal(t, float64(2), opts["maxRetries"])
}

func TestLiveRPC_GetSignatureStatus(t *testing.T) {
	statuses := func(value any) nodeFunc {
		return func(call rpcCall) (any, map[string]any) {
			assert.Equal(t, "getSignatureStatuses", call.Method)
			return map[string]any{"context": map[string]any{"slot": 1}, "value": value}, nil
		}
	}

	t.Run("confirmed", func(t *testing.T) {
		client := newTestRPCServer(t, 0, statuses([]any{
			map[string]any{"slot": 42, "confirmations": 3, "confirmationStatus": "confirmed", "err": nil},
		}))

		st, err := client.GetSignatureStatus(context.Background(), testSig)
		require.NoError(t, err)
		assert.Equal(t, CommitmentConfirmed, st.Confirmation)
		assert.Equal(t, uint64(42), st.Slot)
		assert.False(t, st.Failed())
	})

	t.Run("unknown", func(t *testing.T) {
		client := newTestRPCServer(t, 0, statuses([]any{nil}))

		st, err := client.GetSignatureStatus(context.Background(), testSig)
		require.NoError(t, err)
		assert.Empty(t, st.Confirmation)
	})

	t.Run("failed", func(t *testing.T) {
		client := newTestRPCServer(t, 0, statuses([]any{
			map[string]any{"slot": 7, "confirmationStatus": "finalized", "err": map[string]any{"InstructionError": []any{0, "Custom"}}},
		}))

		st, err := client.GetSignatureStatus(context.Background(), testSig)
		require.NoError(t, err)
		assert.True(t, st.Failed())
		assert.Contains(t, st.Err, "InstructionError")
	})

	t.Run("malformed signature", func(t *testing.T) {
		client := newTestRPCServer(t, 0, statuses([]any{nil}))

		_, err := client.GetSignatureStatus(context.Background(), "not-a-signature")
		require.Error(t, err)
		assert.Zero(t, client.Stats().RequestCount)
	})
}

func TestLiveRPC_RateLimiting(t *testing.T) {
	var calls atomic.Int64
	client := newTestRPCServer(t, 0, func(rpcCall) (any, map[string]any) {
		calls.Add(1)
		return "ok", nil
	})

	for i := 0; i < 5; i++ {
		_ = client.Health(context.Background())
	}
	assert.Equal(t, int64(5), calls.Load())
}

func TestLiveRPC_RetryOnHTTPError(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call rpcCall
		_ = json.NewDecoder(r.Body).Decode(&call)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("internal error"))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": call.ID, "result": "ok"})
	}))
	defer server.Close()

	client := NewLiveRPCClient(RPCConfig{Endpoint: server.URL, MaxRetries: 1, RateLimitRPS: 100})
	defer client.Close()

	require.NoError(t, client.Health(context.Background()))
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, int64(1), client.Stats().ErrorCount)
}

func TestLiveRPC_NoRetryByDefault(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	config := DefaultRPCConfig()
	config.Endpoint = server.URL
	client := NewLiveRPCClient(config)
	defer client.Close()

	_, err := client.SendTransaction(context.Background(), "AQID", DefaultSendOptions())
	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestLiveRPC_RPCErrorNotRetried(t *testing.T) {
	var calls atomic.Int64
	client := newTestRPCServer(t, 2, func(rpcCall) (any, map[string]any) {
		calls.Add(1)
		return nil, map[string]any{"code": -32002, "message": "Transaction simulation failed"}
	})

	_, err := client.SendTransaction(context.Background(), "AQID", DefaultSendOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "simulation failed")
	assert.Equal(t, int64(1), calls.Load())
	assert.Zero(t, client.Stats().ConsecErrors)
}

func TestLiveRPC_ContextCancellation(t *testing.T) {
	client := newTestRPCServer(t, 0, func(rpcCall) (any, map[string]any) {
		time.Sleep(time.Second)
		return "ok", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	assert.Error(t, client.Health(ctx))
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestStubRPCClient(t *testing.T) {
	stub := NewStubRPCClient()
	ctx := context.Background()

	require.NoError(t, stub.Health(ctx))

	st, err := stub.GetSignatureStatus(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, st.Confirmation)

	sig, err := stub.SendTransaction(ctx, "tx1", DefaultSendOptions())
	require.NoError(t, err)
	assert.Equal(t, []string{"tx1"}, stub.Sent())

	st, err = stub.GetSignatureStatus(ctx, sig)
	require.NoError(t, err)
	assert.True(t, st.Confirmation.Reached(CommitmentConfirmed))

	stub.SetFailNext()
	assert.ErrorIs(t, stub.Health(ctx), ErrStubFailure)
	assert.NoError(t, stub.Health(ctx))
}

func TestCommitmentReached(t *testing.T) {
	assert.True(t, CommitmentFinalized.Reached(CommitmentConfirmed))
	assert.True(t, CommitmentConfirmed.Reached(CommitmentConfirmed))
	assert.False(t, CommitmentProcessed.Reached(CommitmentConfirmed))
	assert.False(t, Commitment("").Reached(CommitmentProcessed))
}
