package fork

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkingovr/txguard/api"
	"github.com/tkingovr/txguard/internal/evm"
	"github.com/tkingovr/txguard/internal/jsonrpc"
)

const (
	simSender = "0x9999999999999999999999999999999999999999"
	simRouter = "0x7a250d5630b4cf539739df2c5dacb4c659f2488d"
	simUSDC   = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	simPair   = "0xb4e16d0168e52d35cacd2c6185b44281ec28c9dc"
)

// fakeNode answers the anvil methods the simulator uses and records the
// call sequence.
type fakeNode struct {
	mu      sync.Mutex
	methods []string
	sendErr string
	status  string
	trace   string
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	msg, err := jsonrpc.Parse(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	n.methods = append(n.methods, msg.Method)
	n.mu.Unlock()

	reply := func(result string) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(msg.ID) + `,"result":` + result + `}`))
	}
	switch msg.Method {
	case "evm_snapshot":
		reply(`"0x1"`)
	case "evm_revert":
		reply(`true`)
	case "eth_sendTransaction":
		if n.sendErr != "" {
			w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(msg.ID) + `,"error":{"code":-32003,"message":"` + n.sendErr + `"}}`))
			return
		}
		reply(`"0xabc"`)
	case "eth_getTransactionReceipt":
		reply(`{"status":"` + n.status + `","gasUsed":"0x1d4c0","blockNumber":"0x1312d00"}`)
	case "debug_traceTransaction":
		reply(n.trace)
	default:
		reply(`null`)
	}
}

func (n *fakeNode) calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.methods...)
}

func word(addr string) string {
	return "0x" + strings.Repeat("0", 24) + strings.TrimPrefix(addr, "0x")
}

func swapTrace() string {
	frame := map[string]any{
		"type":  "CALL",
		"from":  simSender,
		"to":    simRouter,
		"value": "0xde0b6b3a7640000",
		"input": "0x7ff36ab5",
		"calls": []any{
			map[string]any{
				"type":  "CALL",
				"from":  simRouter,
				"to":    simUSDC,
				"input": evm.SelectorTransfer + "00",
				"logs": []any{map[string]any{
					"address": simUSDC,
					"topics":  []string{evm.TopicTransfer, word(simPair), word(simSender)},
					"data":    "0x" + strings.Repeat("0", 56) + "92080880",
				}},
			},
			map[string]any{
				"type":  "CALL",
				"from":  simRouter,
				"to":    simPair,
				"error": "execution reverted",
				"logs": []any{map[string]any{
					"address": simUSDC,
					"topics":  []string{evm.TopicTransfer, word(simPair), word(simSender)},
					"data":    "0x" + strings.Repeat("0", 63) + "1",
				}},
			},
		},
	}
	b, _ := json.Marshal(frame)
	return string(b)
}

func newSimulator(t *testing.T, node *fakeNode) *RPCSimulator {
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)
	return NewRPCSimulator(jsonrpc.NewClient(srv.URL, nil), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRPCSimulator_SuccessfulSwap(t *testing.T) {
	node := &fakeNode{status: "0x1", trace: swapTrace()}
	sim := newSimulator(t, node)
	nonce := uint64(7)

	out, err := sim.Run(context.Background(), api.Transaction{
		From:  simSender,
		To:    simRouter,
		Value: "1000000000000000000",
	}, api.SimulationParams{
		GasLimit: 30_000_000,
		StateOverrides: map[string]api.StateOverride{
			simSender: {Balance: "5000000000000000000", Nonce: &nonce},
		},
	})
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Empty(t, out.RevertReason)
	assert.Equal(t, uint64(120000), out.GasUsed)
	assert.Equal(t, uint64(20000000), out.BlockNumber)

	// Deltas are ordered by asset id; hex addresses sort before "native".
	assert.Equal(t, []api.ObservedDelta{
		{Asset: simUSDC, Amount: "2450000000"},
		{Asset: evm.Native, Amount: "-1000000000000000000"},
	}, out.AssetDeltas)

	require.Len(t, out.Calls, 3)
	assert.Equal(t, 0, out.Calls[0].Depth)
	assert.Equal(t, "1000000000000000000", out.Calls[0].Value)
	assert.Equal(t, evm.SelectorTransfer, out.Calls[1].Selector)
	assert.Equal(t, "execution reverted", out.Calls[2].Error)
	require.Len(t, out.Events, 1, "logs of reverted frames are dropped")

	assert.Equal(t, []string{
		"evm_snapshot",
		"anvil_setBalance",
		"anvil_setNonce",
		"anvil_impersonateAccount",
		"eth_sendTransaction",
		"eth_getTransactionReceipt",
		"debug_traceTransaction",
		"anvil_stopImpersonatingAccount",
		"evm_revert",
	}, node.calls())
}

func TestRPCSimulator_RevertedReceipt(t *testing.T) {
	trace := `{"type":"CALL","from":"` + simSender + `","to":"` + simRouter + `","value":"0x0","error":"out of gas"}`
	sim := newSimulator(t, &fakeNode{status: "0x0", trace: trace})

	out, err := sim.Run(context.Background(), api.Transaction{From: simSender, To: simRouter}, api.SimulationParams{GasLimit: 21000})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "out of gas", out.RevertReason)
	assert.Empty(t, out.AssetDeltas)
}

func TestRPCSimulator_SendRejected(t *testing.T) {
	node := &fakeNode{sendErr: "execution reverted: TRANSFER_FAILED"}
	sim := newSimulator(t, node)

	out, err := sim.Run(context.Background(), api.Transaction{From: simSender, To: simRouter}, api.SimulationParams{GasLimit: 21000})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "execution reverted: TRANSFER_FAILED", out.RevertReason)
	assert.Contains(t, node.calls(), "evm_revert")
}

func TestRPCSimulator_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	sim := NewRPCSimulator(jsonrpc.NewClient(srv.URL, nil), nil)

	_, err := sim.Run(context.Background(), api.Transaction{From: simSender}, api.SimulationParams{})
	require.ErrorIs(t, err, ErrForkUnavailable)
}

func TestAnvilHandle_MissingBinary(t *testing.T) {
	_, err := NewAnvilHandle(AnvilConfig{}, nil)
	require.Error(t, err)

	h, err := NewAnvilHandle(AnvilConfig{Path: "/nonexistent/anvil", ForkURLs: []string{"http://127.0.0.1:1"}}, nil)
	require.NoError(t, err)

	_, err = h.Run(context.Background(), api.Transaction{}, api.SimulationParams{})
	require.ErrorIs(t, err, ErrForkUnavailable)

	_, err = h.Run(context.Background(), api.Transaction{}, api.SimulationParams{RPCTarget: 3})
	require.ErrorIs(t, err, ErrForkUnavailable)
}
