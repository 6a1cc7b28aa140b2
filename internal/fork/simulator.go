package fork

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/tkingovr/txguard/api"
	"github.com/tkingovr/txguard/internal/evm"
	"github.com/tkingovr/txguard/internal/jsonrpc"
)

// cleanupTimeout bounds the revert calls that run after the caller's
// context may already be done.
const cleanupTimeout = 2 * time.Second

// RPCSimulator executes a transaction against an anvil-compatible node,
// wrapping it in a snapshot so the node's state is restored afterwards.
type RPCSimulator struct {
	client *jsonrpc.Client
	logger *slog.Logger
}

// NewRPCSimulator creates a simulator for the given node client.
func NewRPCSimulator(client *jsonrpc.Client, logger *slog.Logger) *RPCSimulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &RPCSimulator{client: client, logger: logger}
}

type sendArgs struct {
	From  string `json:"from"`
	To    string `json:"to,omitempty"`
	Data  string `json:"data,omitempty"`
	Value string `json:"value,omitempty"`
	Gas   string `json:"gas"`
}

type receipt struct {
	Status      string `json:"status"`
	GasUsed     string `json:"gasUsed"`
	BlockNumber string `json:"blockNumber"`
}

// callFrame is the callTracer output shape.
type callFrame struct {
	Type         string      `json:"type"`
	From         string      `json:"from"`
	To           string      `json:"to"`
	Value        string      `json:"value"`
	GasUsed      string      `json:"gasUsed"`
	Input        string      `json:"input"`
	Error        string      `json:"error"`
	RevertReason string      `json:"revertReason"`
	Calls        []callFrame `json:"calls"`
	Logs         []callLog   `json:"logs"`
}

type callLog struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

type tracerConfig struct {
	Tracer       string         `json:"tracer"`
	TracerConfig map[string]any `json:"tracerConfig"`
}

// Run implements Handle.
func (s *RPCSimulator) Run(ctx context.Context, tx api.Transaction, params api.SimulationParams) (*api.SimulationOutcome, error) {
	var snapshot string
	if err := s.call(ctx, &snapshot, "evm_snapshot"); err != nil {
		return nil, err
	}
	from := evm.Lower(tx.From)
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if cerr := s.client.Call(cctx, nil, "anvil_stopImpersonatingAccount", from); cerr != nil {
			s.logger.Debug("stop impersonating", "error", cerr)
		}
		var reverted bool
		if cerr := s.client.Call(cctx, &reverted, "evm_revert", snapshot); cerr != nil {
			s.logger.Warn("reverting fork snapshot", "snapshot", snapshot, "error", cerr)
		}
	}()

	if err := s.applyOverrides(ctx, params.StateOverrides); err != nil {
		return nil, err
	}
	if err := s.call(ctx, nil, "anvil_impersonateAccount", from); err != nil {
		return nil, err
	}

	value, err := evm.ParseInt(tx.Value)
	if err != nil {
		return nil, fmt.Errorf("transaction value: %w", err)
	}
	args := sendArgs{
		From:  from,
		To:    evm.Lower(tx.To),
		Data:  tx.Data,
		Value: evm.ToHex(value),
		Gas:   evm.ToHex(new(big.Int).SetUint64(params.GasLimit)),
	}

	var hash string
	if err := s.client.Call(ctx, &hash, "eth_sendTransaction", args); err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			// The node refused to include the transaction; its message is
			// the revert reason.
			return &api.SimulationOutcome{
				Success:      false,
				RevertReason: rpcErr.Message,
				AssetDeltas:  []api.ObservedDelta{},
				Calls:        []api.CallFrame{},
				Events:       []api.Event{},
				BlockNumber:  params.BlockNumber,
			}, nil
		}
		return nil, s.mapErr(ctx, err)
	}

	var rcpt receipt
	if err := s.call(ctx, &rcpt, "eth_getTransactionReceipt", hash); err != nil {
		return nil, err
	}
	var root callFrame
	cfg := tracerConfig{Tracer: "callTracer", TracerConfig: map[string]any{"withLog": true}}
	if err := s.call(ctx, &root, "debug_traceTransaction", hash, cfg); err != nil {
		return nil, err
	}

	out := outcomeFromTrace(from, &root)
	out.Success = rcpt.Status == "0x1"
	if out.Success {
		out.RevertReason = ""
	} else if out.RevertReason == "" {
		out.RevertReason = "execution reverted"
	}
	if g, err := evm.ParseInt(rcpt.GasUsed); err == nil {
		out.GasUsed = g.Uint64()
	}
	if b, err := evm.ParseInt(rcpt.BlockNumber); err == nil {
		out.BlockNumber = b.Uint64()
	}
	return out, nil
}

func (s *RPCSimulator) applyOverrides(ctx context.Context, overrides map[string]api.StateOverride) error {
	addrs := make([]string, 0, len(overrides))
	for a := range overrides {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)

	for _, addr := range addrs {
		o := overrides[addr]
		a := evm.Lower(addr)
		if o.Balance != "" {
			v, err := evm.ParseInt(o.Balance)
			if err != nil {
				return fmt.Errorf("override %s balance: %w", a, err)
			}
			if err := s.call(ctx, nil, "anvil_setBalance", a, evm.ToHex(v)); err != nil {
				return err
			}
		}
		if o.Nonce != nil {
			if err := s.call(ctx, nil, "anvil_setNonce", a, evm.ToHex(new(big.Int).SetUint64(*o.Nonce))); err != nil {
				return err
			}
		}
		if o.Code != "" {
			if err := s.call(ctx, nil, "anvil_setCode", a, o.Code); err != nil {
				return err
			}
		}
		slots := make([]string, 0, len(o.StateDiff))
		for slot := range o.StateDiff {
			slots = append(slots, slot)
		}
		sort.Strings(slots)
		for _, slot := range slots {
			if err := s.call(ctx, nil, "anvil_setStorageAt", a, slot, o.StateDiff[slot]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *RPCSimulator) call(ctx context.Context, result any, method string, params ...any) error {
	if err := s.client.Call(ctx, result, method, params...); err != nil {
		return s.mapErr(ctx, err)
	}
	return nil
}

// mapErr keeps context errors as they are and reports everything else as the
// fork being unavailable.
func (s *RPCSimulator) mapErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %v", ErrForkUnavailable, err)
}

// outcomeFromTrace flattens the call tree in execution order and derives the
// sender's balance deltas. Frames that reverted contribute neither value
// movements nor logs.
func outcomeFromTrace(sender string, root *callFrame) *api.SimulationOutcome {
	out := &api.SimulationOutcome{
		AssetDeltas: []api.ObservedDelta{},
		Calls:       []api.CallFrame{},
		Events:      []api.Event{},
	}
	deltas := map[string]*big.Int{}
	add := func(asset string, v *big.Int) {
		if d, ok := deltas[asset]; ok {
			d.Add(d, v)
			return
		}
		deltas[asset] = new(big.Int).Set(v)
	}

	var walk func(f *callFrame, depth int, reverted bool)
	walk = func(f *callFrame, depth int, reverted bool) {
		reverted = reverted || f.Error != ""
		out.Calls = append(out.Calls, api.CallFrame{
			Depth:    depth,
			Type:     f.Type,
			From:     evm.Lower(f.From),
			To:       evm.Lower(f.To),
			Selector: evm.SelectorOf(f.Input),
			Value:    decimal(f.Value),
			Input:    f.Input,
			Error:    f.Error,
		})
		if depth == 0 && f.Error != "" {
			out.RevertReason = f.Error
			if f.RevertReason != "" {
				out.RevertReason = f.RevertReason
			}
		}
		if !reverted {
			if v, err := evm.ParseInt(f.Value); err == nil && v.Sign() > 0 {
				if evm.SameAddress(f.From, sender) {
					add(evm.Native, new(big.Int).Neg(v))
				}
				if evm.SameAddress(f.To, sender) {
					add(evm.Native, v)
				}
			}
			for _, l := range f.Logs {
				ev := api.Event{
					Address: evm.Lower(l.Address),
					Topics:  lowerAll(l.Topics),
					Data:    l.Data,
					Index:   len(out.Events),
				}
				out.Events = append(out.Events, ev)
				if t, ok := evm.DecodeTransfer(ev); ok {
					if t.From == sender {
						add(t.Token, new(big.Int).Neg(t.Amount))
					}
					if t.To == sender {
						add(t.Token, t.Amount)
					}
				}
			}
		}
		for i := range f.Calls {
			walk(&f.Calls[i], depth+1, reverted)
		}
	}
	walk(root, 0, false)

	assets := make([]string, 0, len(deltas))
	for a := range deltas {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	for _, a := range assets {
		if deltas[a].Sign() == 0 {
			continue
		}
		out.AssetDeltas = append(out.AssetDeltas, api.ObservedDelta{Asset: a, Amount: deltas[a].String()})
	}
	return out
}

func decimal(hexValue string) string {
	if hexValue == "" {
		return ""
	}
	v, err := evm.ParseInt(hexValue)
	if err != nil {
		return hexValue
	}
	return v.String()
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
