package intent

import (
	"context"
	"fmt"
	"slices"

	"github.com/tkingovr/txguard/api"
	"github.com/tkingovr/txguard/internal/evm"
)

// FallbackTolerancePct applies when neither the intent nor the per-action
// table gives a tolerance.
const FallbackTolerancePct = 1.0

// Tolerances maps action kinds to their default tolerance in percent.
type Tolerances map[api.ActionKind]float64

// DefaultTolerances returns the per-action defaults.
func DefaultTolerances() Tolerances {
	return Tolerances{
		api.ActionTransfer: 0,
		api.ActionSwap:     FallbackTolerancePct,
		api.ActionStake:    FallbackTolerancePct,
		api.ActionApprove:  0,
		api.ActionOther:    FallbackTolerancePct,
	}
}

// Builder turns an audit request into an Expectation.
type Builder struct {
	classifier Classifier
	registry   *Registry
	tolerances Tolerances
}

// NewBuilder creates an expectation builder. A nil tolerance table uses the
// defaults.
func NewBuilder(c Classifier, reg *Registry, tol Tolerances) *Builder {
	if tol == nil {
		tol = DefaultTolerances()
	}
	return &Builder{classifier: c, registry: reg, tolerances: tol}
}

// Registry returns the builder's registry.
func (b *Builder) Registry() *Registry { return b.registry }

// TolerancePct returns the tolerance applied to an action when the intent
// states none.
func (b *Builder) TolerancePct(action api.ActionKind) float64 {
	if t, ok := b.tolerances[action]; ok {
		return t
	}
	return FallbackTolerancePct
}

// Build classifies the intent and derives the expectation. Errors wrapping
// ErrIntentUnparsable mean no expectation can be established; any other
// error comes from the classifier itself.
func (b *Builder) Build(ctx context.Context, req *api.AuditRequest) (*api.Expectation, error) {
	tx := req.Transaction
	call, err := evm.DecodeCalldata(tx.Data)
	if err != nil {
		call = &evm.Call{Selector: evm.SelectorOf(tx.Data)}
	}

	p, err := b.classifier.Classify(ctx, req.Intent, call)
	if err != nil {
		return nil, err
	}
	if !b.registry.Supports(tx.ChainID) {
		return nil, fmt.Errorf("%w: unsupported chain %d", ErrIntentUnparsable, tx.ChainID)
	}

	tol := b.TolerancePct(p.Action)
	if p.SlippagePct != nil {
		tol = *p.SlippagePct
	}

	assets := make([]Asset, len(p.Amounts))
	for i, a := range p.Amounts {
		asset, err := b.registry.Resolve(tx.ChainID, a.Symbol)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIntentUnparsable, err)
		}
		assets[i] = asset
	}

	allowed := addrSet{}
	var protocols []Protocol
	for _, name := range p.Protocols {
		if proto, ok := b.registry.Protocol(tx.ChainID, name); ok {
			protocols = append(protocols, proto)
			allowed.add(proto.Addresses...)
		}
	}
	named := len(protocols) > 0 || len(p.Addresses) > 0

	exp := &api.Expectation{Action: p.Action}
	delta := func(i int, dir api.Direction) (api.AssetDelta, error) {
		d := api.AssetDelta{
			Asset:        assets[i].ID,
			Symbol:       assets[i].Symbol,
			Direction:    dir,
			TolerancePct: tol,
		}
		if v := p.Amounts[i].Value; v != "" {
			m, err := evm.ParseUnits(v, assets[i].Decimals)
			if err != nil {
				return d, fmt.Errorf("%w: %v", ErrIntentUnparsable, err)
			}
			d.Magnitude = m.String()
		}
		return d, nil
	}
	addDelta := func(i int, dir api.Direction) error {
		d, err := delta(i, dir)
		if err != nil {
			return err
		}
		exp.AssetDeltas = append(exp.AssetDeltas, d)
		if d.Asset != evm.Native {
			allowed.add(d.Asset)
		}
		return nil
	}

	var recipient string
	switch p.Action {
	case api.ActionSwap:
		if len(assets) == 0 {
			return nil, fmt.Errorf("%w: swap names no asset", ErrIntentUnparsable)
		}
		if err := addDelta(0, api.DirectionOut); err != nil {
			return nil, err
		}
		if len(assets) > 1 {
			if err := addDelta(1, api.DirectionIn); err != nil {
				return nil, err
			}
		}
		if len(protocols) == 0 {
			for _, proto := range b.registry.ProtocolsFor(tx.ChainID, api.ActionSwap) {
				allowed.add(proto.Addresses...)
			}
		}

	case api.ActionStake:
		if len(assets) == 0 {
			return nil, fmt.Errorf("%w: stake names no asset", ErrIntentUnparsable)
		}
		if err := addDelta(0, api.DirectionOut); err != nil {
			return nil, err
		}
		if len(assets) > 1 {
			if err := addDelta(1, api.DirectionIn); err != nil {
				return nil, err
			}
		} else if receipt, ok := b.receiptDelta(tx.ChainID, protocols, exp.AssetDeltas[0], p.Amounts[0], tol); ok {
			exp.AssetDeltas = append(exp.AssetDeltas, receipt)
			allowed.add(receipt.Asset)
		}
		if len(protocols) == 0 {
			for _, proto := range b.registry.ProtocolsFor(tx.ChainID, api.ActionStake) {
				allowed.add(proto.Addresses...)
			}
		}

	case api.ActionTransfer:
		if len(assets) == 0 {
			return nil, fmt.Errorf("%w: transfer names no asset", ErrIntentUnparsable)
		}
		if err := addDelta(0, api.DirectionOut); err != nil {
			return nil, err
		}
		if len(p.Addresses) > 0 {
			recipient = p.Addresses[0]
		}

	case api.ActionApprove:
		for _, a := range assets {
			if a.ID != evm.Native {
				allowed.add(a.ID)
			}
		}

	default:
		if len(assets) > 0 {
			if err := addDelta(0, api.DirectionOut); err != nil {
				return nil, err
			}
		}
	}
	allowed.add(p.Addresses...)

	if err := b.applyQuote(tx.ChainID, exp, req.Quote); err != nil {
		return nil, err
	}

	exp.AllowedCounterparties = allowed.sorted()
	exp.HardConstraints = constraintsFor(p.Action, exp.AllowedCounterparties, recipient, named || p.Action == api.ActionSwap || p.Action == api.ActionStake)
	if exp.AssetDeltas == nil {
		exp.AssetDeltas = []api.AssetDelta{}
	}
	return exp, nil
}

func (b *Builder) receiptDelta(chainID uint64, protocols []Protocol, out api.AssetDelta, amt Amount, tol float64) (api.AssetDelta, bool) {
	for _, proto := range protocols {
		if proto.ReceiptToken == "" {
			continue
		}
		asset, err := b.registry.Resolve(chainID, proto.ReceiptToken)
		if err != nil {
			continue
		}
		d := api.AssetDelta{
			Asset:        asset.ID,
			Symbol:       asset.Symbol,
			Direction:    api.DirectionIn,
			TolerancePct: tol,
		}
		if proto.ReceiptOneToOne && amt.Value != "" {
			if m, err := evm.ParseUnits(amt.Value, asset.Decimals); err == nil {
				d.Magnitude = m.String()
			}
		}
		return d, true
	}
	return api.AssetDelta{}, false
}

// applyQuote fills direction-only inflows from the request's quote.
func (b *Builder) applyQuote(chainID uint64, exp *api.Expectation, quote []api.QuotedAmount) error {
	for _, q := range quote {
		asset, err := b.registry.Resolve(chainID, q.Asset)
		if err != nil {
			return fmt.Errorf("%w: quote: %v", ErrIntentUnparsable, err)
		}
		m, err := evm.ParseUnits(q.Amount, asset.Decimals)
		if err != nil {
			return fmt.Errorf("%w: quote: %v", ErrIntentUnparsable, err)
		}
		for i := range exp.AssetDeltas {
			d := &exp.AssetDeltas[i]
			if d.Asset == asset.ID && d.Direction == api.DirectionIn && d.Magnitude == "" {
				d.Magnitude = m.String()
			}
		}
	}
	return nil
}

func constraintsFor(action api.ActionKind, allowed []string, recipient string, checkTarget bool) []api.HardConstraint {
	cs := []api.HardConstraint{{
		ID:          string(api.ConstraintApprovalAllowlisted),
		Kind:        api.ConstraintApprovalAllowlisted,
		Description: "no approval is granted to an address outside the allowed counterparties",
		Addresses:   allowed,
	}}
	if action != api.ActionTransfer && checkTarget && len(allowed) > 0 {
		cs = append(cs, api.HardConstraint{
			ID:          string(api.ConstraintCounterpartyAllowlisted),
			Kind:        api.ConstraintCounterpartyAllowlisted,
			Description: "the transaction target is an allowed counterparty",
			Addresses:   allowed,
		})
	}
	if action == api.ActionTransfer && recipient != "" {
		cs = append(cs, api.HardConstraint{
			ID:          string(api.ConstraintRecipientMatches),
			Kind:        api.ConstraintRecipientMatches,
			Description: "funds leaving the sender go only to " + recipient,
			Addresses:   []string{recipient},
		})
	}
	cs = append(cs, api.HardConstraint{
		ID:          string(api.ConstraintNoUnexpectedOutflow),
		Kind:        api.ConstraintNoUnexpectedOutflow,
		Description: "no asset leaves the sender unless the intent expects it",
	})
	return cs
}

type addrSet map[string]struct{}

func (s addrSet) add(addrs ...string) {
	for _, a := range addrs {
		if a == "" || a == evm.Native {
			continue
		}
		s[evm.Lower(a)] = struct{}{}
	}
}

func (s addrSet) sorted() []string {
	out := make([]string, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}
