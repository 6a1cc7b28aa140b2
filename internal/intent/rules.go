package intent

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/tkingovr/txguard/api"
	"github.com/tkingovr/txguard/internal/evm"
)

type keywordRule struct {
	action api.ActionKind
	re     *regexp.Regexp
}

// RuleClassifier classifies intents with keyword and pattern tables.
type RuleClassifier struct {
	keywords   []keywordRule
	amountRe   *regexp.Regexp
	slippageRe []*regexp.Regexp
	protocolRe *regexp.Regexp
	addressRe  *regexp.Regexp
}

// defaultKeywords is ordered by priority: the first table with a hit wins.
var defaultKeywords = []struct {
	action api.ActionKind
	words  []string
}{
	{api.ActionSwap, []string{"swap", "exchange", "trade", "convert"}},
	{api.ActionStake, []string{"stake", "deposit", "supply"}},
	{api.ActionApprove, []string{"approve", "authorize", "authorise", "allowance"}},
	{api.ActionTransfer, []string{"transfer", "send", "pay"}},
	{api.ActionOther, []string{"mint", "claim", "withdraw", "bridge", "wrap", "unwrap"}},
}

var (
	thousandsRe = regexp.MustCompile(`(\d),(\d{3})`)
	decimalRe   = regexp.MustCompile(`^(?:\d+(?:\.\d+)?|\.\d+)$`)
)

// NewRuleClassifier builds a classifier whose symbol and protocol
// vocabulary comes from the registry.
func NewRuleClassifier(reg *Registry) *RuleClassifier {
	c := &RuleClassifier{
		slippageRe: []*regexp.Regexp{
			regexp.MustCompile(`(?:slippage|slip)\s*(?:of|:|=|at)?\s*(\d+(?:\.\d+)?)\s*%?`),
			regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%\s*(?:max\s+)?(?:slippage|slip)`),
		},
		addressRe: regexp.MustCompile(`0x[0-9a-f]{40}`),
	}
	for _, k := range defaultKeywords {
		c.keywords = append(c.keywords, keywordRule{
			action: k.action,
			re:     regexp.MustCompile(`\b(?:` + strings.Join(k.words, "|") + `)\b`),
		})
	}

	symbols := quoteAll(reg.Symbols())
	// The number group also takes separators, so a token such as "1,5" is
	// seen whole and rejected rather than read as 5.
	c.amountRe = regexp.MustCompile(`(?:(\.?\d[\d.,]*)\s*|\b)(` + strings.Join(symbols, "|") + `)\b`)

	if names := quoteAll(longestFirst(reg.ProtocolNames())); len(names) > 0 {
		c.protocolRe = regexp.MustCompile(`\b(` + strings.Join(names, "|") + `)\b`)
	}
	return c
}

// Classify implements Classifier.
func (c *RuleClassifier) Classify(_ context.Context, text string, _ *evm.Call) (*Parsed, error) {
	s := c.normalize(text)
	if s == "" {
		return nil, fmt.Errorf("%w: empty intent", ErrIntentUnparsable)
	}

	p := &Parsed{}
	for _, k := range c.keywords {
		if k.re.MatchString(s) {
			p.Action = k.action
			break
		}
	}
	if p.Action == "" {
		return nil, fmt.Errorf("%w: no supported action in %q", ErrIntentUnparsable, text)
	}

	// Addresses are removed before amount matching so hex digits are not
	// mistaken for amounts.
	for _, a := range c.addressRe.FindAllString(s, -1) {
		p.Addresses = appendUnique(p.Addresses, a)
	}
	rest := c.addressRe.ReplaceAllString(s, " ")

	for _, re := range c.slippageRe {
		if m := re.FindStringSubmatch(rest); m != nil {
			v, err := strconv.ParseFloat(m[1], 64)
			if err == nil {
				p.SlippagePct = &v
				rest = strings.Replace(rest, m[0], " ", 1)
				break
			}
		}
	}

	for _, m := range c.amountRe.FindAllStringSubmatch(rest, -1) {
		value := m[1]
		if value != "" {
			if !decimalRe.MatchString(value) {
				return nil, fmt.Errorf("%w: ambiguous amount %q", ErrIntentUnparsable, value)
			}
			if value[0] == '.' {
				value = "0" + value
			}
		}
		p.Amounts = append(p.Amounts, Amount{Value: value, Symbol: m[2]})
	}

	if c.protocolRe != nil {
		for _, m := range c.protocolRe.FindAllStringSubmatch(s, -1) {
			p.Protocols = appendUnique(p.Protocols, m[1])
		}
	}
	return p, nil
}

func (c *RuleClassifier) normalize(text string) string {
	// Casers are stateful, so one is made per call.
	s := cases.Fold().String(norm.NFKC.String(text))
	for thousandsRe.MatchString(s) {
		s = thousandsRe.ReplaceAllString(s, "$1$2")
	}
	return strings.Join(strings.Fields(s), " ")
}

func quoteAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = regexp.QuoteMeta(s)
	}
	return out
}

func longestFirst(in []string) []string {
	out := append([]string(nil), in...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && len(out[j]) > len(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
