package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/tkingovr/txguard/api"
	"github.com/tkingovr/txguard/internal/evm"
)

// Generator produces a JSON completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GenAIClassifier delegates intent reading to a language model and holds
// the answer to the same contract as RuleClassifier.
type GenAIClassifier struct {
	gen Generator
}

// NewGenAIClassifier creates a model-backed classifier.
func NewGenAIClassifier(gen Generator) *GenAIClassifier {
	return &GenAIClassifier{gen: gen}
}

const classifyPrompt = `Classify the blockchain transaction intent below.
Answer with one JSON object and nothing else:
{"action": "transfer|swap|stake|approve|other|unknown",
 "amounts": [{"value": "<decimal or empty>", "symbol": "<asset symbol>"}],
 "slippage_pct": <number or null>,
 "protocols": ["<protocol name>"],
 "addresses": ["<0x address>"]}
List amounts in the order the sender gives then receives. Use "unknown" when
the intent is not a transaction request.

Intent: %s
Decoded call: %s`

type modelAnswer struct {
	Action      string   `json:"action"`
	Amounts     []Amount `json:"amounts"`
	SlippagePct *float64 `json:"slippage_pct"`
	Protocols   []string `json:"protocols"`
	Addresses   []string `json:"addresses"`
}

// Classify implements Classifier.
func (c *GenAIClassifier) Classify(ctx context.Context, text string, call *evm.Call) (*Parsed, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty intent", ErrIntentUnparsable)
	}
	callJSON, _ := json.Marshal(call)

	out, err := c.gen.Generate(ctx, fmt.Sprintf(classifyPrompt, text, callJSON))
	if err != nil {
		return nil, fmt.Errorf("generating classification: %w", err)
	}

	var ans modelAnswer
	if err := json.Unmarshal([]byte(stripFence(out)), &ans); err != nil {
		return nil, fmt.Errorf("%w: model answer is not JSON: %v", ErrIntentUnparsable, err)
	}

	action := api.ActionKind(strings.ToLower(ans.Action))
	switch action {
	case api.ActionTransfer, api.ActionSwap, api.ActionStake, api.ActionApprove, api.ActionOther:
	default:
		return nil, fmt.Errorf("%w: model returned action %q", ErrIntentUnparsable, ans.Action)
	}

	p := &Parsed{Action: action, SlippagePct: ans.SlippagePct}
	for _, a := range ans.Amounts {
		if a.Symbol == "" {
			continue
		}
		p.Amounts = append(p.Amounts, Amount{Value: a.Value, Symbol: strings.ToLower(a.Symbol)})
	}
	for _, name := range ans.Protocols {
		p.Protocols = appendUnique(p.Protocols, strings.ToLower(name))
	}
	for _, a := range ans.Addresses {
		addr, err := evm.NormalizeAddress(a)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIntentUnparsable, err)
		}
		p.Addresses = appendUnique(p.Addresses, addr)
	}
	return p, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// GeminiGenerator calls a Gemini model in JSON response mode.
type GeminiGenerator struct {
	client *genai.Client
	model  string
}

// NewGeminiGenerator creates a generator backed by the Gemini API.
func NewGeminiGenerator(ctx context.Context, apiKey, model string) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &GeminiGenerator{client: client, model: model}, nil
}

// Generate implements Generator.
func (g *GeminiGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)},
		&genai.GenerateContentConfig{
			Temperature:      genai.Ptr[float32](0),
			ResponseMIMEType: "application/json",
		},
	)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}
