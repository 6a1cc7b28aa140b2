package intent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkingovr/txguard/api"
)

type stubGenerator struct {
	answer string
	err    error
	prompt string
}

func (g *stubGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.prompt = prompt
	return g.answer, g.err
}

func TestGenAIClassifier_ParsesAnswer(t *testing.T) {
	gen := &stubGenerator{answer: "```json\n" + `{"action":"swap","amounts":[{"value":"1","symbol":"ETH"},{"value":"","symbol":"USDC"}],"slippage_pct":0.5,"protocols":["Uniswap"],"addresses":[]}` + "\n```"}
	c := NewGenAIClassifier(gen)

	p, err := c.Classify(context.Background(), "swap 1 ETH to USDC, slippage 0.5%", nil)
	require.NoError(t, err)
	assert.Equal(t, api.ActionSwap, p.Action)
	assert.Equal(t, []Amount{{"1", "eth"}, {"", "usdc"}}, p.Amounts)
	assert.Equal(t, []string{"uniswap"}, p.Protocols)
	assert.True(t, strings.Contains(gen.prompt, "swap 1 ETH to USDC"))
}

func TestGenAIClassifier_Unknown(t *testing.T) {
	for _, answer := range []string{`{"action":"unknown"}`, `not json`, `{"action":"swap","addresses":["0x12"]}`} {
		c := NewGenAIClassifier(&stubGenerator{answer: answer})
		_, err := c.Classify(context.Background(), "do the thing", nil)
		assert.True(t, errors.Is(err, ErrIntentUnparsable), "answer %q: %v", answer, err)
	}
}

func TestGenAIClassifier_GeneratorError(t *testing.T) {
	boom := errors.New("quota exceeded")
	c := NewGenAIClassifier(&stubGenerator{err: boom})

	_, err := c.Classify(context.Background(), "swap 1 ETH", nil)
	require.ErrorIs(t, err, boom)
	assert.False(t, errors.Is(err, ErrIntentUnparsable))
}
