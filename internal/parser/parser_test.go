package parser

import (
	"testing"
	"time"

	"signalbridge/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goldBuy = "XAUUSD buy\nEnter 3373\nSL 3360 (130)\nTP1 3376\nTP2 3380\nTP3 3385\nTP4 3402 (290)"

func newTestParser() *Parser {
	p := New([]string{"XAUUSD", "EURUSD", "GBPUSD"})
	p.nowFn = func() time.Time { return time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC) }
	return p
}

func TestParseCanonicalGoldSignal(t *testing.T) {
	sig := newTestParser().Parse(goldBuy)
	require.NotNil(t, sig)

	assert.Equal(t, "XAUUSD", sig.Symbol)
	assert.Equal(t, types.DirectionBuy, sig.Direction)
	assert.Equal(t, 3373.0, sig.EntryPrice)
	assert.Equal(t, 3360.0, sig.StopLoss)
	require.NotNil(t, sig.StopLossPips)
	assert.Equal(t, 130, *sig.StopLossPips)
	require.Len(t, sig.TakeProfits, 4)
	assert.Equal(t, []float64{3376, 3380, 3385, 3402}, sig.TakeProfitPrices())
	for i, tp := range sig.TakeProfits {
		assert.Equal(t, i+1, tp.Level)
	}
	require.NotNil(t, sig.TakeProfits[3].Pips)
	assert.Equal(t, 290, *sig.TakeProfits[3].Pips)
	assert.Equal(t, types.SignalTypeMarket, sig.Type)
	assert.Equal(t, "default", sig.Channel)
	// valid prices, no trailing commentary
	assert.Equal(t, 0.9, sig.Confidence)
}

func TestParseConfidenceWithNotes(t *testing.T) {
	sig := newTestParser().Parse(goldBuy + "\n\nMax 0.25%")
	require.NotNil(t, sig)
	assert.Equal(t, 1.0, sig.Confidence)
	assert.Equal(t, "Max 0.25%", sig.Notes)
}

func TestParseSamples(t *testing.T) {
	p := newTestParser()

	t.Run("alternative pip format", func(t *testing.T) {
		sig := p.Parse(`
        XAUUSD Buy now
        Enter 3187
        SL 3176 (100pips)
        TP1 3190
        TP2 3195
        TP3 3200
        TP4 3205`)
		require.NotNil(t, sig)
		require.NotNil(t, sig.StopLossPips)
		assert.Equal(t, 100, *sig.StopLossPips)
		assert.Len(t, sig.TakeProfits, 4)
		assert.Empty(t, sig.Notes)
	})

	t.Run("mixed case with comments and trailing tp", func(t *testing.T) {
		sig := p.Parse(`
        XAUUSD buy now
        Enter 3173
        SL 3163 (100)
        TP1 3177
        Tp2 3180
        Tp3 3190
        TP4 3373 (2000)

        Max 0.25% risk
        Don't let one trade ruin weeks of profits

        TP5 3477`)
		require.NotNil(t, sig)
		require.Len(t, sig.TakeProfits, 5)
		assert.Equal(t, []float64{3177, 3180, 3190, 3373, 3477}, sig.TakeProfitPrices())
		assert.Contains(t, sig.Notes, "Max 0.25% risk")
		assert.Contains(t, sig.Notes, "Don't let one trade ruin weeks of profits")
		assert.Equal(t, 1.0, sig.Confidence)
	})

	t.Run("take profits sorted by level", func(t *testing.T) {
		sig := p.Parse("EURUSD sell\n@ 1.1000\nSL 1.1050\nTP2 1.0900\nTP1 1.0950")
		require.NotNil(t, sig)
		assert.Equal(t, 1, sig.TakeProfits[0].Level)
		assert.Equal(t, 1.0950, sig.TakeProfits[0].Price)
		assert.Equal(t, types.DirectionSell, sig.Direction)
	})

	t.Run("direction aliases", func(t *testing.T) {
		sig := p.Parse("gbpusd short\nentry 1.2500\nSL 1.2550\nTP1 1.2450")
		require.NotNil(t, sig)
		assert.Equal(t, "GBPUSD", sig.Symbol)
		assert.Equal(t, types.DirectionSell, sig.Direction)

		sig = p.Parse("EURUSD b @ 1.1000\nSL 1.0950\nTP1 1.1050")
		require.NotNil(t, sig)
		assert.Equal(t, types.DirectionBuy, sig.Direction)
		assert.Equal(t, 1.1, sig.EntryPrice)
	})
}

func TestParseRejectsIncompleteMessages(t *testing.T) {
	p := newTestParser()
	cases := map[string]string{
		"unknown symbol":  "INVALID buy now\nEnter 100\nSL 90\nTP1 110",
		"not configured":  "USDCHF buy\nEnter 0.9\nSL 0.89\nTP1 0.91",
		"no take profit":  "XAUUSD buy now\nEnter 3173\nSL 3163",
		"no stop loss":    "XAUUSD buy now\nEnter 3173\nTP1 3180",
		"no entry":        "XAUUSD buy now\nSL 3163\nTP1 3180",
		"no direction":    "XAUUSD\nEnter 3173\nSL 3163\nTP1 3180",
		"plain chat text": "good morning traders",
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Nil(t, p.Parse(msg))
		})
	}
}

func TestParseBadPriceOrderingLowersConfidence(t *testing.T) {
	sig := newTestParser().Parse("XAUUSD buy now\nEnter 3173\nSL 3183  # SL above entry\nTP1 3170  # TP below entry")
	require.NotNil(t, sig)
	assert.Equal(t, 3183.0, sig.StopLoss)
	assert.Equal(t, []float64{3170}, sig.TakeProfitPrices())
	assert.Empty(t, sig.Notes, "# comments are not notes")
	assert.Equal(t, 0.72, sig.Confidence)

	sig = newTestParser().Parse("XAUUSD buy now\nEnter 3173\nSL 3183\nTP1 3170")
	require.NotNil(t, sig)
	assert.Equal(t, 0.72, sig.Confidence)
}

func TestParseCommentsAreNotNotes(t *testing.T) {
	sig := newTestParser().Parse(goldBuy + "\n# copied from vip\nMax 0.25% # keep it small\nRisk on #gold")
	require.NotNil(t, sig)
	assert.Equal(t, "Max 0.25%\nRisk on #gold", sig.Notes)
	assert.Equal(t, 1.0, sig.Confidence)

	sig = newTestParser().Parse(goldBuy + "\n# copied from vip")
	require.NotNil(t, sig)
	assert.Empty(t, sig.Notes)
	assert.Equal(t, 0.9, sig.Confidence)
}

func TestParseWithOrigin(t *testing.T) {
	ts := time.Date(2025, 5, 1, 9, 59, 0, 0, time.UTC)
	sig := newTestParser().ParseWithOrigin(goldBuy, types.Origin{MessageID: 42, ChatID: -100, Channel: "gold-vip", Timestamp: ts})
	require.NotNil(t, sig)
	assert.Equal(t, int64(42), sig.MessageID)
	assert.Equal(t, int64(-100), sig.ChatID)
	assert.Equal(t, "gold-vip", sig.Channel)
	assert.Equal(t, ts, sig.Timestamp)
	assert.Equal(t, goldBuy, sig.RawMessage)
}

func TestUpdateSymbolsFallback(t *testing.T) {
	p := New(nil)
	assert.Equal(t, []string{"EURUSD", "GBPUSD", "USDJPY", "XAUUSD"}, p.Symbols())

	p.UpdateSymbols([]string{" usdchf "})
	assert.Equal(t, []string{"USDCHF"}, p.Symbols())
	assert.Nil(t, p.Parse(goldBuy))
}
