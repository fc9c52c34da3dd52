// Package parser turns free-text channel alerts into candidate signals.
package parser

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"signalbridge/internal/logger"
	"signalbridge/internal/types"
)

// FallbackSymbols 在交易时段配置缺失时使用。
var FallbackSymbols = []string{"XAUUSD", "EURUSD", "GBPUSD", "USDJPY"}

var (
	symbolLineRe  = regexp.MustCompile(`(?i)^\s*([A-Z]{6})\s+(buy|long|b|sell|short|s)\b(.*)$`)
	entryLineRe   = regexp.MustCompile(`(?i)^\s*(?:(?:enter|entry)\b\s*[:@]?|@)?\s*(\d+(?:\.\d+)?)(.*)$`)
	entryInlineRe = regexp.MustCompile(`(?i)(?:\b(?:enter|entry)\b\s*[:@]?|@)\s*(\d+(?:\.\d+)?)`)
	stopLossRe    = regexp.MustCompile(`(?i)^\s*SL\s*[:@]?\s*(\d+(?:\.\d+)?)\s*(?:\(\s*(\d+)\s*(?:pips?)?\s*\))?(.*)$`)
	takeProfitRe  = regexp.MustCompile(`(?i)^\s*TP\s*(\d+)\s*[:@]?\s*(\d+(?:\.\d+)?)\s*(?:\(\s*(\d+)\s*(?:pips?)?\s*\))?(.*)$`)
	// `# ...` 是注释，不算备注；#gold 这类标签保留
	commentRe = regexp.MustCompile(`(?:^|\s)#(?:\s.*)?$`)
)

// Parser 基于行锚定正则的信号解析器，可安全并发使用。
type Parser struct {
	mu      sync.RWMutex
	symbols map[string]struct{}
	nowFn   func() time.Time
}

// New builds a parser for the given symbol set.
func New(symbols []string) *Parser {
	p := &Parser{nowFn: time.Now}
	p.UpdateSymbols(symbols)
	return p
}

// UpdateSymbols 替换已知品种集合；为空时退回内置集合并告警。
func (p *Parser) UpdateSymbols(symbols []string) {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			set[s] = struct{}{}
		}
	}
	if len(set) == 0 {
		logger.Warnf("[parser] no trading symbols configured, falling back to %v", FallbackSymbols)
		for _, s := range FallbackSymbols {
			set[s] = struct{}{}
		}
	}
	p.mu.Lock()
	p.symbols = set
	p.mu.Unlock()
}

// Symbols returns the current known symbols, sorted.
func (p *Parser) Symbols() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.symbols))
	for s := range p.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (p *Parser) known(symbol string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.symbols[symbol]
	return ok
}

// Parse 解析一条消息，结构不完整时返回 nil。
func (p *Parser) Parse(text string) *types.CandidateSignal {
	return p.ParseWithOrigin(text, types.Origin{})
}

// ParseWithOrigin parses text and stamps the source identifiers onto the result.
func (p *Parser) ParseWithOrigin(text string, origin types.Origin) *types.CandidateSignal {
	fields := p.extract(text)
	if fields == nil {
		return nil
	}
	if fields.symbol == "" || fields.direction == "" || fields.entry <= 0 || fields.stopLoss <= 0 || len(fields.tps) == 0 {
		logger.Debugf("[parser] incomplete signal symbol=%q entry=%v sl=%v tps=%d",
			fields.symbol, fields.entry, fields.stopLoss, len(fields.tps))
		return nil
	}

	sort.SliceStable(fields.tps, func(i, j int) bool { return fields.tps[i].Level < fields.tps[j].Level })
	for i := range fields.tps {
		if fields.tps[i].Pips == nil {
			pips := types.CalculatePips(fields.symbol, fields.entry, fields.tps[i].Price)
			fields.tps[i].Pips = &pips
		}
	}
	slPips := fields.stopLossPips
	if slPips == nil {
		v := types.CalculatePips(fields.symbol, fields.entry, fields.stopLoss)
		slPips = &v
	}

	ts := origin.Timestamp
	if ts.IsZero() {
		ts = p.nowFn()
	}
	channel := strings.TrimSpace(origin.Channel)
	if channel == "" {
		channel = "default"
	}
	sig := &types.CandidateSignal{
		MessageID:    origin.MessageID,
		ChatID:       origin.ChatID,
		Channel:      channel,
		Type:         types.SignalTypeMarket,
		Symbol:       fields.symbol,
		Direction:    fields.direction,
		EntryPrice:   fields.entry,
		StopLoss:     fields.stopLoss,
		StopLossPips: slPips,
		TakeProfits:  fields.tps,
		Notes:        strings.Join(fields.notes, "\n"),
		RawMessage:   text,
		Timestamp:    ts,
	}
	sig.Confidence = Confidence(sig)
	logger.Debugf("[parser] parsed %s %s entry=%v sl=%v tps=%d confidence=%.2f",
		sig.Symbol, sig.Direction, sig.EntryPrice, sig.StopLoss, len(sig.TakeProfits), sig.Confidence)
	return sig
}

type extracted struct {
	symbol       string
	direction    types.Direction
	entry        float64
	stopLoss     float64
	stopLossPips *int
	tps          []types.TakeProfit
	notes        []string
}

func (p *Parser) extract(text string) *extracted {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := &extracted{}
	seenLevels := make(map[int]bool)
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if out.symbol == "" {
			if m := symbolLineRe.FindStringSubmatch(line); m != nil {
				symbol := strings.ToUpper(m[1])
				if p.known(symbol) {
					dir, _ := types.ParseDirection(m[2])
					out.symbol, out.direction = symbol, dir
					if em := entryInlineRe.FindStringSubmatch(m[3]); em != nil {
						out.entry = parseFloat(em[1])
					}
					continue
				}
				logger.Debugf("[parser] unknown symbol %s", symbol)
			}
			out.notes = appendNote(out.notes, line)
			continue
		}
		if m := stopLossRe.FindStringSubmatch(line); m != nil {
			if out.stopLoss == 0 {
				out.stopLoss = parseFloat(m[1])
				out.stopLossPips = parseOptionalInt(m[2])
			}
			out.notes = appendNote(out.notes, m[3])
			continue
		}
		if m := takeProfitRe.FindStringSubmatch(line); m != nil {
			level, err := strconv.Atoi(m[1])
			if err != nil || level <= 0 {
				out.notes = appendNote(out.notes, line)
				continue
			}
			if !seenLevels[level] {
				seenLevels[level] = true
				out.tps = append(out.tps, types.TakeProfit{
					Level: level,
					Price: parseFloat(m[2]),
					Pips:  parseOptionalInt(m[3]),
				})
			}
			out.notes = appendNote(out.notes, m[4])
			continue
		}
		if out.entry == 0 {
			if m := entryLineRe.FindStringSubmatch(line); m != nil {
				out.entry = parseFloat(m[1])
				out.notes = appendNote(out.notes, m[2])
				continue
			}
		}
		out.notes = appendNote(out.notes, line)
	}
	if out.symbol == "" {
		return nil
	}
	return out
}

// Confidence 计算置信度：缺字段 ×0.5，价格关系异常 ×0.8，无止盈 ×0.7，无备注 ×0.9。
func Confidence(sig *types.CandidateSignal) float64 {
	if sig == nil {
		return 0
	}
	score := 1.0
	if sig.Symbol == "" || sig.Direction == "" || sig.EntryPrice == 0 || sig.StopLoss == 0 {
		score *= 0.5
	}
	if !types.PriceOrderingValid(sig.Direction, sig.EntryPrice, sig.StopLoss, sig.TakeProfitPrices()) {
		score *= 0.8
	}
	if len(sig.TakeProfits) == 0 {
		score *= 0.7
	}
	if strings.TrimSpace(sig.Notes) == "" {
		score *= 0.9
	}
	return math.Round(score*100) / 100
}

func appendNote(notes []string, fragment string) []string {
	fragment = strings.TrimSpace(commentRe.ReplaceAllString(fragment, ""))
	if fragment == "" {
		return notes
	}
	return append(notes, fragment)
}

func parseFloat(raw string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return v
}

func parseOptionalInt(raw string) *int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &v
}
