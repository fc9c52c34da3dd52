// Package validator runs the pre-trade gates (fields, age, symbol, duplicates)
// over candidate signals and keeps the in-memory recency cache.
package validator

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"signalbridge/internal/logger"
	"signalbridge/internal/store"
	"signalbridge/internal/types"
)

const (
	defaultMaxSignalAge    = 5 * time.Minute
	defaultDuplicateWindow = 5 * time.Minute
	defaultCacheSize       = 100
	defaultPriceTolerance  = 0.001
)

var syntacticSymbolRe = regexp.MustCompile(`^[A-Za-z]{6}$`)

// Config 校验参数，零值使用默认。
type Config struct {
	MaxSignalAge    time.Duration
	DuplicateWindow time.Duration
	CacheSize       int
	PriceTolerance  float64
}

func (c Config) withDefaults() Config {
	if c.MaxSignalAge <= 0 {
		c.MaxSignalAge = defaultMaxSignalAge
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = defaultDuplicateWindow
	}
	if c.CacheSize <= 0 {
		c.CacheSize = defaultCacheSize
	}
	if c.PriceTolerance <= 0 {
		c.PriceTolerance = defaultPriceTolerance
	}
	return c
}

// SymbolSource is the part of the broker the symbol gate needs.
type SymbolSource interface {
	IsConnected() bool
	IsSymbolAvailable(ctx context.Context, symbol string) bool
}

// SignalLookup is the part of the signal store the duplicate gate needs.
type SignalLookup interface {
	FindByNaturalKey(ctx context.Context, messageID, chatID int64) (*store.SignalRecord, error)
	FindRecentMatching(ctx context.Context, q store.RecentQuery) (*store.SignalRecord, error)
}

// Validator 顺序执行各道闸门，首个失败即返回。
type Validator struct {
	cfg     Config
	symbols SymbolSource
	lookup  SignalLookup
	nowFn   func() time.Time

	mu        sync.Mutex
	cache     *recencyCache
	available map[string]struct{}
}

// New builds a validator. symbols and lookup may be nil.
func New(cfg Config, symbols SymbolSource, lookup SignalLookup) *Validator {
	cfg = cfg.withDefaults()
	return &Validator{
		cfg:     cfg,
		symbols: symbols,
		lookup:  lookup,
		nowFn:   time.Now,
		cache:   newRecencyCache(cfg.CacheSize),
	}
}

// Validate is the pre-persistence pass. On success the signal joins the recency cache.
func (v *Validator) Validate(ctx context.Context, sig *types.CandidateSignal) types.ValidationResult {
	if sig == nil {
		return types.Invalid("Signal is empty", nil)
	}
	if res := v.checkCommon(ctx, sig); !res.Valid {
		return v.reject(sig, res)
	}
	if res := v.checkExactDuplicate(ctx, sig, ""); !res.Valid {
		return v.reject(sig, res)
	}

	now := v.nowFn()
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache.evictOlderThan(now.Add(-v.cfg.DuplicateWindow))
	if orig := v.cache.findExact(sig.MessageID, sig.ChatID); orig != nil {
		return v.reject(sig, duplicateResult("exact", orig.MessageID, orig.ChatID, ""))
	}
	if orig := v.cache.findNear(sig, now, v.cfg.DuplicateWindow, v.cfg.PriceTolerance); orig != nil {
		return v.reject(sig, duplicateResult("near", orig.MessageID, orig.ChatID, ""))
	}
	v.cache.add(sig, now)
	return types.Valid()
}

// ValidatePersisted is the second pass run by the processor against a stored record.
// Duplicate detection goes to the store and excludes the record itself.
func (v *Validator) ValidatePersisted(ctx context.Context, rec *store.SignalRecord) types.ValidationResult {
	if rec == nil {
		return types.Invalid("Signal record is empty", nil)
	}
	sig := rec.Candidate()
	if res := v.checkCommon(ctx, sig); !res.Valid {
		return v.reject(sig, res)
	}
	if res := v.checkExactDuplicate(ctx, sig, rec.ID); !res.Valid {
		return v.reject(sig, res)
	}
	if v.lookup == nil {
		return types.Valid()
	}
	match, err := v.lookup.FindRecentMatching(ctx, store.RecentQuery{
		Symbol:           sig.Symbol,
		Direction:        sig.Direction,
		Type:             sig.Type,
		Channel:          sig.Channel,
		Around:           v.nowFn(),
		Window:           v.cfg.DuplicateWindow,
		ExcludeID:        rec.ID,
		ExcludeMessageID: sig.MessageID,
		Before:           rec.CreatedAt,
	})
	if err != nil {
		logger.Warnf("[validator] near-duplicate lookup failed id=%s: %v", rec.ID, err)
		return types.Unavailable("near-duplicate lookup failed", err)
	}
	if match != nil && pricesSimilar(match.Candidate(), sig, v.cfg.PriceTolerance) {
		return v.reject(sig, duplicateResult("near", match.MessageID, match.ChatID, match.ID))
	}
	return types.Valid()
}

func (v *Validator) checkCommon(ctx context.Context, sig *types.CandidateSignal) types.ValidationResult {
	if res := checkRequiredFields(sig); !res.Valid {
		return res
	}
	if res := v.checkAge(sig); !res.Valid {
		return res
	}
	return v.checkSymbol(ctx, sig.Symbol)
}

func checkRequiredFields(sig *types.CandidateSignal) types.ValidationResult {
	switch {
	case strings.TrimSpace(sig.Symbol) == "":
		return types.Invalid("Missing symbol", nil)
	case !sig.Direction.Valid():
		return types.Invalid(fmt.Sprintf("Invalid direction: %q", sig.Direction), nil)
	case sig.EntryPrice <= 0:
		return types.Invalid("Invalid entry price", map[string]any{"entry_price": sig.EntryPrice})
	case sig.StopLoss <= 0:
		return types.Invalid("Invalid stop loss", map[string]any{"stop_loss": sig.StopLoss})
	case len(sig.TakeProfits) == 0:
		return types.Invalid("No take profit levels", nil)
	}
	if !types.PriceOrderingValid(sig.Direction, sig.EntryPrice, sig.StopLoss, sig.TakeProfitPrices()) {
		return types.Invalid("Invalid price levels for "+strings.ToUpper(string(sig.Direction))+" signal", map[string]any{
			"entry_price":  sig.EntryPrice,
			"stop_loss":    sig.StopLoss,
			"take_profits": sig.TakeProfitPrices(),
		})
	}
	if !types.TakeProfitsOrdered(sig.Direction, sig.TakeProfits) {
		return types.Invalid("Take profits out of order for "+strings.ToUpper(string(sig.Direction))+" signal", map[string]any{
			"take_profits": sig.TakeProfitPrices(),
		})
	}
	return types.Valid()
}

func (v *Validator) checkAge(sig *types.CandidateSignal) types.ValidationResult {
	if sig.Timestamp.IsZero() {
		return types.Valid()
	}
	age := v.nowFn().Sub(sig.Timestamp)
	if age <= v.cfg.MaxSignalAge {
		return types.Valid()
	}
	minutes := math.Round(age.Minutes()*10) / 10
	return types.Invalid(fmt.Sprintf("Signal too old: %.1f minutes", minutes), map[string]any{
		"age_minutes":     minutes,
		"max_age_minutes": v.cfg.MaxSignalAge.Minutes(),
	})
}

func (v *Validator) checkSymbol(ctx context.Context, symbol string) types.ValidationResult {
	if v.symbols == nil || !v.symbols.IsConnected() {
		if syntacticSymbolRe.MatchString(symbol) {
			return types.Valid()
		}
		return types.Invalid("Invalid symbol format: "+symbol, nil)
	}
	v.mu.Lock()
	available := v.available
	v.mu.Unlock()
	if len(available) > 0 {
		if _, ok := available[strings.ToUpper(symbol)]; ok {
			return types.Valid()
		}
		return types.Invalid("Symbol not available: "+symbol, nil)
	}
	if v.symbols.IsSymbolAvailable(ctx, symbol) {
		return types.Valid()
	}
	return types.Invalid("Symbol not available: "+symbol, nil)
}

func (v *Validator) checkExactDuplicate(ctx context.Context, sig *types.CandidateSignal, selfID string) types.ValidationResult {
	if v.lookup == nil || sig.MessageID == 0 {
		return types.Valid()
	}
	existing, err := v.lookup.FindByNaturalKey(ctx, sig.MessageID, sig.ChatID)
	if err != nil {
		logger.Warnf("[validator] exact-duplicate lookup failed message=%d chat=%d: %v", sig.MessageID, sig.ChatID, err)
		return types.Unavailable("duplicate lookup failed", err)
	}
	if existing == nil || existing.ID == selfID {
		return types.Valid()
	}
	return duplicateResult("exact", existing.MessageID, existing.ChatID, existing.ID)
}

func duplicateResult(kind string, messageID, chatID int64, originalID string) types.ValidationResult {
	details := map[string]any{
		"duplicate_type":      kind,
		"original_message_id": messageID,
		"original_chat_id":    chatID,
	}
	if originalID != "" {
		details["original_signal_id"] = originalID
	}
	reason := "Duplicate signal"
	if kind == "near" {
		reason = "Duplicate signal (similar signal within window)"
	}
	return types.Invalid(reason, details)
}

func (v *Validator) reject(sig *types.CandidateSignal, res types.ValidationResult) types.ValidationResult {
	if res.Err != nil {
		return res
	}
	logger.Infof("[validator] rejected %s %s message=%d: %s", sig.Symbol, sig.Direction, sig.MessageID, res.Reason)
	return res
}

// IsDuplicate reports whether a failed result came from the duplicate gate.
func IsDuplicate(res types.ValidationResult) bool {
	if res.Valid || res.Details == nil {
		return false
	}
	_, ok := res.Details["duplicate_type"]
	return ok
}

// UpdateAvailableSymbols replaces the broker-reported symbol list.
func (v *Validator) UpdateAvailableSymbols(symbols []string) {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			set[s] = struct{}{}
		}
	}
	v.mu.Lock()
	v.available = set
	v.mu.Unlock()
	logger.Infof("[validator] available symbols updated: %d", len(set))
}

// AvailableSymbols returns the cached broker symbol list, sorted.
func (v *Validator) AvailableSymbols() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.available))
	for s := range v.available {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ClearCache empties the recency cache, e.g. after a reconnect.
func (v *Validator) ClearCache() {
	v.mu.Lock()
	n := v.cache.len()
	v.cache.clear()
	v.mu.Unlock()
	logger.Infof("[validator] recency cache cleared (%d entries)", n)
}

func (v *Validator) CacheSize() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cache.len()
}
