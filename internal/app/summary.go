package app

import (
	"fmt"
	"sort"
	"strings"

	"signalbridge/internal/config"
	cfgloader "signalbridge/internal/config/loader"
)

type StartupSummary struct {
	Broker   BrokerSummary
	Symbols  []string
	Sessions []string
	Risk     config.RiskConfig
	Queue    config.QueueConfig
	Ingest   []string
}

type BrokerSummary struct {
	Mode  string
	Venue string
	URL   string
}

func newStartupSummary(cfg *config.Config, venue string, sessions *cfgloader.SessionsLoader) *StartupSummary {
	s := &StartupSummary{
		Broker:  BrokerSummary{Mode: cfg.Broker.Mode, Venue: venue, URL: cfg.Broker.APIURL},
		Symbols: cfg.Signal.SymbolsUpper(),
		Risk:    cfg.Risk,
		Queue:   cfg.Queue,
	}
	if sessions != nil {
		snap := sessions.Snapshot()
		if len(snap.Symbols) > 0 {
			s.Symbols = snap.Symbols
		}
		for _, def := range snap.Sessions {
			s.Sessions = append(s.Sessions, fmt.Sprintf("%s %s-%s %s [%s]",
				def.Name, def.Start, def.End, def.Timezone, strings.Join(def.Symbols, ",")))
		}
	}
	if cfg.Telegram.Enabled {
		s.Ingest = append(s.Ingest, fmt.Sprintf("telegram (%d channels)", len(cfg.Telegram.Channels)))
	}
	if cfg.Ingest.WebhookEnabled {
		s.Ingest = append(s.Ingest, "webhook POST /api/signals/ingest")
	}
	s.Ingest = append(s.Ingest, "admin POST /api/signals")
	return s
}

// Render 生成启动摘要文本。
func (s *StartupSummary) Render() string {
	var b strings.Builder
	line := strings.Repeat("=", 60)
	b.WriteString(line + "\n")
	b.WriteString("启动配置摘要 (STARTUP SUMMARY)\n")
	b.WriteString(line + "\n")

	b.WriteString("[交易通道 (BROKER)]\n")
	fmt.Fprintf(&b, "  模式: %s (%s)\n", s.Broker.Mode, s.Broker.Venue)
	if s.Broker.URL != "" {
		fmt.Fprintf(&b, "  地址: %s\n", s.Broker.URL)
	}

	b.WriteString("[品种 (SYMBOLS)]\n")
	syms := append([]string(nil), s.Symbols...)
	sort.Strings(syms)
	fmt.Fprintf(&b, "  %s\n", formatList(syms))

	b.WriteString("[交易时段 (SESSIONS)]\n")
	if len(s.Sessions) == 0 {
		b.WriteString("  (无配置)\n")
	}
	for _, sess := range s.Sessions {
		fmt.Fprintf(&b, "  - %s\n", sess)
	}

	b.WriteString("[风控 (RISK)]\n")
	if s.Risk.PositionSizing == config.SizingFixed {
		fmt.Fprintf(&b, "  仓位: fixed %.2f lots\n", s.Risk.FixedLotSize)
	} else {
		fmt.Fprintf(&b, "  仓位: risk %.2f%% / trade\n", s.Risk.RiskPerTradePct)
	}
	fmt.Fprintf(&b, "  最大持仓: %d  单日亏损: %.2f%%  单品种风险: %.2f%%\n",
		s.Risk.MaxOpenTrades, s.Risk.MaxDailyLossPct, s.Risk.MaxSymbolRiskPct)
	fmt.Fprintf(&b, "  交易时段限制: %v\n", s.Risk.EnforceSessions)

	b.WriteString("[队列 (QUEUE)]\n")
	fmt.Fprintf(&b, "  容量: %d  重试: %d  过期: %ds\n", s.Queue.MaxSize, s.Queue.MaxRetries, s.Queue.ExpirySeconds)

	b.WriteString("[信号来源 (INGEST)]\n")
	for _, src := range s.Ingest {
		fmt.Fprintf(&b, "  - %s\n", src)
	}
	b.WriteString(line)
	return b.String()
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
