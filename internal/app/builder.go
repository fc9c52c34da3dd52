package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"signalbridge/internal/config"
	cfgloader "signalbridge/internal/config/loader"
	"signalbridge/internal/executor"
	"signalbridge/internal/gateway/broker"
	"signalbridge/internal/gateway/notifier"
	"signalbridge/internal/ingest"
	"signalbridge/internal/logger"
	"signalbridge/internal/parser"
	"signalbridge/internal/processor"
	"signalbridge/internal/queue"
	"signalbridge/internal/risk"
	"signalbridge/internal/service"
	"signalbridge/internal/stats"
	"signalbridge/internal/store"
	"signalbridge/internal/store/gormstore"
	"signalbridge/internal/store/journal"
	adminhttp "signalbridge/internal/transport/http/admin"
	"signalbridge/internal/validator"

	"go.uber.org/multierr"
)

type AppBuilder struct {
	cfg *config.Config

	venueFn    func(config.BrokerConfig) (broker.Venue, error)
	storeFn    func(config.DatabaseConfig) (storeSetup, error)
	notifierFn func(config.TelegramConfig) notifier.TextNotifier
	ingestFn   func(config.TelegramConfig, *ingest.Feed) (Runner, error)
}

type AppBuilderOption func(*AppBuilder)

// WithVenue 替换交易通道（测试使用 PaperBroker）。
func WithVenue(v broker.Venue) AppBuilderOption {
	return func(b *AppBuilder) {
		b.venueFn = func(config.BrokerConfig) (broker.Venue, error) { return v, nil }
	}
}

func WithNotifier(n notifier.TextNotifier) AppBuilderOption {
	return func(b *AppBuilder) {
		b.notifierFn = func(config.TelegramConfig) notifier.TextNotifier { return n }
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		venueFn:    buildVenue,
		storeFn:    openStores,
		notifierFn: buildNotifier,
		ingestFn:   buildTelegramSource,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Runner 是由 App 的 errgroup 托管的长驻组件。
type Runner interface {
	Run(ctx context.Context) error
}

type storeSetup struct {
	store   store.Store
	journal executor.Journal
	closers []io.Closer
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	stores, err := b.storeFn(cfg.Database)
	if err != nil {
		return nil, err
	}
	built := false
	defer func() {
		if !built {
			_ = closeAll(stores.closers)
		}
	}()

	venue, err := b.venueFn(cfg.Broker)
	if err != nil {
		return nil, err
	}
	conn := broker.NewConnection(venue, broker.ConnectionConfig{
		HealthCheckInterval: cfg.Broker.HealthCheckInterval(),
		RetryDelay:          cfg.Broker.ReconnectDelay(),
		MaxAttempts:         cfg.Broker.MaxReconnectAttempts,
	})

	textNotifier := b.notifierFn(cfg.Telegram)
	var async *notifier.Async
	if textNotifier != nil {
		async = notifier.NewAsync(textNotifier, 0)
	}

	sigParser := parser.New(cfg.Signal.SymbolsUpper())
	sigValidator := validator.New(validator.Config{
		MaxSignalAge:    cfg.Signal.MaxAge(),
		DuplicateWindow: cfg.Signal.DuplicateWindow(),
		CacheSize:       cfg.Signal.CacheSize,
		PriceTolerance:  cfg.Signal.PriceTolerance,
	}, venue, stores.store)
	conn.OnSymbols(sigValidator.UpdateAvailableSymbols)

	hours, _ := risk.NewSessions(nil)
	sessions, err := b.loadSessions(cfg)
	if err != nil {
		return nil, err
	}
	if sessions != nil {
		sessions.Subscribe(func(snap cfgloader.SessionsSnapshot) {
			applySessions(snap, hours, sigParser, cfg.Signal.SymbolsUpper())
		})
	}

	riskManager := risk.NewManager(risk.ManagerConfig{
		MinAccountBalance:  cfg.Risk.MinAccountBalance,
		MaxDailyLossPct:    cfg.Risk.MaxDailyLossPct,
		MaxDailyLossAmount: cfg.Risk.MaxDailyLossAmount,
		Cooldown:           cfg.Risk.Cooldown(),
	}, venue)
	sizer := risk.NewSizer(risk.SizerConfig{
		Mode:             risk.SizingMode(cfg.Risk.PositionSizing),
		FixedLotSize:     cfg.Risk.FixedLotSize,
		RiskPerTradePct:  cfg.Risk.RiskPerTradePct,
		MaxOpenTrades:    cfg.Risk.MaxOpenTrades,
		MaxSymbolRiskPct: cfg.Risk.MaxSymbolRiskPct,
	}, venue)
	recorder := stats.NewRecorder(stores.store, riskManager)
	// 不能直接传 async：nil *Async 会变成非 nil 接口
	report := stats.NewDailyReport(recorder, nil)
	if async != nil {
		report = stats.NewDailyReport(recorder, async)
	}

	execParams := executor.Params{
		Config: executor.Config{
			MonitorInterval:       cfg.Executor.MonitorInterval(),
			BreakevenOffsetPoints: cfg.Executor.BreakevenOffsetPoints,
			Magic:                 cfg.Executor.Magic,
			Comment:               cfg.Executor.Comment,
			EnforceSessions:       cfg.Risk.EnforceSessions,
		},
		Broker:    venue,
		Sizer:     sizer,
		Gate:      riskManager,
		Store:     stores.store,
		Journal:   stores.journal,
		Listeners: []executor.TradeListener{recorder},
	}
	if cfg.Risk.EnforceSessions {
		execParams.Hours = hours
	}
	if async != nil {
		execParams.Notifier = async
	}
	exec, err := executor.New(execParams)
	if err != nil {
		return nil, err
	}

	signalQueue := queue.New(queue.Config{
		MaxSize: cfg.Queue.MaxSize,
		Expiry:  cfg.Queue.Expiry(),
	})
	procParams := processor.Params{
		Config: processor.Config{
			MaxRetries:    processorRetries(cfg.Queue.MaxRetries),
			SweepInterval: cfg.Queue.SweepInterval(),
		},
		Queue:     signalQueue,
		Store:     stores.store,
		Validator: sigValidator,
		Executor:  exec,
	}
	if async != nil {
		procParams.Notifier = async
	}
	proc, err := processor.New(procParams)
	if err != nil {
		return nil, err
	}

	caches := []service.CacheClearer{}
	if clearer, ok := venue.(service.CacheClearer); ok {
		caches = append(caches, clearer)
	}
	svc, err := service.New(service.Params{
		Parser:    sigParser,
		Validator: sigValidator,
		Store:     stores.store,
		Queue:     signalQueue,
		Trades:    exec,
		Stats:     recorder,
		Caches:    caches,
	})
	if err != nil {
		return nil, err
	}

	feed := ingest.NewFeed(cfg.Ingest.Buffer)
	var sources []Runner
	if cfg.Telegram.Enabled {
		src, err := b.ingestFn(cfg.Telegram, feed)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}

	var decoder *ingest.WebhookDecoder
	if cfg.Ingest.WebhookEnabled {
		if decoder, err = ingest.NewWebhookDecoder(); err != nil {
			return nil, err
		}
	}
	server, err := adminhttp.NewServer(adminhttp.ServerConfig{
		Addr:   cfg.App.HTTPAddr,
		Router: adminhttp.NewRouter(svc, decoder, feed, conn),
	})
	if err != nil {
		return nil, err
	}

	built = true
	return &App{
		cfg:       cfg,
		conn:      conn,
		executor:  exec,
		processor: proc,
		service:   svc,
		feed:      feed,
		sources:   sources,
		notifier:  async,
		report:    report,
		sessions:  sessions,
		http:      server,
		closers:   stores.closers,
		Summary:   newStartupSummary(cfg, venue.Name(), sessions),
	}, nil
}

// loadSessions 时段文件缺失时仅在 enforce_sessions 下报错。
func (b *AppBuilder) loadSessions(cfg *config.Config) (*cfgloader.SessionsLoader, error) {
	path := strings.TrimSpace(cfg.Signal.SessionsPath)
	if path == "" {
		if cfg.Risk.EnforceSessions {
			return nil, fmt.Errorf("risk.enforce_sessions requires signal.sessions_path")
		}
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !cfg.Risk.EnforceSessions {
			logger.Warnf("[app] sessions file %s not found, trading hours not loaded", path)
			return nil, nil
		}
		return nil, fmt.Errorf("sessions file %s: %w", path, err)
	}
	loader, err := cfgloader.NewSessionsLoader(path)
	if err != nil {
		return nil, fmt.Errorf("加载交易时段失败: %w", err)
	}
	return loader, nil
}

// applySessions 将热加载的时段表写入市场时段闸门，并刷新解析器的品种集合。
func applySessions(snap cfgloader.SessionsSnapshot, hours *risk.Sessions, p *parser.Parser, fallback []string) {
	list := make([]risk.Session, 0, len(snap.Sessions))
	for _, s := range snap.Sessions {
		list = append(list, risk.Session{
			Name:     s.Name,
			Start:    s.Start,
			End:      s.End,
			Symbols:  s.Symbols,
			Timezone: s.Timezone,
		})
	}
	if err := hours.Update(list); err != nil {
		logger.Errorf("[app] sessions v%d rejected: %v", snap.Version, err)
	} else {
		logger.Infof("[app] sessions v%d applied (%d sessions)", snap.Version, len(list))
	}
	symbols := snap.Symbols
	if len(symbols) == 0 {
		symbols = fallback
	}
	p.UpdateSymbols(symbols)
}

// processorRetries 配置中的 0 表示不重试，processor 以负数表达该语义。
func processorRetries(v int) int {
	if v == 0 {
		return -1
	}
	return v
}

func buildVenue(cfg config.BrokerConfig) (broker.Venue, error) {
	switch cfg.Mode {
	case config.BrokerModeBridge:
		return broker.NewBridgeClient(broker.BridgeConfig{
			APIURL:           cfg.APIURL,
			Token:            cfg.Token,
			Timeout:          cfg.Timeout(),
			BreakerThreshold: cfg.BreakerThreshold,
			BreakerCooldown:  cfg.BreakerTimeout(),
		})
	case config.BrokerModePaper, "":
		symbols := make([]broker.SymbolInfo, 0, len(cfg.PaperSymbols))
		for _, s := range cfg.PaperSymbols {
			symbols = append(symbols, broker.SymbolInfo{
				Symbol:     s.Symbol,
				MinVolume:  s.MinVolume,
				MaxVolume:  s.MaxVolume,
				VolumeStep: s.VolumeStep,
				Point:      s.Point,
				TickValue:  s.TickValue,
				TickSize:   s.TickSize,
				Digits:     s.Digits,
			})
		}
		logger.Warnf("[app] broker.mode=paper: orders are simulated in memory")
		return broker.NewPaperBroker(broker.PaperConfig{Balance: cfg.PaperBalance, Symbols: symbols}), nil
	default:
		return nil, fmt.Errorf("unknown broker.mode %q", cfg.Mode)
	}
}

func openStores(cfg config.DatabaseConfig) (storeSetup, error) {
	gs, err := gormstore.NewGormStore(cfg.Path)
	if err != nil {
		return storeSetup{}, fmt.Errorf("初始化 gorm 存储失败: %w", err)
	}
	out := storeSetup{store: gs, closers: []io.Closer{gs}}
	if strings.TrimSpace(cfg.JournalPath) == "" {
		return out, nil
	}
	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		_ = gs.Close()
		return storeSetup{}, fmt.Errorf("初始化执行日志失败: %w", err)
	}
	out.journal = j
	out.closers = append(out.closers, j)
	return out, nil
}

func buildNotifier(cfg config.TelegramConfig) notifier.TextNotifier {
	if !cfg.NotifyEnabled {
		return nil
	}
	return notifier.NewTelegram(cfg.BotToken, cfg.NotifyChatID)
}

func buildTelegramSource(cfg config.TelegramConfig, feed *ingest.Feed) (Runner, error) {
	return ingest.NewTelegramSource(ingest.TelegramConfig{
		BotToken: cfg.BotToken,
		Channels: cfg.Channels,
	}, feed)
}

func closeAll(closers []io.Closer) error {
	var err error
	for i := len(closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, closers[i].Close())
	}
	return err
}
