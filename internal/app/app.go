package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"signalbridge/internal/config"
	cfgloader "signalbridge/internal/config/loader"
	"signalbridge/internal/executor"
	"signalbridge/internal/gateway/broker"
	"signalbridge/internal/gateway/notifier"
	"signalbridge/internal/ingest"
	"signalbridge/internal/logger"
	"signalbridge/internal/processor"
	"signalbridge/internal/service"
	"signalbridge/internal/stats"
	adminhttp "signalbridge/internal/transport/http/admin"

	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// App 负责应用级编排：连接交易通道→恢复持仓→启动消费、监控、入站与 HTTP。
type App struct {
	cfg       *config.Config
	conn      *broker.Connection
	executor  *executor.Executor
	processor *processor.Processor
	service   *service.Service
	feed      *ingest.Feed
	sources   []Runner
	notifier  *notifier.Async
	report    *stats.DailyReport
	sessions  *cfgloader.SessionsLoader
	http      *adminhttp.Server
	closers   []io.Closer
	Summary   *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 阻塞直到 ctx 结束或任一组件返回错误。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.close()

	if a.Summary != nil {
		logger.InfoBlock(a.Summary.Render())
	}
	if err := a.conn.Start(ctx); err != nil {
		return fmt.Errorf("broker connect failed: %w", err)
	}
	if n, err := a.executor.Restore(ctx); err != nil {
		logger.Warnf("[app] restore active trades failed: %v", err)
	} else if n > 0 {
		logger.Infof("[app] restored %d active trades", n)
	}
	if a.sessions != nil {
		a.sessions.Watch()
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.http.Start(ctx); err != nil {
			return fmt.Errorf("admin http server error: %w", err)
		}
		return nil
	})
	group.Go(func() error { return a.conn.Run(ctx) })
	group.Go(func() error { return a.processor.Run(ctx) })
	group.Go(func() error { return a.executor.RunMonitor(ctx) })
	group.Go(func() error { return a.service.RunIngest(ctx, a.feed) })
	group.Go(func() error { return a.report.Run(ctx) })
	for _, src := range a.sources {
		src := src
		group.Go(func() error { return src.Run(ctx) })
	}
	if a.notifier != nil {
		group.Go(func() error { return a.notifier.Run(ctx) })
	}
	logger.Infof("[app] signalbridge running (broker=%s, http=%s)", a.cfg.Broker.Mode, a.http.Addr())
	return group.Wait()
}

// Service exposes the administrative surface (for tests and embedding).
func (a *App) Service() *service.Service {
	if a == nil {
		return nil
	}
	return a.service
}

func (a *App) close() {
	if a.feed != nil {
		a.feed.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.conn.Disconnect(ctx); err != nil {
		logger.Warnf("[app] broker disconnect: %v", err)
	}
	if err := closeAll(a.closers); err != nil {
		logger.Warnf("[app] close stores: %v", err)
	}
	a.closers = nil
}
