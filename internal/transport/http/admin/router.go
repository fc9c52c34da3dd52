// Package adminhttp exposes the administrative JSON API over gin.
package adminhttp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"signalbridge/internal/executor"
	"signalbridge/internal/gateway/broker"
	"signalbridge/internal/ingest"
	"signalbridge/internal/queue"
	"signalbridge/internal/scheduler"
	"signalbridge/internal/service"
	"signalbridge/internal/stats"
	"signalbridge/internal/store"
	"signalbridge/internal/types"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
)

const (
	maxBodyBytes   = 64 << 10
	dayLayout      = "2006-01-02"
	defaultStatsIn = 7 * 24 * time.Hour
)

// SignalService 由 service.Service 实现。
type SignalService interface {
	SubmitMessage(ctx context.Context, msg ingest.Message) (*store.SignalRecord, error)
	ResubmitSignal(ctx context.Context, id string) (*store.SignalRecord, error)
	GetSignal(ctx context.Context, id string) (*store.SignalRecord, error)
	ListSignals(ctx context.Context, f store.SignalFilter) ([]store.SignalRecord, int64, error)
	CancelSignal(ctx context.Context, id string) (*store.SignalRecord, error)
	QueueStats() queue.Stats
	ClearCaches()
	ActiveTrades() []executor.Trade
	CloseAllTrades(ctx context.Context) error
	ListTrades(ctx context.Context, f store.TradeFilter) ([]store.TradeRecord, error)
	DailyStats(ctx context.Context, from, to time.Time) ([]store.DailyStats, stats.Summary, error)
}

// HealthReporter is satisfied by *broker.Connection.
type HealthReporter interface {
	Status() broker.ConnectionStatus
}

type Router struct {
	Service SignalService
	Decoder *ingest.WebhookDecoder
	// Feed 非空时 webhook 异步投递到 ingest 队列，否则同步提交。
	Feed   *ingest.Feed
	Health HealthReporter
	nowFn  func() time.Time
}

func NewRouter(svc SignalService, decoder *ingest.WebhookDecoder, feed *ingest.Feed, health HealthReporter) *Router {
	return &Router{Service: svc, Decoder: decoder, Feed: feed, Health: health, nowFn: time.Now}
}

func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/signals", r.handleSubmit)
	group.POST("/signals/ingest", r.handleIngest)
	group.GET("/signals", r.handleListSignals)
	group.GET("/signals/:id", r.handleGetSignal)
	group.POST("/signals/:id/cancel", r.handleCancel)
	group.POST("/signals/:id/resubmit", r.handleResubmit)
	group.GET("/queue/stats", r.handleQueueStats)
	group.POST("/admin/clear-caches", r.handleClearCaches)
	group.GET("/trades", r.handleTrades)
	group.POST("/trades/close-all", r.handleCloseAll)
	group.GET("/stats/daily", r.handleDailyStats)
}

func (r *Router) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if r.Health != nil {
		st := r.Health.Status()
		body["broker"] = st
		if !st.Connected {
			body["status"] = "degraded"
		}
	}
	c.JSON(http.StatusOK, body)
}

func (r *Router) decode(c *gin.Context) (ingest.Message, bool) {
	if r.Decoder == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ingest decoder not configured"})
		return ingest.Message{}, false
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return ingest.Message{}, false
	}
	msg, err := r.Decoder.Decode(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return ingest.Message{}, false
	}
	return msg, true
}

// handleSubmit runs the message through the pipeline synchronously.
func (r *Router) handleSubmit(c *gin.Context) {
	msg, ok := r.decode(c)
	if !ok {
		return
	}
	rec, err := r.Service.SubmitMessage(c.Request.Context(), msg)
	if err != nil {
		writeError(c, err, rec)
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

func (r *Router) handleIngest(c *gin.Context) {
	msg, ok := r.decode(c)
	if !ok {
		return
	}
	if r.Feed == nil {
		r.submitDirect(c, msg)
		return
	}
	if err := r.Feed.TryPublish(msg); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "message_id": msg.MessageID})
}

func (r *Router) submitDirect(c *gin.Context, msg ingest.Message) {
	rec, err := r.Service.SubmitMessage(c.Request.Context(), msg)
	if err != nil {
		writeError(c, err, rec)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "message_id": msg.MessageID, "signal": rec})
}

func (r *Router) handleListSignals(c *gin.Context) {
	f := store.SignalFilter{
		Channel: strings.TrimSpace(c.Query("channel")),
		Symbol:  strings.TrimSpace(c.Query("symbol")),
	}
	var err error
	if f.Skip, err = queryInt(c, "skip", 0); err != nil || f.Skip < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "skip must be a non-negative integer"})
		return
	}
	if f.Limit, err = queryInt(c, "limit", 100); err != nil || f.Limit <= 0 || f.Limit > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
		return
	}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		st, ok := types.ParseSignalStatus(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status: " + raw})
			return
		}
		f.Status = st
	}
	list, total, err := r.Service.ListSignals(c.Request.Context(), f)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": list, "total": total, "skip": f.Skip, "limit": f.Limit})
}

func (r *Router) handleGetSignal(c *gin.Context) {
	rec, err := r.Service.GetSignal(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (r *Router) handleCancel(c *gin.Context) {
	rec, err := r.Service.CancelSignal(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, rec)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (r *Router) handleResubmit(c *gin.Context) {
	rec, err := r.Service.ResubmitSignal(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, rec)
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

func (r *Router) handleQueueStats(c *gin.Context) {
	c.JSON(http.StatusOK, r.Service.QueueStats())
}

func (r *Router) handleClearCaches(c *gin.Context) {
	r.Service.ClearCaches()
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

func (r *Router) handleTrades(c *gin.Context) {
	if cast.ToBool(c.Query("active")) {
		c.JSON(http.StatusOK, gin.H{"trades": r.Service.ActiveTrades()})
		return
	}
	limit, err := queryInt(c, "limit", 200)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	list, err := r.Service.ListTrades(c.Request.Context(), store.TradeFilter{
		Symbol:   strings.TrimSpace(c.Query("symbol")),
		State:    strings.ToUpper(strings.TrimSpace(c.Query("state"))),
		SignalID: strings.TrimSpace(c.Query("signal_id")),
		Limit:    limit,
	})
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": list})
}

func (r *Router) handleCloseAll(c *gin.Context) {
	if err := r.Service.CloseAllTrades(c.Request.Context()); err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}

// handleDailyStats accepts from/to (YYYY-MM-DD) or a trailing range such as "30d".
func (r *Router) handleDailyStats(c *gin.Context) {
	now := r.nowFn().UTC()
	to := now
	from := now.Add(-defaultStatsIn)
	if raw := strings.TrimSpace(c.Query("range")); raw != "" {
		d, ok := scheduler.ParseIntervalDuration(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid range: " + raw})
			return
		}
		from = now.Add(-d)
	}
	var err error
	if raw := strings.TrimSpace(c.Query("from")); raw != "" {
		if from, err = time.Parse(dayLayout, raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be YYYY-MM-DD"})
			return
		}
	}
	if raw := strings.TrimSpace(c.Query("to")); raw != "" {
		if to, err = time.Parse(dayLayout, raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be YYYY-MM-DD"})
			return
		}
	}
	days, summary, err := r.Service.DailyStats(c.Request.Context(), from, to)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"days": days, "summary": summary})
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def, nil
	}
	return cast.ToIntE(raw)
}

// writeError maps pipeline errors to status codes. rec, when present, is
// returned alongside so callers see the persisted outcome.
func writeError(c *gin.Context, err error, rec *store.SignalRecord) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrStructuralParse):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrValidation),
		errors.Is(err, service.ErrNotCancellable),
		errors.Is(err, types.ErrIllegalTransition):
		status = http.StatusConflict
	case errors.Is(err, types.ErrQueueFull):
		status = http.StatusTooManyRequests
	case errors.Is(err, types.ErrConnection):
		status = http.StatusServiceUnavailable
	}
	body := gin.H{"error": errorText(err)}
	if rec != nil {
		body["signal"] = rec
	}
	c.JSON(status, body)
}

func errorText(err error) string {
	var pe *types.PipelineError
	if errors.As(err, &pe) {
		return types.FailureReason(err)
	}
	return err.Error()
}
