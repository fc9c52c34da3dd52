package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"signalbridge/internal/logger"
	"signalbridge/internal/pkg/circuit"
	"signalbridge/internal/types"

	"github.com/tidwall/gjson"
)

// MT5 成交回报码
const (
	RetcodePlaced = 10008
	RetcodeDone   = 10009
)

var errRemoteNotFound = errors.New("bridge: not found")

// errRemote is a non-transport failure reported by the bridge (4xx).
type errRemote struct {
	status int
	body   string
}

func (e *errRemote) Error() string {
	if e.body == "" {
		return fmt.Sprintf("bridge returned %d", e.status)
	}
	return fmt.Sprintf("bridge returned %d: %s", e.status, e.body)
}

type BridgeConfig struct {
	APIURL           string
	Token            string
	Timeout          time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// BridgeClient talks to an MT5 terminal through a JSON HTTP bridge.
type BridgeClient struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
	breaker    *circuit.Breaker

	mu        sync.RWMutex
	connected bool
	infoCache map[string]SymbolInfo
}

func NewBridgeClient(cfg BridgeConfig) (*BridgeClient, error) {
	raw := strings.TrimSpace(cfg.APIURL)
	if raw == "" {
		return nil, fmt.Errorf("broker.api_url 不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("解析 broker.api_url 失败: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("broker.api_url 需要 http(s) 地址: %s", raw)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	c := &BridgeClient{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		token:      strings.TrimSpace(cfg.Token),
		breaker:    circuit.New("mt5-bridge", cfg.BreakerThreshold, cfg.BreakerCooldown),
		infoCache:  make(map[string]SymbolInfo),
	}
	c.breaker.OnStateChange(func(_ string, _, to circuit.State) {
		if to == circuit.StateOpen {
			c.setConnected(false)
		}
	})
	return c, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (c *BridgeClient) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

func (c *BridgeClient) Name() string { return "mt5-bridge" }

func (c *BridgeClient) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *BridgeClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Connect asks the bridge to (re)initialise its terminal session.
func (c *BridgeClient) Connect(ctx context.Context) error {
	c.breaker.Reset()
	res, err := c.call(ctx, http.MethodPost, "/connect", nil)
	if err != nil {
		c.setConnected(false)
		return err
	}
	if res.Get("connected").Exists() && !res.Get("connected").Bool() {
		c.setConnected(false)
		return fmt.Errorf("%w: %s", ErrNotConnected, res.Get("error").String())
	}
	c.setConnected(true)
	logger.Infof("[broker] connected to %s account=%s server=%s", c.baseURL.Redacted(),
		res.Get("login").String(), res.Get("server").String())
	return nil
}

func (c *BridgeClient) Disconnect(ctx context.Context) error {
	defer c.setConnected(false)
	_, err := c.call(ctx, http.MethodPost, "/disconnect", nil)
	return err
}

// Ping checks terminal health; a bridge that answers but lost its terminal counts as down.
func (c *BridgeClient) Ping(ctx context.Context) error {
	res, err := c.call(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		c.setConnected(false)
		return err
	}
	if !res.Get("connected").Bool() {
		c.setConnected(false)
		return fmt.Errorf("%w: terminal reports disconnected", ErrNotConnected)
	}
	c.setConnected(true)
	return nil
}

// ClearCache drops cached contract parameters.
func (c *BridgeClient) ClearCache() {
	c.mu.Lock()
	c.infoCache = make(map[string]SymbolInfo)
	c.mu.Unlock()
}

func (c *BridgeClient) IsSymbolAvailable(ctx context.Context, symbol string) bool {
	_, err := c.SymbolInfo(ctx, symbol)
	return err == nil
}

func (c *BridgeClient) AvailableSymbols(ctx context.Context) ([]string, error) {
	res, err := c.call(ctx, http.MethodGet, "/symbols", nil)
	if err != nil {
		return nil, err
	}
	var out []string
	res.Get("symbols").ForEach(func(_, v gjson.Result) bool {
		name := v.String()
		if v.IsObject() {
			name = v.Get("name").String()
		}
		if name = strings.ToUpper(strings.TrimSpace(name)); name != "" {
			out = append(out, name)
		}
		return true
	})
	sort.Strings(out)
	return out, nil
}

func (c *BridgeClient) SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	c.mu.RLock()
	info, ok := c.infoCache[symbol]
	c.mu.RUnlock()
	if ok {
		return info, nil
	}
	res, err := c.call(ctx, http.MethodGet, "/symbols/"+symbol, nil)
	if err != nil {
		if errors.Is(err, errRemoteNotFound) {
			return SymbolInfo{}, fmt.Errorf("symbol %s not available", symbol)
		}
		return SymbolInfo{}, err
	}
	info = SymbolInfo{
		Symbol:     symbol,
		MinVolume:  res.Get("volume_min").Float(),
		MaxVolume:  res.Get("volume_max").Float(),
		VolumeStep: res.Get("volume_step").Float(),
		Point:      res.Get("point").Float(),
		TickValue:  res.Get("trade_tick_value").Float(),
		TickSize:   res.Get("trade_tick_size").Float(),
		Digits:     int(res.Get("digits").Int()),
	}
	if info.Point <= 0 || info.VolumeStep <= 0 {
		return SymbolInfo{}, fmt.Errorf("bridge returned incomplete symbol info for %s", symbol)
	}
	c.mu.Lock()
	c.infoCache[symbol] = info
	c.mu.Unlock()
	return info, nil
}

type bridgeOrderPayload struct {
	Symbol     string  `json:"symbol"`
	Type       string  `json:"type"`
	Volume     float64 `json:"volume"`
	Price      float64 `json:"price,omitempty"`
	StopLoss   float64 `json:"sl,omitempty"`
	TakeProfit float64 `json:"tp,omitempty"`
	Deviation  int     `json:"deviation"`
	Magic      int     `json:"magic"`
	Comment    string  `json:"comment,omitempty"`
}

func (c *BridgeClient) PlaceMarketOrder(ctx context.Context, req OrderRequest) (PlaceOrderResult, error) {
	payload := bridgeOrderPayload{
		Symbol:     req.Symbol,
		Type:       strings.ToLower(string(req.Direction)),
		Volume:     req.Volume,
		Price:      req.Price,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Deviation:  20,
		Magic:      req.Magic,
		Comment:    req.Comment,
	}
	res, err := c.call(ctx, http.MethodPost, "/orders", payload)
	if err != nil {
		var remote *errRemote
		if errors.As(err, &remote) {
			return Rejected(RetcodeRejected, remote.Error()), nil
		}
		return PlaceOrderResult{}, err
	}
	code := int(res.Get("retcode").Int())
	if code != RetcodeDone && code != RetcodePlaced {
		reason := res.Get("comment").String()
		if reason == "" {
			reason = fmt.Sprintf("retcode %d", code)
		}
		return Rejected(code, reason), nil
	}
	orderID := res.Get("order").String()
	if orderID == "" || orderID == "0" {
		orderID = res.Get("deal").String()
	}
	if orderID == "" {
		return Rejected(code, "bridge returned no order id"), nil
	}
	volume := res.Get("volume").Float()
	if volume <= 0 {
		volume = req.Volume
	}
	return Filled(orderID, res.Get("price").Float(), volume), nil
}

func (c *BridgeClient) ModifyOrder(ctx context.Context, orderID string, stopLoss, takeProfit *float64) (bool, error) {
	payload := map[string]float64{}
	if stopLoss != nil {
		payload["sl"] = *stopLoss
	}
	if takeProfit != nil {
		payload["tp"] = *takeProfit
	}
	if len(payload) == 0 {
		return true, nil
	}
	res, err := c.call(ctx, http.MethodPut, "/positions/"+orderID, payload)
	if err != nil {
		var remote *errRemote
		if errors.As(err, &remote) || errors.Is(err, errRemoteNotFound) {
			logger.Warnf("[broker] modify %s refused: %v", orderID, err)
			return false, nil
		}
		return false, err
	}
	code := int(res.Get("retcode").Int())
	return code == RetcodeDone || code == RetcodePlaced, nil
}

func (c *BridgeClient) GetOpenPosition(ctx context.Context, orderID string) (*Position, error) {
	res, err := c.call(ctx, http.MethodGet, "/positions/"+orderID, nil)
	if err != nil {
		if errors.Is(err, errRemoteNotFound) {
			return nil, nil
		}
		return nil, err
	}
	pos := decodePosition(res)
	return &pos, nil
}

func (c *BridgeClient) OpenPositions(ctx context.Context, symbol string) ([]Position, error) {
	path := "/positions"
	if symbol != "" {
		path += "?symbol=" + url.QueryEscape(strings.ToUpper(symbol))
	}
	res, err := c.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var out []Position
	res.Get("positions").ForEach(func(_, v gjson.Result) bool {
		out = append(out, decodePosition(v))
		return true
	})
	return out, nil
}

func (c *BridgeClient) ClosePosition(ctx context.Context, orderID string) (CloseResult, error) {
	res, err := c.call(ctx, http.MethodDelete, "/positions/"+orderID, nil)
	if err != nil {
		return CloseResult{}, err
	}
	code := int(res.Get("retcode").Int())
	if code != RetcodeDone && code != RetcodePlaced {
		return CloseResult{}, fmt.Errorf("close %s refused: retcode %d %s", orderID, code, res.Get("comment").String())
	}
	return CloseResult{
		OrderID:  orderID,
		Price:    res.Get("price").Float(),
		Profit:   res.Get("profit").Float(),
		ClosedAt: unixTime(res.Get("time")),
	}, nil
}

func (c *BridgeClient) ClosedDeal(ctx context.Context, orderID string) (*CloseResult, error) {
	res, err := c.call(ctx, http.MethodGet, "/history/deals/"+orderID, nil)
	if err != nil {
		if errors.Is(err, errRemoteNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &CloseResult{
		OrderID:  orderID,
		Price:    res.Get("price").Float(),
		Profit:   res.Get("profit").Float(),
		ClosedAt: unixTime(res.Get("time")),
	}, nil
}

func (c *BridgeClient) AccountBalance(ctx context.Context) (float64, error) {
	res, err := c.call(ctx, http.MethodGet, "/account", nil)
	if err != nil {
		return 0, err
	}
	if !res.Get("balance").Exists() {
		return 0, fmt.Errorf("bridge account response has no balance")
	}
	return res.Get("balance").Float(), nil
}

func decodePosition(v gjson.Result) Position {
	dir := types.DirectionBuy
	switch t := v.Get("type"); {
	case t.Type == gjson.Number && t.Int() == 1:
		dir = types.DirectionSell
	case strings.EqualFold(t.String(), "sell"):
		dir = types.DirectionSell
	}
	return Position{
		OrderID:      v.Get("ticket").String(),
		Symbol:       strings.ToUpper(v.Get("symbol").String()),
		Direction:    dir,
		Volume:       v.Get("volume").Float(),
		OpenPrice:    v.Get("price_open").Float(),
		StopLoss:     v.Get("sl").Float(),
		TakeProfit:   v.Get("tp").Float(),
		CurrentPrice: v.Get("price_current").Float(),
		Profit:       v.Get("profit").Float(),
		OpenedAt:     unixTime(v.Get("time")),
	}
}

func unixTime(v gjson.Result) time.Time {
	if !v.Exists() || v.Int() <= 0 {
		return time.Time{}
	}
	return time.Unix(v.Int(), 0).UTC()
}

// call performs one request through the circuit breaker. Transport failures
// and 5xx wrap ErrNotConnected; 404 is errRemoteNotFound; other 4xx are *errRemote.
func (c *BridgeClient) call(ctx context.Context, method, path string, payload any) (gjson.Result, error) {
	var out gjson.Result
	err := c.breaker.Do(func() error {
		var err error
		out, err = c.doRequest(ctx, method, path, payload)
		return err
	}, func(err error) bool {
		return errors.Is(err, ErrNotConnected)
	})
	if errors.Is(err, circuit.ErrOpen) {
		return gjson.Result{}, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return out, err
}

func (c *BridgeClient) doRequest(ctx context.Context, method, path string, payload any) (gjson.Result, error) {
	endpoint, err := c.resolveEndpoint(path)
	if err != nil {
		return gjson.Result{}, err
	}

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("序列化请求失败: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("构造请求失败: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: 调用 bridge 失败: %v", ErrNotConnected, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: 读取 bridge 响应失败: %v", ErrNotConnected, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return gjson.Result{}, errRemoteNotFound
	case resp.StatusCode >= 500:
		return gjson.Result{}, fmt.Errorf("%w: bridge %s: %s", ErrNotConnected, resp.Status, strings.TrimSpace(string(data)))
	case resp.StatusCode >= 300:
		msg := gjson.GetBytes(data, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return gjson.Result{}, &errRemote{status: resp.StatusCode, body: msg}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return gjson.Result{}, nil
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, fmt.Errorf("解析 bridge 响应失败: invalid json")
	}
	return gjson.ParseBytes(data), nil
}

func (c *BridgeClient) resolveEndpoint(path string) (*url.URL, error) {
	if c.baseURL == nil {
		return nil, fmt.Errorf("bridge API 地址未设置")
	}
	trimmed := strings.TrimSpace(path)
	query := ""
	if idx := strings.Index(trimmed, "?"); idx >= 0 {
		query = trimmed[idx+1:]
		trimmed = trimmed[:idx]
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + trimmed
	u.RawPath = ""
	u.RawQuery = query
	return &u, nil
}
