package loader

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"signalbridge/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const sessionsSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "symbols": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "sessions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "start", "end"],
        "additionalProperties": false,
        "properties": {
          "name":     {"type": "string", "minLength": 1},
          "start":    {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"},
          "end":      {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"},
          "timezone": {"type": "string"},
          "symbols":  {"type": "array", "items": {"type": "string", "minLength": 1}}
        }
      }
    }
  }
}`

// SessionDefinition 单个交易时段，时间为 timezone 下的 HH:MM。
type SessionDefinition struct {
	Name     string   `yaml:"name"`
	Start    string   `yaml:"start"`
	End      string   `yaml:"end"`
	Timezone string   `yaml:"timezone"`
	Symbols  []string `yaml:"symbols"`
}

// SessionsFile 是 trading_sessions.yaml 的完整结构。
type SessionsFile struct {
	Symbols  []string            `yaml:"symbols"`
	Sessions []SessionDefinition `yaml:"sessions"`
}

// SessionsSnapshot 对外暴露的只读快照。
type SessionsSnapshot struct {
	Version  int64
	LoadedAt time.Time
	Symbols  []string
	Sessions []SessionDefinition
}

// ChangeListener 在文件变更并校验通过后被调用。
type ChangeListener func(SessionsSnapshot)

// SessionsLoader 加载交易时段与品种表，并监听热更新。
// 校验失败的新内容被丢弃，保留上一个有效快照。
type SessionsLoader struct {
	path   string
	v      *viper.Viper
	schema *jsonschema.Schema

	mu        sync.RWMutex
	snapshot  SessionsSnapshot
	listeners []ChangeListener
}

// NewSessionsLoader 读取文件但不监听；调用 Watch 开始监听 FS 事件。
func NewSessionsLoader(path string) (*SessionsLoader, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sessions loader requires path")
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("sessions.json", strings.NewReader(sessionsSchema)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("sessions.json")
	if err != nil {
		return nil, fmt.Errorf("compile sessions schema: %w", err)
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read sessions config failed: %w", err)
	}
	l := &SessionsLoader{path: path, v: v, schema: schema}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Watch 开启 fsnotify 监听。
func (l *SessionsLoader) Watch() {
	l.v.OnConfigChange(func(evt fsnotify.Event) {
		if err := l.reload(); err != nil {
			logger.Errorf("[sessions] reload failed (%s): %v", evt.Name, err)
			return
		}
		l.notify()
	})
	l.v.WatchConfig()
}

// Snapshot 返回当前快照（深拷贝）。
func (l *SessionsLoader) Snapshot() SessionsSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneSnapshot(l.snapshot)
}

// Subscribe 注册监听器，并立即同步收到一次完整快照。
func (l *SessionsLoader) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	snap := cloneSnapshot(l.snapshot)
	l.mu.Unlock()
	safeCall(fn, snap)
}

// Reload 立即重新读取文件并通知监听器。
func (l *SessionsLoader) Reload() error {
	if err := l.reload(); err != nil {
		return err
	}
	l.notify()
	return nil
}

func (l *SessionsLoader) notify() {
	l.mu.RLock()
	snap := cloneSnapshot(l.snapshot)
	listeners := append([]ChangeListener(nil), l.listeners...)
	l.mu.RUnlock()
	for _, fn := range listeners {
		safeCall(fn, snap)
	}
}

func safeCall(fn ChangeListener, snap SessionsSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[sessions] listener panic: %v", r)
		}
	}()
	fn(snap)
}

func (l *SessionsLoader) reload() error {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("read sessions file failed: %w", err)
	}
	file, err := l.parse(raw)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.snapshot = SessionsSnapshot{
		Version:  l.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Symbols:  normalizeSymbols(file.Symbols),
		Sessions: normalizeSessions(file.Sessions),
	}
	count := len(l.snapshot.Sessions)
	l.mu.Unlock()
	logger.Infof("[sessions] loaded %d sessions from %s", count, filepath.Base(l.path))
	return nil
}

// parse 先按 schema 校验，再以 KnownFields 严格解码。
func (l *SessionsLoader) parse(raw []byte) (SessionsFile, error) {
	var doc interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return SessionsFile{}, fmt.Errorf("parse sessions yaml failed: %w", err)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	// schema 校验需要 JSON 数据模型
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return SessionsFile{}, fmt.Errorf("sessions yaml is not json-compatible: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(asJSON))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return SessionsFile{}, err
	}
	if err := l.schema.Validate(generic); err != nil {
		return SessionsFile{}, fmt.Errorf("sessions file invalid: %w", err)
	}
	var file SessionsFile
	yd := yaml.NewDecoder(bytes.NewReader(raw))
	yd.KnownFields(true)
	if err := yd.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return SessionsFile{}, fmt.Errorf("decode sessions file failed: %w", err)
	}
	for _, s := range file.Sessions {
		if tz := strings.TrimSpace(s.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return SessionsFile{}, fmt.Errorf("session %s: unknown timezone %q", s.Name, tz)
			}
		}
	}
	return file, nil
}

func normalizeSessions(in []SessionDefinition) []SessionDefinition {
	out := make([]SessionDefinition, 0, len(in))
	for _, s := range in {
		s.Name = strings.TrimSpace(s.Name)
		s.Timezone = strings.TrimSpace(s.Timezone)
		if s.Timezone == "" {
			s.Timezone = "UTC"
		}
		s.Symbols = normalizeSymbols(s.Symbols)
		out = append(out, s)
	}
	return out
}

func normalizeSymbols(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, sym := range in {
		s := strings.ToUpper(strings.TrimSpace(sym))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func cloneSnapshot(src SessionsSnapshot) SessionsSnapshot {
	dst := SessionsSnapshot{
		Version:  src.Version,
		LoadedAt: src.LoadedAt,
		Symbols:  append([]string(nil), src.Symbols...),
		Sessions: make([]SessionDefinition, len(src.Sessions)),
	}
	for i, s := range src.Sessions {
		s.Symbols = append([]string(nil), s.Symbols...)
		dst.Sessions[i] = s
	}
	return dst
}
