package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/cast"
)

// webhookSchema 字段类型放宽：转发方常把 id 写成字符串。
const webhookSchema = `{
  "type": "object",
  "required": ["text"],
  "properties": {
    "text":       {"type": "string", "minLength": 1, "maxLength": 8192},
    "message_id": {"type": ["integer", "string"]},
    "chat_id":    {"type": ["integer", "string"]},
    "channel":    {"type": "string", "maxLength": 256},
    "timestamp":  {"type": ["integer", "number", "string"]}
  }
}`

// WebhookDecoder validates pushed payloads and turns them into Messages.
type WebhookDecoder struct {
	schema *jsonschema.Schema
	nowFn  func() time.Time
}

func NewWebhookDecoder() (*WebhookDecoder, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("webhook.json", strings.NewReader(webhookSchema)); err != nil {
		return nil, err
	}
	sch, err := compiler.Compile("webhook.json")
	if err != nil {
		return nil, fmt.Errorf("compile webhook schema: %w", err)
	}
	return &WebhookDecoder{schema: sch, nowFn: time.Now}, nil
}

// Decode checks body against the schema. Missing timestamp means "now".
func (d *WebhookDecoder) Decode(body []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return Message{}, fmt.Errorf("invalid json: %w", err)
	}
	if err := d.schema.Validate(doc); err != nil {
		return Message{}, fmt.Errorf("invalid payload: %w", err)
	}
	obj := doc.(map[string]interface{})
	msg := Message{
		Text:    cast.ToString(obj["text"]),
		Channel: strings.TrimSpace(cast.ToString(obj["channel"])),
	}
	var err error
	if msg.MessageID, err = optionalInt64(obj, "message_id"); err != nil {
		return Message{}, err
	}
	if msg.ChatID, err = optionalInt64(obj, "chat_id"); err != nil {
		return Message{}, err
	}
	msg.Timestamp = d.nowFn().UTC()
	if raw, ok := obj["timestamp"]; ok {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return Message{}, err
		}
		msg.Timestamp = ts
	}
	return msg, nil
}

func optionalInt64(obj map[string]interface{}, key string) (int64, error) {
	raw, ok := obj[key]
	if !ok {
		return 0, nil
	}
	if n, isNum := raw.(json.Number); isNum {
		raw = n.String()
	}
	v, err := cast.ToInt64E(strings.TrimSpace(cast.ToString(raw)))
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return v, nil
}

// parseTimestamp accepts unix seconds (or millis) and RFC3339-like strings.
func parseTimestamp(raw interface{}) (time.Time, error) {
	if n, ok := raw.(json.Number); ok {
		f, err := n.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp: %w", err)
		}
		return unixToTime(f), nil
	}
	s := strings.TrimSpace(cast.ToString(raw))
	if f, err := cast.ToFloat64E(s); err == nil {
		return unixToTime(f), nil
	}
	t, err := cast.ToTimeE(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %w", err)
	}
	return t.UTC(), nil
}

func unixToTime(v float64) time.Time {
	if v > 1e12 {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec := int64(v)
	return time.Unix(sec, int64((v-float64(sec))*1e9)).UTC()
}
