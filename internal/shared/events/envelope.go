package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope is the on-the-wire event shape shared by the outbox dispatcher,
// the message bus adapters and the inbound consumers. It follows CloudEvents
// 1.0 structured JSON content; unknown extensions are carried through
// untouched so downstream consumers stay producer-agnostic.
const (
	SpecVersion     = "1.0"
	ContentTypeJSON = "application/json"

	ExtCorrelationID = "correlationid"
	ExtTraceParent   = "traceparent"
	ExtTraceState    = "tracestate"
	ExtSendTimestamp = "sendtimestamp"
)

var ErrInvalidEnvelope = errors.New("invalid event envelope")

type Envelope struct {
	ID         string
	Type       string
	Source     string
	Time       time.Time
	Data       json.RawMessage
	Extensions map[string]any
}

// reserved CloudEvents context attributes; everything else in the JSON object
// is treated as an extension.
var reservedAttributes = map[string]struct{}{
	"specversion":     {},
	"id":              {},
	"type":            {},
	"source":          {},
	"datacontenttype": {},
	"time":            {},
	"data":            {},
}

func (e Envelope) CorrelationID() string {
	value, _ := e.Extensions[ExtCorrelationID].(string)
	return value
}

// SendTimestamp returns the producer-side epoch-millis stamp. The second
// return is false when the extension is absent or not a number.
func (e Envelope) SendTimestamp() (int64, bool) {
	switch v := e.Extensions[ExtSendTimestamp].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		millis, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return millis, true
	default:
		return 0, false
	}
}

func (e *Envelope) SetExtension(key string, value any) {
	if e.Extensions == nil {
		e.Extensions = make(map[string]any)
	}
	e.Extensions[key] = value
}

// Validate enforces the publish contract: identity, type, source, payload and
// send timestamp must all be present before an envelope reaches the bus.
func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}
	if e.Source == "" {
		return fmt.Errorf("%w: missing source", ErrInvalidEnvelope)
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidEnvelope)
	}
	if _, ok := e.SendTimestamp(); !ok {
		return fmt.Errorf("%w: missing sendtimestamp", ErrInvalidEnvelope)
	}
	return nil
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	object := make(map[string]json.RawMessage, len(e.Extensions)+7)

	put := func(key string, value any) error {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode envelope attribute %q: %w", key, err)
		}
		object[key] = raw
		return nil
	}

	if err := put("specversion", SpecVersion); err != nil {
		return nil, err
	}
	if err := put("id", e.ID); err != nil {
		return nil, err
	}
	if err := put("type", e.Type); err != nil {
		return nil, err
	}
	if err := put("source", e.Source); err != nil {
		return nil, err
	}
	if err := put("datacontenttype", ContentTypeJSON); err != nil {
		return nil, err
	}
	if !e.Time.IsZero() {
		if err := put("time", e.Time.UTC().Format(time.RFC3339Nano)); err != nil {
			return nil, err
		}
	}
	if len(e.Data) > 0 {
		object["data"] = e.Data
	}
	for key, value := range e.Extensions {
		if _, reserved := reservedAttributes[key]; reserved {
			continue
		}
		if err := put(key, value); err != nil {
			return nil, err
		}
	}
	return json.Marshal(object)
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(data, &object); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	decoded := Envelope{}
	if raw, ok := object["id"]; ok {
		if err := json.Unmarshal(raw, &decoded.ID); err != nil {
			return fmt.Errorf("%w: id: %v", ErrInvalidEnvelope, err)
		}
	}
	if raw, ok := object["type"]; ok {
		if err := json.Unmarshal(raw, &decoded.Type); err != nil {
			return fmt.Errorf("%w: type: %v", ErrInvalidEnvelope, err)
		}
	}
	if raw, ok := object["source"]; ok {
		if err := json.Unmarshal(raw, &decoded.Source); err != nil {
			return fmt.Errorf("%w: source: %v", ErrInvalidEnvelope, err)
		}
	}
	if raw, ok := object["time"]; ok {
		var stamp string
		if err := json.Unmarshal(raw, &stamp); err != nil {
			return fmt.Errorf("%w: time: %v", ErrInvalidEnvelope, err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, stamp)
		if err != nil {
			return fmt.Errorf("%w: time: %v", ErrInvalidEnvelope, err)
		}
		decoded.Time = parsed.UTC()
	}
	if raw, ok := object["data"]; ok {
		decoded.Data = append(json.RawMessage(nil), raw...)
	}

	for key, raw := range object {
		if _, reserved := reservedAttributes[key]; reserved {
			continue
		}
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return fmt.Errorf("%w: extension %q: %v", ErrInvalidEnvelope, key, err)
		}
		if decoded.Extensions == nil {
			decoded.Extensions = make(map[string]any)
		}
		decoded.Extensions[key] = value
	}

	*e = decoded
	return nil
}
