// Package payload models a task's persisted record: a heterogeneous keyed
// mapping plus typed accessors for the conventional lifecycle fields the
// queue, recovery, and manager packages all read and mutate.
//
// The underlying storage is a plain map[string]interface{} — the direct Go
// analogue of the source project's Python dict payload — encoded with
// gopkg.in/yaml.v3, the keyed-record format the teacher's go.mod already
// carries.
package payload

import (
	"time"
)

// Payload is a typed view over a task's arbitrary keyed record.
type Payload struct {
	Data map[string]interface{}
}

// New wraps data, copying nothing: callers that want isolation should Clone
// first.
func New(data map[string]interface{}) *Payload {
	if data == nil {
		data = map[string]interface{}{}
	}
	return &Payload{Data: data}
}

// Clone returns a deep-enough copy of p suitable for merging new lifecycle
// fields onto without mutating a caller's original map.
func (p *Payload) Clone() *Payload {
	out := make(map[string]interface{}, len(p.Data))
	for k, v := range p.Data {
		out[k] = v
	}
	return &Payload{Data: out}
}

// MarshalYAML implements yaml.Marshaler by emitting the underlying map
// directly.
func (p *Payload) MarshalYAML() (interface{}, error) {
	return p.Data, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *Payload) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var m map[string]interface{}
	if err := unmarshal(&m); err != nil {
		return err
	}
	p.Data = m
	return nil
}

func (p *Payload) get(key string) (interface{}, bool) {
	v, ok := p.Data[key]
	return v, ok
}

func (p *Payload) Set(key string, v interface{}) {
	p.Data[key] = v
}

// String returns the string value at key, or "" if absent or not a string.
func (p *Payload) String(key string) string {
	v, ok := p.get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Int returns the integer value at key, or 0 if absent or not numeric.
// YAML decoders hand back int, int64 or float64 depending on representation,
// so all three are accepted.
func (p *Payload) Int(key string) (int, bool) {
	v, ok := p.get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// Time parses the ISO-8601 string at key using RFC3339, returning ok=false
// if the key is absent or malformed.
func (p *Payload) Time(key string) (time.Time, bool) {
	s := p.String(key)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// SetTime stores t at key as an RFC3339 (ISO-8601) string.
func (p *Payload) SetTime(key string, t time.Time) {
	p.Set(key, t.Format(time.RFC3339))
}

// --- conventional lifecycle fields ---

func (p *Payload) CreatedAt() (time.Time, bool) { return p.Time("created_at") }
func (p *Payload) CreatedBy() (int, bool)       { return p.Int("created_by") }
func (p *Payload) Priority() int {
	n, ok := p.Int("priority")
	if !ok {
		return 0
	}
	return n
}
func (p *Payload) Retries() int {
	n, _ := p.Int("retries")
	return n
}
func (p *Payload) SessionID() string            { return p.String("session_id") }
func (p *Payload) ProcessID() (int, bool)       { return p.Int("process_id") }
func (p *Payload) Host() string                 { return p.String("host") }
func (p *Payload) StartedAt() (time.Time, bool) { return p.Time("started_at") }

// MarkStarted stamps ownership fields when a task transitions to
// in-progress.
func (p *Payload) MarkStarted(processID int, host, sessionID string, now time.Time) {
	p.SetTime("started_at", now)
	p.Set("process_id", processID)
	p.Set("host", host)
	p.Set("session_id", sessionID)
}

// MarkCompleted stamps terminal fields when a task transitions to done.
// duration is clamped to >= 0 regardless of clock skew between started_at
// and now.
func (p *Payload) MarkCompleted(success bool, results interface{}, errMsg string, now time.Time) {
	p.SetTime("completed_at", now)
	p.Set("success", success)
	p.Set("results", results)
	p.Set("error", errMsg)

	duration := 0.0
	if started, ok := p.StartedAt(); ok {
		duration = now.Sub(started).Seconds()
		if duration < 0 {
			duration = 0
		}
	}
	p.Set("duration_seconds", duration)
}

// MarkFailedForRecovery stamps the abandonment trace recovery leaves behind
// on a republished task, and increments retries — which must never
// decrease across any sequence of recovery passes.
func (p *Payload) MarkFailedForRecovery(reason string, recoveredBy int, now time.Time) {
	p.Set("retries", p.Retries()+1)
	p.SetTime("last_failed", now)
	p.Set("failure_reason", reason)
	p.Set("recovered_by", recoveredBy)
}

// progressMap returns the progress submap, creating it if absent or not a
// map.
func (p *Payload) progressMap() map[string]interface{} {
	raw, ok := p.Data["progress"]
	if !ok {
		m := map[string]interface{}{}
		p.Data["progress"] = m
		return m
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		m = map[string]interface{}{}
		p.Data["progress"] = m
	}
	return m
}

// SetProgress merges pct (clamped to [0,100] when non-nil) and status
// (when non-empty) into the progress submap, and stamps updated_at = now.
func (p *Payload) SetProgress(pct *float64, status string, now time.Time) {
	m := p.progressMap()
	if pct != nil {
		clamped := *pct
		if clamped < 0 {
			clamped = 0
		} else if clamped > 100 {
			clamped = 100
		}
		m["percentage"] = clamped
	}
	if status != "" {
		m["status"] = status
	}
	m["updated_at"] = now.Format(time.RFC3339)
}
