// Package event builds, validates and queues the schema-versioned records the
// node ships upstream.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/strangelab/nodeagent/internal/clock"
)

// Type tags an event record.
type Type string

// Canonical event types.
const (
	TypeBoot      Type = "node.boot"
	TypeHeartbeat Type = "node.heartbeat"
	TypeAnnounce  Type = "node.announce"
	TypeWiFi      Type = "wifi.status"
	TypeAPSeen    Type = "wifi.ap_seen"
	TypeBLESeen   Type = "ble.seen"
	TypeIngestOK  Type = "ingest.ok"
	TypeIngestErr Type = "ingest.err"
	TypeProbeNet  Type = "probe.net"
	TypeProbeHTTP Type = "probe.http"
)

// Required top-level keys checked at admission.
var requiredKeys = []string{"v", "ts_ms", "node_id", "type", "src", "data"}

// reservedKeys may not be supplied as extra fields.
var reservedKeys = map[string]bool{
	"v": true, "ts_ms": true, "node_id": true, "type": true,
	"src": true, "seq": true, "data": true,
}

var (
	// ErrInvalid is returned when a record fails structural validation.
	ErrInvalid = errors.New("invalid event")
	// ErrReservedKey is returned when an extra field shadows a schema key.
	ErrReservedKey = errors.New("extra field uses reserved key")
)

// Field is an extra key promoted to the top level of an event for indexing.
type Field struct {
	Key   string
	Value any
}

// Event is the decoded form of a record.
type Event struct {
	V      int             `json:"v"`
	TsMs   uint64          `json:"ts_ms"`
	NodeID string          `json:"node_id"`
	Type   Type            `json:"type"`
	Src    string          `json:"src"`
	Seq    uint64          `json:"seq"`
	Data   json.RawMessage `json:"data"`
}

// Builder serializes events. Not safe for concurrent use; the main loop is
// its only caller.
type Builder struct {
	schema int
	nodeID string
	clock  clock.Clock
	seq    uint64
}

// NewBuilder returns a builder stamping records with schema, nodeID and
// timestamps from clk.
func NewBuilder(schema int, nodeID string, clk clock.Clock) *Builder {
	return &Builder{schema: schema, nodeID: nodeID, clock: clk}
}

// Seq returns the last sequence number handed out (0 before the first build).
func (b *Builder) Seq() uint64 { return b.seq }

// NodeID returns the identifier written into node_id and src.
func (b *Builder) NodeID() string { return b.nodeID }

// Build renders a record with keys in schema order; extra fields land
// between seq and data. A nil data becomes {}. json.RawMessage values are
// copied verbatim. The sequence number is only consumed on success.
func (b *Builder) Build(typ Type, data any, extra ...Field) ([]byte, error) {
	dataJSON, err := marshalData(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", typ, err)
	}

	var buf bytes.Buffer
	buf.Grow(96 + len(dataJSON))
	w := objectWriter{buf: &buf}
	w.open()
	w.field("v", b.schema)
	w.field("ts_ms", b.clock.NowMs())
	w.field("node_id", b.nodeID)
	w.field("type", typ)
	w.field("src", b.nodeID)
	w.field("seq", b.seq+1)
	for _, f := range extra {
		if reservedKeys[f.Key] {
			return nil, fmt.Errorf("%w: %q", ErrReservedKey, f.Key)
		}
		w.field(f.Key, f.Value)
	}
	w.raw("data", dataJSON)
	w.close()
	if w.err != nil {
		return nil, fmt.Errorf("build %s: %w", typ, w.err)
	}

	b.seq++
	return buf.Bytes(), nil
}

func marshalData(data any) ([]byte, error) {
	switch d := data.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		if len(d) == 0 {
			return []byte("{}"), nil
		}
		return d, nil
	default:
		return json.Marshal(d)
	}
}

// objectWriter streams a single JSON object, remembering the first error.
type objectWriter struct {
	buf   *bytes.Buffer
	count int
	err   error
}

func (w *objectWriter) open()  { w.buf.WriteByte('{') }
func (w *objectWriter) close() { w.buf.WriteByte('}') }

func (w *objectWriter) key(k string) {
	if w.count > 0 {
		w.buf.WriteByte(',')
	}
	w.count++
	kb, _ := json.Marshal(k)
	w.buf.Write(kb)
	w.buf.WriteByte(':')
}

func (w *objectWriter) field(k string, v any) {
	if w.err != nil {
		return
	}
	vb, err := json.Marshal(v)
	if err != nil {
		w.err = fmt.Errorf("field %q: %w", k, err)
		return
	}
	w.key(k)
	w.buf.Write(vb)
}

func (w *objectWriter) raw(k string, v []byte) {
	if w.err != nil {
		return
	}
	w.key(k)
	w.buf.Write(v)
}

// Validate checks that raw is a JSON object carrying every required key and
// that data is itself an object.
func Validate(raw []byte) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	for _, k := range requiredKeys {
		if _, ok := top[k]; !ok {
			return fmt.Errorf("%w: missing field %q", ErrInvalid, k)
		}
	}
	data := bytes.TrimSpace(top["data"])
	if len(data) == 0 || data[0] != '{' {
		return fmt.Errorf("%w: data is not an object", ErrInvalid)
	}
	return nil
}

// Parse decodes a record.
func Parse(raw []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, fmt.Errorf("parse event: %w", err)
	}
	return e, nil
}
