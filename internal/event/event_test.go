package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/strangelab/nodeagent/internal/clock"
)

func TestBuild_FieldOrder(t *testing.T) {
	clk := clock.NewManual(1234)
	b := NewBuilder(1, "node-a1b2c3", clk)

	raw, err := b.Build(TypeBLESeen, map[string]any{"addr": "aa:bb"}, Field{Key: "mac", Value: "aa:bb"}, Field{Key: "rssi", Value: -60})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	want := `{"v":1,"ts_ms":1234,"node_id":"node-a1b2c3","type":"ble.seen","src":"node-a1b2c3","seq":1,"mac":"aa:bb","rssi":-60,"data":{"addr":"aa:bb"}}`
	if string(raw) != want {
		t.Errorf("Build() =\n%s\nwant\n%s", raw, want)
	}
}

func TestBuild_SeqIncrements(t *testing.T) {
	b := NewBuilder(1, "n", clock.NewManual(0))
	for i := 1; i <= 3; i++ {
		raw, err := b.Build(TypeHeartbeat, nil)
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		ev, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if ev.Seq != uint64(i) {
			t.Errorf("seq = %d, want %d", ev.Seq, i)
		}
	}
	if b.Seq() != 3 {
		t.Errorf("Seq() = %d, want 3", b.Seq())
	}
}

func TestBuild_NilDataIsEmptyObject(t *testing.T) {
	b := NewBuilder(1, "n", clock.NewManual(0))
	raw, err := b.Build(TypeHeartbeat, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !bytes.HasSuffix(raw, []byte(`"data":{}}`)) {
		t.Errorf("raw = %s, want empty data object", raw)
	}
	if err := Validate(raw); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestBuild_RawMessagePassThrough(t *testing.T) {
	b := NewBuilder(2, "n", clock.NewManual(0))
	raw, err := b.Build(TypeProbeHTTP, json.RawMessage(`{"ingest":{"ok":true}}`), Field{Key: "err", Value: json.RawMessage(`null`)})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !bytes.Contains(raw, []byte(`"err":null,"data":{"ingest":{"ok":true}}`)) {
		t.Errorf("raw = %s", raw)
	}
}

func TestBuild_ReservedExtraRejected(t *testing.T) {
	b := NewBuilder(1, "n", clock.NewManual(0))
	_, err := b.Build(TypeHeartbeat, nil, Field{Key: "seq", Value: 9})
	if !errors.Is(err, ErrReservedKey) {
		t.Fatalf("error = %v, want ErrReservedKey", err)
	}
	if b.Seq() != 0 {
		t.Errorf("failed build consumed seq: %d", b.Seq())
	}
}

func TestBuild_UnmarshalableData(t *testing.T) {
	b := NewBuilder(1, "n", clock.NewManual(0))
	if _, err := b.Build(TypeHeartbeat, map[string]any{"c": make(chan int)}); err == nil {
		t.Fatal("expected marshal error")
	}
	if b.Seq() != 0 {
		t.Errorf("failed build consumed seq: %d", b.Seq())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		valid bool
	}{
		{"complete", `{"v":1,"ts_ms":1,"node_id":"n","type":"t","src":"n","seq":1,"data":{}}`, true},
		{"seq optional", `{"v":1,"ts_ms":1,"node_id":"n","type":"t","src":"n","data":{"a":1}}`, true},
		{"missing type", `{"v":1,"ts_ms":1,"node_id":"n","src":"n","data":{}}`, false},
		{"missing data", `{"v":1,"ts_ms":1,"node_id":"n","type":"t","src":"n"}`, false},
		{"data array", `{"v":1,"ts_ms":1,"node_id":"n","type":"t","src":"n","data":[]}`, false},
		{"data null", `{"v":1,"ts_ms":1,"node_id":"n","type":"t","src":"n","data":null}`, false},
		{"not json", `{"v":1,`, false},
		{"array", `[]`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate([]byte(tt.raw))
			if tt.valid && err != nil {
				t.Errorf("Validate() error = %v, want nil", err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() error = %v, want ErrInvalid", err)
			}
		})
	}
}
