package codec

import (
	"testing"
	"time"
)

type envelope struct {
	MsgID   string            `json:"msg_id" cbor:"msg_id"`
	Targets []string          `json:"targets,omitempty" cbor:"targets,omitempty"`
	Date    time.Time         `json:"date" cbor:"date"`
	Content []byte            `json:"content" cbor:"content"`
	Extra   map[string]any    `json:"extra,omitempty" cbor:"extra,omitempty"`
	Labels  map[string]string `json:"labels,omitempty" cbor:"labels,omitempty"`
}

func TestCodecs_RoundTrip(t *testing.T) {
	cb, err := CBOR()
	if err != nil {
		t.Fatalf("CBOR(): %v", err)
	}
	now := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)

	for _, c := range []Codec{JSON(), cb} {
		t.Run(c.ContentType(), func(t *testing.T) {
			in := envelope{
				MsgID:   "m1",
				Targets: []string{"e0", "e1"},
				Date:    now,
				Content: []byte{0, 1, 2},
				Extra:   map[string]any{"status": "ok"},
			}
			data, err := c.Marshal(in)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var out envelope
			if err := c.Unmarshal(data, &out); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if out.MsgID != "m1" || len(out.Targets) != 2 || !out.Date.Equal(now) {
				t.Errorf("roundtrip mismatch: %#v", out)
			}
			if string(out.Content) != string(in.Content) {
				t.Errorf("content = %v", out.Content)
			}
			if out.Extra["status"] != "ok" {
				t.Errorf("extra = %#v", out.Extra)
			}
		})
	}
}

func TestCBOR_Deterministic(t *testing.T) {
	c, _ := CBOR()
	a, _ := c.Marshal(map[string]string{"b": "2", "a": "1", "c": "3"})
	b, _ := c.Marshal(map[string]string{"c": "3", "a": "1", "b": "2"})
	if string(a) != string(b) {
		t.Error("encoding should not depend on map insertion order")
	}
}

func TestLookup(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"", "application/json", false},
		{"json", "application/json", false},
		{"CBOR", "application/cbor", false},
		{"application/cbor", "application/cbor", false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		c, err := Lookup(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("Lookup(%q) err = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if err == nil && c.ContentType() != tt.want {
			t.Errorf("Lookup(%q) = %s, want %s", tt.name, c.ContentType(), tt.want)
		}
	}
}
