package probe

import (
	"encoding/json"
	"strings"
)

// Request selects which checks to run. Missing keys take the defaults from
// DefaultRequest.
type Request struct {
	DNS        bool `json:"dns"`
	HTTPIngest bool `json:"http_ingest"`
	HTTPSelf   bool `json:"http_self"`
	Ping       bool `json:"ping"`
	Emit       bool `json:"emit"`
}

// DefaultRequest is what an empty body asks for.
func DefaultRequest() Request {
	return Request{DNS: true, HTTPIngest: true, Emit: true}
}

// ParseRequest decodes a probe body leniently: each flag may be a JSON bool,
// a number (non-zero is true) or one of the strings "true", "false", "1",
// "0". Anything unparseable keeps its default, including a body that is not
// a JSON object at all.
func ParseRequest(body []byte) Request {
	req := DefaultRequest()
	var raw map[string]json.RawMessage
	if len(body) == 0 || json.Unmarshal(body, &raw) != nil {
		return req
	}
	flag(raw, "dns", &req.DNS)
	flag(raw, "http_ingest", &req.HTTPIngest)
	flag(raw, "http_self", &req.HTTPSelf)
	flag(raw, "ping", &req.Ping)
	flag(raw, "emit", &req.Emit)
	return req
}

func flag(raw map[string]json.RawMessage, key string, dst *bool) {
	v, ok := raw[key]
	if !ok || string(v) == "null" {
		return
	}
	var b bool
	if json.Unmarshal(v, &b) == nil {
		*dst = b
		return
	}
	var n float64
	if json.Unmarshal(v, &n) == nil {
		*dst = n != 0
		return
	}
	var s string
	if json.Unmarshal(v, &s) == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "1", "yes", "on":
			*dst = true
		case "false", "0", "no", "off":
			*dst = false
		}
	}
}

// Any reports whether at least one check is selected.
func (r Request) Any() bool {
	return r.DNS || r.HTTPIngest || r.HTTPSelf || r.Ping
}
