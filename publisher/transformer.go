package publisher

import (
	"encoding/json"
	"time"

	"github.com/maxpert/gradm/encoding"
)

func init() {
	RegisterTransformer("json", func() Transformer { return JSONTransformer{} })
	RegisterTransformer("msgpack", func() Transformer { return MsgpackTransformer{} })
}

// envelope is the wire shape shared by all formats
type envelope struct {
	Seq       uint64            `json:"seq" msgpack:"seq"`
	Node      uint64            `json:"node" msgpack:"node"`
	Type      string            `json:"type" msgpack:"type"`
	Cluster   string            `json:"cluster" msgpack:"cluster"`
	Address   string            `json:"address,omitempty" msgpack:"address,omitempty"`
	Detail    map[string]string `json:"detail,omitempty" msgpack:"detail,omitempty"`
	Timestamp int64             `json:"ts_ms" msgpack:"ts_ms"`
}

func toEnvelope(event Event) envelope {
	ev := event.Payload
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return envelope{
		Seq:       event.SeqNum,
		Node:      event.NodeID,
		Type:      string(ev.Type),
		Cluster:   ev.Cluster,
		Address:   ev.Address,
		Detail:    ev.Detail,
		Timestamp: ts.UnixMilli(),
	}
}

// JSONTransformer encodes events as JSON objects
type JSONTransformer struct{}

func (JSONTransformer) Transform(event Event) ([]byte, error) {
	return json.Marshal(toEnvelope(event))
}

func (JSONTransformer) ContentType() string { return "application/json" }

// MsgpackTransformer encodes events as msgpack maps
type MsgpackTransformer struct{}

func (MsgpackTransformer) Transform(event Event) ([]byte, error) {
	return encoding.Marshal(toEnvelope(event))
}

func (MsgpackTransformer) ContentType() string { return "application/msgpack" }
