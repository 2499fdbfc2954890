package s3sink

import (
	"fmt"

	"github.com/honeycombio/otelprep/config"
	jsoniter "github.com/json-iterator/go"
	"github.com/tinylib/msgp/msgp"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Codec appends one encoded event to an object body.
type Codec interface {
	Append(dst []byte, event map[string]any) ([]byte, error)
	Extension() string
	ContentType() string
}

func NewCodec(name string) (Codec, error) {
	switch name {
	case config.CodecNDJSON, "":
		return ndjsonCodec{}, nil
	case config.CodecMsgpack:
		return msgpackCodec{}, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

// ndjsonCodec writes one JSON document per line.
type ndjsonCodec struct{}

func (ndjsonCodec) Append(dst []byte, event map[string]any) ([]byte, error) {
	b, err := json.Marshal(event)
	if err != nil {
		return dst, err
	}
	dst = append(dst, b...)
	return append(dst, '\n'), nil
}

func (ndjsonCodec) Extension() string   { return "ndjson" }
func (ndjsonCodec) ContentType() string { return "application/x-ndjson" }

// msgpackCodec writes a stream of msgpack maps back to back.
type msgpackCodec struct{}

func (msgpackCodec) Append(dst []byte, event map[string]any) ([]byte, error) {
	return msgp.AppendMapStrIntf(dst, event)
}

func (msgpackCodec) Extension() string   { return "msgpack" }
func (msgpackCodec) ContentType() string { return "application/msgpack" }
