package server

import (
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype the service is served under.
const CodecName = "json"

// wireMarshaler is shared by the gRPC codec and the HTTP gateway so both
// surfaces put the same bytes on the wire.
var wireMarshaler = &runtime.JSONPb{}

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return wireMarshaler.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return wireMarshaler.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return CodecName }

func init() { encoding.RegisterCodec(jsonCodec{}) }
