package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName identifies the JSON codec registered below. Both the client
// (via grpc.ForceCodec) and the server (via grpc.ForceServerCodec) must
// request it explicitly; gRPC's default codec is protobuf-binary and would
// otherwise reject these plain structs.
const codecName = "tabletclient-json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Codec is the shared grpc.Codec instance both client and server dial
// options reference.
var Codec = jsonCodec{}
