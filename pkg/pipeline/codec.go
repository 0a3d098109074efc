package pipeline

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec lets GRPCPublisher exchange plain Go structs (Event, the
// cancel ack) over gRPC without generated protobuf types. It registers
// under the "json" content-subtype: clients dial with
// grpc.CallContentSubtype("json") and both ends marshal with
// encoding/json, leaving the default protobuf codec untouched for any
// other service living in the same process.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
