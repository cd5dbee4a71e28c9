package sink

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Encoder turns a JSON event payload into the wire format of the destination
type Encoder func(payload []byte) ([]byte, error)

// NewEncoder returns the encoder for the configured encoding
func NewEncoder(encoding string) (Encoder, error) {
	switch encoding {
	case "", "json":
		return encodeJSON, nil
	case "protobuf":
		return encodeProtobuf, nil
	default:
		return nil, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}

func encodeJSON(payload []byte) ([]byte, error) {
	return payload, nil
}

// encodeProtobuf re-encodes the payload as a google.protobuf.Struct
func encodeProtobuf(payload []byte) ([]byte, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build struct: %w", err)
	}

	data, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal protobuf: %w", err)
	}
	return data, nil
}

// DecodeProtobuf reverses the protobuf encoding into a field map
func DecodeProtobuf(data []byte) (map[string]interface{}, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal protobuf: %w", err)
	}
	return s.AsMap(), nil
}
