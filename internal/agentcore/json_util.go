package agentcore

import (
	"bytes"
	"encoding/json"
	"io"
)

func toJSON(v any) ([]byte, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

func fromJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func bytesReader(data []byte) io.Reader {
	return bytes.NewReader(data)
}

// stringifyResult renders a tool's raw Execute return value as the
// content string a ToolResultPart carries. Strings pass through
// unchanged; everything else is JSON-encoded.
func stringifyResult(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
