package jsonrpc

import (
	"bytes"
	"encoding/json"
)

// BatchItem is one decoded member of an inbound payload. Exactly one of Msg
// or Err is set; Err carries the structural error for a member that could not
// be decoded, which must not prevent sibling members from being processed.
type BatchItem struct {
	Msg *AnyMessage
	Err *Error
}

// DecodeEnvelope decodes an inbound payload into its constituent messages.
// The payload is either a single JSON-RPC object or an array of them. The
// returned batch flag reports whether the payload was an array, which affects
// how the transport frames the replies.
//
// A payload that is not valid JSON yields a -32700 error. An empty array
// yields a -32600 error. Structural errors in individual members are reported
// per-member via BatchItem.Err.
func DecodeEnvelope(data []byte) ([]BatchItem, bool, *Error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, false, NewError(ErrorCodeParseError, "empty request body")
	}

	if trimmed[0] != '[' {
		item := decodeItem(data)
		return []BatchItem{item}, false, nil
	}

	var members []json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, true, NewError(ErrorCodeParseError, "invalid JSON: %v", err)
	}
	if len(members) == 0 {
		return nil, true, NewError(ErrorCodeInvalidRequest, "batch must not be empty")
	}

	items := make([]BatchItem, 0, len(members))
	for _, raw := range members {
		items = append(items, decodeItem(raw))
	}
	return items, true, nil
}

func decodeItem(raw []byte) BatchItem {
	if !json.Valid(raw) {
		return BatchItem{Err: NewError(ErrorCodeParseError, "invalid JSON")}
	}

	var msg AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return BatchItem{Err: NewError(ErrorCodeInvalidRequest, "invalid request: %v", err)}
	}
	return BatchItem{Msg: &msg}
}
