package protocol

import (
	"encoding/json"
	"errors"

	"golang.org/x/exp/jsonrpc2"
)

// Worker error codes live in the implementation-defined range
// -32000 to -32099.
const (
	CodeOperationFailed    int64 = -32000
	CodeOperationTimeout   int64 = -32001
	CodeLoadFailed         int64 = -32010
	CodeImportFailed       int64 = -32011
	CodeConstructionFailed int64 = -32012

	CodeParseError     int64 = -32700
	CodeInvalidRequest int64 = -32600
	CodeMethodNotFound int64 = -32601
	CodeInvalidParams  int64 = -32602
	CodeInternalError  int64 = -32603
)

func OperationFailedError(msg string) error {
	return jsonrpc2.NewError(CodeOperationFailed, msg)
}

func OperationTimeoutError(msg string) error {
	return jsonrpc2.NewError(CodeOperationTimeout, msg)
}

func LoadFailedError(msg string) error {
	return jsonrpc2.NewError(CodeLoadFailed, msg)
}

func ImportFailedError(msg string) error {
	return jsonrpc2.NewError(CodeImportFailed, msg)
}

func ConstructionFailedError(msg string) error {
	return jsonrpc2.NewError(CodeConstructionFailed, msg)
}

// ErrorCode extracts the JSON-RPC error code carried by err or anything it
// wraps. The second return is false when no error in the chain came from the
// wire.
//
// jsonrpc2 keeps its wire error type unexported, so the code is read back
// through the type's JSON encoding.
func ErrorCode(err error) (int64, bool) {
	for err != nil {
		if code, ok := wireCode(err); ok {
			return code, true
		}
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			for _, e := range u.Unwrap() {
				if code, ok := ErrorCode(e); ok {
					return code, true
				}
			}
			return 0, false
		default:
			err = errors.Unwrap(err)
		}
	}
	return 0, false
}

func wireCode(err error) (int64, bool) {
	data, merr := json.Marshal(err)
	if merr != nil {
		return 0, false
	}
	var wire struct {
		Code    *int64  `json:"code"`
		Message *string `json:"message"`
	}
	if json.Unmarshal(data, &wire) != nil || wire.Code == nil || wire.Message == nil {
		return 0, false
	}
	return *wire.Code, true
}
