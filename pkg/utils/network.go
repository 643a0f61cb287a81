package utils

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// networkRPCCodes are JSON-RPC error codes nodes return for transport or
// capacity trouble rather than a bad request
var networkRPCCodes = map[int]bool{
	-32000: true, // server error, includes "header not found" on lagging nodes
	-32005: true, // limit exceeded
	-32603: true, // internal error
}

var networkErrorSubstrings = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"econnrefused",
	"econnreset",
	"enotfound",
	"no such host",
	"network is unreachable",
	"broken pipe",
	"unexpected eof",
	"websocket",
	"resource not found",
	"too many requests",
	"503 service unavailable",
	"502 bad gateway",
}

// IsNetworkError reports whether err looks like a transport failure worth
// reconnecting for. Classification uses sentinel errors, RPC error codes,
// net.Error and the CONNECTION_ERROR and TIMEOUT codes before falling back
// to message substrings.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if IsCode(err, ErrCodeConnection) || IsCode(err, ErrCodeTimeout) {
		return true
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && networkRPCCodes[rpcErr.ErrorCode()] {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range networkErrorSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
