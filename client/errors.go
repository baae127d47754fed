package client

import (
	"errors"
	"fmt"
	"strings"

	"gridsql/internal/protocol"
)

var (
	// ErrProtocol marks malformed or unexpected data from the server. The
	// connection that produced it is closed.
	ErrProtocol = protocol.ErrProtocol

	// ErrCursorClosed is returned by any operation on a closed cursor.
	ErrCursorClosed = errors.New("cursor is closed")

	// ErrConnClosed is returned by operations on a closed connection and
	// delivered to requests still waiting when Close is called.
	ErrConnClosed = errors.New("connection is closed")

	// ErrEndOfResults is returned by FetchNext once every row was returned.
	ErrEndOfResults = errors.New("no more rows")

	// ErrNoResultSet is returned by FetchNext when the last statement did
	// not produce rows.
	ErrNoResultSet = errors.New("statement did not produce a result set")

	// ErrTxDone is returned when committing or rolling back a finished
	// transaction.
	ErrTxDone = errors.New("transaction has already been committed or rolled back")

	ErrNoAddresses = errors.New("no addresses configured")
)

// ConnectionError reports a transport failure: the node is unreachable or
// the stream broke.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError reports rejected credentials.
type AuthError struct {
	Addr    string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed at %s: %s", e.Addr, e.Message)
}

// TimeoutError reports an operation that did not complete before its
// deadline. The connection is still usable unless Op is "dial" or
// "handshake".
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Timeout implements the net.Error convention.
func (e *TimeoutError) Timeout() bool { return true }

// QueryError is an error the server reported for one request. The
// connection stays usable.
type QueryError struct {
	Code     int
	SQLState string
	Message  string
	TraceID  string
}

func (e *QueryError) Error() string {
	var b strings.Builder
	b.WriteString("query failed")
	if e.SQLState != "" {
		b.WriteString(" [" + e.SQLState + "]")
	}
	b.WriteString(": " + e.Message)
	if e.TraceID != "" {
		b.WriteString(" (trace " + e.TraceID + ")")
	}
	return b.String()
}

func queryError(p *protocol.ErrorPayload) *QueryError {
	return &QueryError{Code: p.Code, SQLState: p.SQLState, Message: p.Message, TraceID: p.TraceID}
}

// NoAvailableEndpointError is returned by Connect when every configured
// address failed. Attempts holds one error per address, in order.
type NoAvailableEndpointError struct {
	Attempts []error
}

func (e *NoAvailableEndpointError) Error() string {
	if len(e.Attempts) == 0 {
		return "no available endpoint"
	}
	return fmt.Sprintf("no available endpoint after %d attempts:\n%v", len(e.Attempts), errors.Join(e.Attempts...))
}

func (e *NoAvailableEndpointError) Unwrap() []error { return e.Attempts }
