// Package dispatch implements the role-selected entry points of the
// usbrpc protocol: one function per opcode that either runs the client
// proxy (encode, send, receive, decode) or the server handler (receive,
// execute against a backend, reply), selected by the connection's
// role, plus the top-level server read loop that drives the server
// handlers from an accepted connection.
package dispatch

import (
	"fmt"

	"github.com/Alia5/usbrpc/rpc"
)

// Kind classifies a failure for in-process callers. The wire only ever
// carries SUCCESS/FAILURE, but locally the caller gets to see which
// failure tier actually happened.
type Kind uint8

const (
	OK Kind = iota
	InvalidArg
	BadContext
	Wire
	BackendFailure
	NotFound
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "OK"
	case InvalidArg:
		return "InvalidArg"
	case BadContext:
		return "BadContext"
	case Wire:
		return "Wire"
	case BackendFailure:
		return "Backend"
	case NotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}

// Result is the local-side outcome of an S-returning operation. The
// wire only ever sees Result.Status(); Kind and Err are for the caller
// and the logs.
type Result struct {
	Kind Kind
	Err  error
}

// Success is the zero Result: local validation passed, the wire round
// trip (if any) succeeded, and the backend reported success.
var Success = Result{Kind: OK}

func fail(kind Kind, format string, args ...any) Result {
	return Result{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Ok reports whether the operation fully succeeded.
func (r Result) Ok() bool { return r.Kind == OK }

// Status projects a Result onto the binary wire contract: there is no
// rich error kind on the wire, only SUCCESS vs FAILURE.
func (r Result) Status() rpc.Status {
	if r.Kind == OK {
		return rpc.StatusSuccess
	}
	return rpc.StatusFailure
}

func (r Result) Error() string {
	if r.Err == nil {
		return r.Kind.String()
	}
	return fmt.Sprintf("%s: %v", r.Kind, r.Err)
}

// resultFromStatus turns a wire status read back from a server response
// into a Result carrying no further local detail; once a request has
// round-tripped, the only failure information the wire preserves is
// SUCCESS/FAILURE.
func resultFromStatus(s rpc.Status) Result {
	if s == rpc.StatusSuccess {
		return Success
	}
	return Result{Kind: BackendFailure, Err: fmt.Errorf("server reported FAILURE")}
}

