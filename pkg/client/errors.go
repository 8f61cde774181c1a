package client

import (
	"errors"
	"fmt"

	"github.com/pzhenzhou/redkit/pkg/respio"
)

var (
	// ErrConnClosed fails every outstanding and future request once the
	// connection is torn down; it wraps the terminal cause.
	ErrConnClosed = errors.New("redkit: connection is closed")

	// ErrTxAborted fails every member of a transaction whose EXEC reply was
	// nil (WATCH invalidation or server-side abort).
	ErrTxAborted = errors.New("redkit: transaction aborted")

	// ErrTxDiscarded fails every member of an explicitly discarded
	// transaction.
	ErrTxDiscarded = errors.New("redkit: transaction discarded")

	// ErrTxDone rejects Queue/Exec/Discard on a finished transaction.
	ErrTxDone = errors.New("redkit: transaction already finished")

	// ErrTxActive rejects BeginTx while another transaction owns the
	// connection.
	ErrTxActive = errors.New("redkit: transaction already in progress")
)

// ServerError is a server-reported error reply (- or ! frame) lifted into
// an error for callers that want Go error flow instead of inspecting the
// value. The multiplexer itself never produces it: error replies are
// routed and fulfilled exactly like any other value.
type ServerError struct {
	Message string
	Blob    bool
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %s", e.Message)
}

// AsServerError returns a ServerError when v is an error reply, nil
// otherwise.
func AsServerError(v *respio.RespValue) error {
	if !v.IsError() {
		return nil
	}
	return &ServerError{
		Message: string(v.Data),
		Blob:    v.Type == respio.RespBlobError,
	}
}

func connClosedError(cause error) error {
	if cause == nil {
		return ErrConnClosed
	}
	return fmt.Errorf("%w: %w", ErrConnClosed, cause)
}
