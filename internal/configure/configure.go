// Package configure applies a batch of configuration lines to a device as
// one stage-then-commit transaction.
package configure

import (
	"context"
	"errors"

	"github.com/eugenetaranov/ztp/internal/connector"
)

// ErrNoLines is reported for a transaction with nothing to apply.
var ErrNoLines = errors.New("no configuration lines to apply")

// Result is the outcome of one push attempt.
type Result struct {
	// ExitCode is 0 on success and 1 when staging or commit failed.
	ExitCode int `json:"exit_code" yaml:"exit_code"`

	// Output is the commit output on success. On failure it holds the
	// staging output followed by an empty commit output.
	Output string `json:"output" yaml:"output"`

	// Error is the failure message, empty on success.
	Error string `json:"error" yaml:"error"`

	// Err is the underlying failure.
	Err error `json:"-" yaml:"-"`
}

// OK reports whether the transaction committed.
func (r Result) OK() bool {
	return r.ExitCode == 0
}

// Apply stages lines and commits them with comment. There is exactly one
// commit attempt and no rollback: a failed transaction relies on the
// device discarding uncommitted changes.
func Apply(ctx context.Context, sess connector.Session, lines []string, comment string) Result {
	if len(lines) == 0 {
		return failed("", ErrNoLines)
	}

	enterOutput, err := sess.SendConfigSet(ctx, lines)
	if err != nil {
		return failed(enterOutput, err)
	}

	commitOutput, err := sess.Commit(ctx, comment)
	if err != nil {
		return failed(enterOutput, err)
	}

	return Result{ExitCode: 0, Output: commitOutput}
}

func failed(enterOutput string, err error) Result {
	return Result{
		ExitCode: 1,
		Output:   enterOutput + "\n",
		Error:    err.Error(),
		Err:      err,
	}
}
