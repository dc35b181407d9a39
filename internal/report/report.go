// Package report defines where background failures go. Cache fetches and
// comment actions never return their errors to callers; they hand them to
// a Reporter.
package report

import (
	"context"
	"log/slog"

	"go.trai.ch/zerr"
)

type Reporter interface {
	Report(err error)
}

// Func adapts a function to a Reporter.
type Func func(err error)

func (f Func) Report(err error) {
	if f != nil && err != nil {
		f(err)
	}
}

// Log returns a Reporter that writes errors to logger at error level,
// with zerr metadata expanded into attributes.
func Log(logger *slog.Logger) Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return Func(func(err error) {
		zerr.Log(context.Background(), logger, err)
	})
}

// Discard drops every error.
var Discard Reporter = Func(func(error) {})
