// Package worker holds the gateway's long-running background tasks and the
// runner that supervises them.
package worker

import "context"

// Worker runs until its context is cancelled. A non-nil return other than
// the context error signals an unrecoverable failure.
type Worker interface {
	Run(ctx context.Context) error
}
