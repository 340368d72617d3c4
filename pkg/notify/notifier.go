// Package notify delivers findings to a messaging endpoint, one message per
// finding.
package notify

import (
	"context"

	"github.com/cve-watch/pkg/advisory"
)

type Notifier interface {
	// Deliver sends a single finding. Transient endpoint failures are
	// retried internally; a returned error means the finding was not
	// delivered and must not be marked as notified.
	Deliver(ctx context.Context, f advisory.Finding) error
}
