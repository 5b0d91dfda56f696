package secondary

import (
	"context"
	"errors"
)

var (
	// ErrTransient marks a tag-system failure worth retrying: rate
	// limits, timeouts, flaky connections. Adapters wrap such failures
	// with this sentinel so the sync layer can back off and retry.
	ErrTransient = errors.New("transient tag system failure")

	// ErrObjectGone marks a permanent failure: the external object no
	// longer exists. Never retried.
	ErrObjectGone = errors.New("external object gone")
)

// TagClient defines the secondary port for the external tag system.
// All operations are idempotent: adding a present tag or removing an
// absent one succeeds silently.
type TagClient interface {
	// AddTag ensures tag is present on the external object.
	AddTag(ctx context.Context, externalRef, tag string) error

	// RemoveTag ensures tag is absent from the external object.
	RemoveTag(ctx context.Context, externalRef, tag string) error

	// ListTags returns the current tag set of the external object.
	ListTags(ctx context.Context, externalRef string) ([]string, error)
}
