// Package ingest implements the ingestion core: the album aggregator
// that turns the message stream into atomic archive units, the size
// router that splits inline and queued items, and the pipeline that
// deduplicates, uploads, and commits each unit.
package ingest

import "github.com/cptnfren/teltubby/pkg/archive"

// Route is the size router's verdict for one item.
type Route string

const (
	// RouteInline items are fetched through the bot transport and
	// archived in-process.
	RouteInline Route = "inline"

	// RouteQueue items exceed the inline transport limit and are
	// enqueued for the out-of-process worker.
	RouteQueue Route = "queue"

	// RouteSkip items exceed the configured hard ceiling and are never
	// archived.
	RouteSkip Route = "skip"
)

// Router classifies items by declared size. The size hint is untrusted:
// the pipeline still reroutes an inline item to the queue when the
// transport refuses it as too big mid-fetch.
type Router struct {
	inlineLimit int64
	maxFileSize int64
}

// NewRouter builds a router. maxFileSize of zero means no hard ceiling.
func NewRouter(inlineLimit, maxFileSize int64) *Router {
	return &Router{inlineLimit: inlineLimit, maxFileSize: maxFileSize}
}

// Classify routes a single item by its declared size.
func (r *Router) Classify(item *archive.Item) Route {
	if r.maxFileSize > 0 && item.SizeHint > r.maxFileSize {
		return RouteSkip
	}
	if r.inlineLimit > 0 && item.SizeHint > r.inlineLimit {
		return RouteQueue
	}
	return RouteInline
}
