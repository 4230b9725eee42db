package ingest

import (
	"fmt"
	"strings"

	"github.com/cptnfren/teltubby/internal/logger"
	"github.com/cptnfren/teltubby/pkg/archive"
	"github.com/cptnfren/teltubby/pkg/quota"
)

// FormatAck renders the curator-visible summary for a processed unit:
// counts, bytes, duplicates with reason, skipped with reason, queued
// jobs, and a quota warning when the gate is in the warning band.
func FormatAck(res *UnitResult) string {
	var b strings.Builder

	if res.Rejected {
		b.WriteString("Rejected: nothing archived.\n")
		for _, r := range res.Results {
			fmt.Fprintf(&b, "  item %d: %s\n", r.Item.Ordinal, r.Reason)
		}
		return strings.TrimRight(b.String(), "\n")
	}

	var stored, duplicate, skipped, failed int
	var bytes int64
	for _, r := range res.Results {
		switch r.Status {
		case archive.ItemStored:
			stored++
			bytes += r.Bytes
		case archive.ItemDuplicate:
			duplicate++
		case archive.ItemSkipped:
			skipped++
		case archive.ItemFailed:
			failed++
		}
	}

	switch {
	case stored == 0 && duplicate == 0 && len(res.Queued) > 0:
		fmt.Fprintf(&b, "Queued %d oversize item(s) for background archival.\n", len(res.Queued))
	case stored == 0 && duplicate > 0 && failed == 0 && skipped == 0:
		b.WriteString("Already archived: all items were duplicates.\n")
	default:
		fmt.Fprintf(&b, "Archived %d item(s), %s uploaded.\n", stored, logger.FormatBytes(bytes))
	}

	if res.Prefix != "" && (stored > 0 || duplicate > 0) {
		fmt.Fprintf(&b, "Location: %s\n", res.Prefix)
	}

	for _, r := range res.Results {
		switch r.Status {
		case archive.ItemDuplicate:
			fmt.Fprintf(&b, "  item %d: duplicate of %s (%s)\n", r.Item.Ordinal, r.DuplicateOf, r.DedupReason)
		case archive.ItemSkipped:
			if r.Reason == "routed_to_queue" {
				continue
			}
			fmt.Fprintf(&b, "  item %d: skipped (%s)\n", r.Item.Ordinal, r.Reason)
		case archive.ItemFailed:
			fmt.Fprintf(&b, "  item %d: failed (%s)\n", r.Item.Ordinal, r.Reason)
		}
	}

	for _, job := range res.Queued {
		fmt.Fprintf(&b, "  job %s: queued (%s)\n", job.ID, logger.FormatBytes(job.FileSize))
	}

	if res.Quota.State == quota.StateWarning {
		fmt.Fprintf(&b, "Warning: bucket is %.0f%% full.\n", res.Quota.Ratio*100)
	}

	return strings.TrimRight(b.String(), "\n")
}

// FormatRefusal renders the user-visible quota refusal.
func FormatRefusal(snap quota.Snapshot) string {
	if snap.RatioKnown {
		return fmt.Sprintf("Archive refused: bucket quota exhausted (%.0f%% full). Free space or raise the quota, then retry.", snap.Ratio*100)
	}
	return "Archive refused: bucket quota exhausted. Free space or raise the quota, then retry."
}
