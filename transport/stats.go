package transport

// TagHistorySummary aggregates the TagMonitor's bounded ring for the
// statistics() surface in spec.md §6.
type TagHistorySummary struct {
	Entries        int
	Accepted       int
	Mismatches     int
	SuspectedResets int
	OldestTag      uint32
	NewestTag      uint32
}

// Snapshot is the full statistics() payload: per-phase counters plus a
// tag-history summary.
type Snapshot struct {
	Phase      Phase
	Counters   PhaseCounters
	TagHistory TagHistorySummary
}

// Snapshot returns the orchestrator's statistics() view without taking the
// exchange lock.
func (h *Handle) Snapshot() Snapshot {
	history := h.tags.History()
	summary := TagHistorySummary{Entries: len(history)}
	for i, rec := range history {
		switch rec.Outcome {
		case ValidationAccept:
			summary.Accepted++
		case ValidationMismatch:
			summary.Mismatches++
		case ValidationSuspectedReset:
			summary.SuspectedResets++
		}
		if i == 0 {
			summary.OldestTag = rec.Tag
		}
		summary.NewestTag = rec.Tag
	}

	return Snapshot{
		Phase:      h.lc.Phase(),
		Counters:   h.lc.Counters(),
		TagHistory: summary,
	}
}
