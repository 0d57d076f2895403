package domain

// Progress holds the dispatch counters for a campaign. All four values are
// monotonically non-decreasing while the campaign runs, and
// Processed == Successful + Failed at every observable instant.
type Progress struct {
	TotalRecipients     int64 `json:"total_recipients" db:"total_recipients"`
	ProcessedRecipients int64 `json:"processed_recipients" db:"processed_recipients"`
	SuccessfulSends     int64 `json:"successful_sends" db:"successful_sends"`
	FailedSends         int64 `json:"failed_sends" db:"failed_sends"`
}

// Consistent reports whether the counter invariants hold.
func (p Progress) Consistent() bool {
	return p.ProcessedRecipients == p.SuccessfulSends+p.FailedSends &&
		p.ProcessedRecipients <= p.TotalRecipients &&
		p.SuccessfulSends >= 0 && p.FailedSends >= 0
}

// Done reports whether every recipient has been processed.
func (p Progress) Done() bool {
	return p.TotalRecipients > 0 && p.ProcessedRecipients >= p.TotalRecipients
}
