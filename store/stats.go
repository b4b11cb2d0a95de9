package store

// MailboxStats holds per-viewer folder counts.
type MailboxStats struct {
	// Inbox is the number of non-trashed received mails.
	Inbox int64

	// Sent is the number of non-trashed sent mails.
	Sent int64

	// Unread is the number of unread mails in the inbox.
	Unread int64

	// Trash is the number of trashed mails visible to the viewer,
	// counting both received and sent mails.
	Trash int64
}

// Clone returns a copy of the stats.
func (s *MailboxStats) Clone() *MailboxStats {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}
