package models

// SenderCount is one entry of a sender distribution, ordered by count
// descending, then sender ascending, so snapshots are deterministic.
type SenderCount struct {
	Sender string `json:"sender"`
	Count  int    `json:"count"`
}

// DayCount is the number of messages on one calendar day (UTC, "2006-01-02").
type DayCount struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}

// AnalyticsSnapshot is a pure aggregation over a set of cached messages.
// Same messages + same user email always produce an identical snapshot.
type AnalyticsSnapshot struct {
	TotalMessages   int           `json:"total_messages"`
	Inbound         int           `json:"inbound"`
	Outbound        int           `json:"outbound"`
	WithAttachments int           `json:"with_attachments"`
	UniqueSenders   int           `json:"unique_senders"`
	TopSenders      []SenderCount `json:"top_senders"`
	MessagesPerDay  []DayCount    `json:"messages_per_day"`
}
