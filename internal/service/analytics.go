package service

import (
	"sort"
	"strings"

	"github.com/mailscope/backend/internal/models"
)

// TopSenderLimit caps the sender distribution in a snapshot.
const TopSenderLimit = 10

// ComputeAnalytics aggregates a set of cached messages into a snapshot.
// Pure and deterministic: no I/O, and identical inputs always produce an
// identical snapshot (distributions are sorted with stable tie-breaks).
func ComputeAnalytics(messages []models.CachedMessage, userEmail string) models.AnalyticsSnapshot {
	userEmail = strings.ToLower(strings.TrimSpace(userEmail))

	snapshot := models.AnalyticsSnapshot{
		TotalMessages: len(messages),
	}

	senders := make(map[string]int)
	days := make(map[string]int)

	for _, msg := range messages {
		from := strings.ToLower(msg.FromEmail)

		if from == userEmail && userEmail != "" {
			snapshot.Outbound++
		} else {
			snapshot.Inbound++
		}

		if msg.HasAttachments {
			snapshot.WithAttachments++
		}

		if from != "" {
			senders[from]++
		}
		if !msg.InternalDate.IsZero() {
			days[msg.InternalDate.UTC().Format("2006-01-02")]++
		}
	}

	snapshot.UniqueSenders = len(senders)
	snapshot.TopSenders = topSenders(senders, TopSenderLimit)
	snapshot.MessagesPerDay = perDay(days)

	return snapshot
}

func topSenders(counts map[string]int, limit int) []models.SenderCount {
	out := make([]models.SenderCount, 0, len(counts))
	for sender, count := range counts {
		out = append(out, models.SenderCount{Sender: sender, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Sender < out[j].Sender
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func perDay(counts map[string]int) []models.DayCount {
	out := make([]models.DayCount, 0, len(counts))
	for day, count := range counts {
		out = append(out, models.DayCount{Day: day, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Day < out[j].Day
	})
	return out
}
