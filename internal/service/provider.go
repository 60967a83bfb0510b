package service

import (
	"context"
	"time"
)

// Provider is the canonical provider name stored on token and message rows.
const Provider = "gmail"

// ProviderClient is the slice of the provider API the job system needs.
// The concrete Gmail client satisfies it; tests substitute fakes.
type ProviderClient interface {
	ListMessageIDs(ctx context.Context, accessToken, query string, maxResults int64, pageToken string) (*MessagePage, error)
	GetMessage(ctx context.Context, accessToken, messageID string) (*Message, error)
	RefreshToken(ctx context.Context, refreshToken string) (*TokenRefreshResult, error)
}

// MessagePage is one page of the provider's list endpoint.
type MessagePage struct {
	MessageIDs    []string
	NextPageToken string
}

// Message is a normalized provider message.
type Message struct {
	ID             string
	ThreadID       string
	Subject        string
	From           string
	To             []string
	Snippet        string
	Labels         []string
	InternalDate   time.Time
	HasAttachments bool
	RawHeaders     map[string]interface{}
}

// TokenRefreshResult is the outcome of exchanging a refresh token.
type TokenRefreshResult struct {
	AccessToken  string
	RefreshToken string // may be rotated or unchanged
	ExpiresAt    time.Time
}
