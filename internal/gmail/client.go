package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mailscope/backend/internal/errs"
	"github.com/mailscope/backend/internal/service"
)

const callTimeout = 30 * time.Second

type Client struct {
	clientID     string
	clientSecret string
}

func NewClient(clientID, clientSecret string) *Client {
	return &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

// ListMessageIDs fetches one page of message IDs from the Gmail API
// (lightweight, no message bodies).
func (c *Client) ListMessageIDs(ctx context.Context, accessToken, query string, maxResults int64, pageToken string) (*service.MessagePage, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	gmailService, err := c.newService(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	listCall := gmailService.Users.Messages.List("me").Q(query).MaxResults(maxResults)
	if pageToken != "" {
		listCall = listCall.PageToken(pageToken)
	}

	listResp, err := listCall.Context(ctx).Do()
	if err != nil {
		return nil, classify("failed to list messages", err)
	}

	messageIDs := make([]string, 0, len(listResp.Messages))
	for _, msg := range listResp.Messages {
		messageIDs = append(messageIDs, msg.Id)
	}

	return &service.MessagePage{
		MessageIDs:    messageIDs,
		NextPageToken: listResp.NextPageToken,
	}, nil
}

// GetMessage fetches and parses a single message by its Gmail message ID.
func (c *Client) GetMessage(ctx context.Context, accessToken, messageID string) (*service.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	gmailService, err := c.newService(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	fullMsg, err := gmailService.Users.Messages.Get("me", messageID).Format("metadata").Context(ctx).Do()
	if err != nil {
		return nil, classify(fmt.Sprintf("failed to get message %s", messageID), err)
	}

	msg := c.parseMessage(fullMsg)
	return &msg, nil
}

// RefreshToken exchanges a refresh token for a new access token. An
// invalid_grant response means the grant was revoked and the user must
// re-authorize; anything else is treated as transient.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*service.TokenRefreshResult, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	config := &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: "https://oauth2.googleapis.com/token",
		},
	}

	token := &oauth2.Token{
		RefreshToken: refreshToken,
	}

	tokenSource := config.TokenSource(ctx, token)
	newToken, err := tokenSource.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant" {
			return nil, errs.AuthRequired("refresh grant is invalid or revoked", err)
		}
		return nil, errs.Transient("failed to refresh token", err)
	}

	result := &service.TokenRefreshResult{
		AccessToken: newToken.AccessToken,
		ExpiresAt:   newToken.Expiry,
	}

	// Check if refresh token was rotated
	if newToken.RefreshToken != "" && newToken.RefreshToken != refreshToken {
		result.RefreshToken = newToken.RefreshToken
	} else {
		result.RefreshToken = refreshToken
	}

	return result, nil
}

func (c *Client) newService(ctx context.Context, accessToken string) (*gmail.Service, error) {
	token := &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}
	gmailService, err := gmail.NewService(ctx, option.WithTokenSource(oauth2.StaticTokenSource(token)))
	if err != nil {
		return nil, errs.Transient("failed to create Gmail service", err)
	}
	return gmailService, nil
}

// classify maps Gmail API failures onto the error taxonomy. 401s mean the
// access token is no longer honored; rate limits and server errors are
// retryable.
func classify(msg string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401:
			return errs.AuthRequired(msg, err)
		case apiErr.Code == 429 || apiErr.Code >= 500:
			return errs.Transient(msg, err)
		}
		return fmt.Errorf("%s: %w", msg, err)
	}
	if errs.IsRetryable(err) {
		return errs.Transient(msg, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// parseMessage maps a Gmail message onto the normalized form the cache
// stores. Metadata format carries headers, labels, and the snippet.
func (c *Client) parseMessage(msg *gmail.Message) service.Message {
	out := service.Message{
		ID:         msg.Id,
		ThreadID:   msg.ThreadId,
		Snippet:    msg.Snippet,
		Labels:     msg.LabelIds,
		RawHeaders: make(map[string]interface{}),
	}

	// Parse internal date (milliseconds since epoch)
	if msg.InternalDate > 0 {
		out.InternalDate = time.UnixMilli(msg.InternalDate).UTC()
	}

	if msg.Payload == nil {
		return out
	}

	for _, header := range msg.Payload.Headers {
		out.RawHeaders[header.Name] = header.Value

		switch header.Name {
		case "Subject":
			out.Subject = header.Value
		case "From":
			out.From = NormalizeAddress(header.Value)
		case "To":
			out.To = splitAddresses(header.Value)
		}
	}

	out.HasAttachments = hasAttachments(msg.Payload)

	return out
}

// hasAttachments recursively checks message parts for attached files.
func hasAttachments(payload *gmail.MessagePart) bool {
	for _, part := range payload.Parts {
		if part.Filename != "" && part.Body != nil {
			return true
		}
		if len(part.Parts) > 0 && hasAttachments(part) {
			return true
		}
	}
	return false
}

// NormalizeAddress extracts the bare lowercase address from a display-name
// form like "Jane Doe <jane@example.com>".
func NormalizeAddress(raw string) string {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil {
		return strings.ToLower(strings.TrimSpace(raw))
	}
	return strings.ToLower(addr.Address)
}

// splitAddresses normalizes a comma-separated recipient header.
func splitAddresses(raw string) []string {
	addrs, err := mail.ParseAddressList(raw)
	if err != nil {
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, strings.ToLower(p))
			}
		}
		return out
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, strings.ToLower(a.Address))
	}
	return out
}
