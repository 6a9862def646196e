// Package line adapts the LINE Messaging API SDK to the bot: replying with
// text, reading user and group-member profiles, and decoding verified webhook
// requests into domain.InboundEvent values.
package line

import (
	"context"
	"fmt"
	"strings"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"golang.org/x/text/language"

	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/domain"
)

// maxTextRunes is the LINE limit for one text message.
const maxTextRunes = 5000

// Client sends replies and reads profiles.
type Client struct {
	api *messaging_api.MessagingApiAPI
}

// NewClient builds a Client for the channel access token. Options are passed
// through to the SDK (e.g. messaging_api.WithEndpoint in tests).
func NewClient(channelToken string, opts ...messaging_api.MessagingApiAPIOption) (*Client, error) {
	api, err := messaging_api.NewMessagingApiAPI(channelToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("line client: %w", err)
	}
	return &Client{api: api}, nil
}

// Reply sends text once using the reply token. Long text is split across up
// to five bubbles, the most one reply can carry.
func (c *Client) Reply(ctx context.Context, replyToken, text string) error {
	if replyToken == "" {
		return fmt.Errorf("line reply: empty reply token")
	}
	chunks := splitText(text, maxTextRunes, 5)
	msgs := make([]messaging_api.MessageInterface, 0, len(chunks))
	for _, ch := range chunks {
		msgs = append(msgs, messaging_api.TextMessage{Text: ch})
	}
	_, err := c.api.WithContext(ctx).ReplyMessage(&messaging_api.ReplyMessageRequest{
		ReplyToken: replyToken,
		Messages:   msgs,
	})
	if err != nil {
		return fmt.Errorf("line reply: %w", err)
	}
	return nil
}

// Profile returns the user's display name and a normalized BCP 47 language.
func (c *Client) Profile(ctx context.Context, userID string) (domain.UserInfo, error) {
	p, err := c.api.WithContext(ctx).GetProfile(userID)
	if err != nil {
		return domain.UserInfo{}, fmt.Errorf("line profile: %w", err)
	}
	return domain.UserInfo{DisplayName: p.DisplayName, Language: NormalizeLanguage(p.Language)}, nil
}

// GroupMemberName returns a group member's display name.
func (c *Client) GroupMemberName(ctx context.Context, groupID, userID string) (string, error) {
	p, err := c.api.WithContext(ctx).GetGroupMemberProfile(groupID, userID)
	if err != nil {
		return "", fmt.Errorf("line group member profile: %w", err)
	}
	return p.DisplayName, nil
}

// NormalizeLanguage canonicalizes a profile language tag, falling back to
// domain.DefaultLanguage when it is empty or malformed.
func NormalizeLanguage(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.DefaultLanguage
	}
	tag, err := language.Parse(raw)
	if err != nil || tag == language.Und {
		return domain.DefaultLanguage
	}
	return tag.String()
}

// splitText cuts s into at most max chunks of at most size runes each. Text
// beyond the last chunk is dropped.
func splitText(s string, size, max int) []string {
	r := []rune(s)
	if len(r) == 0 {
		return []string{""}
	}
	var out []string
	for len(r) > 0 && len(out) < max {
		n := size
		if n > len(r) {
			n = len(r)
		}
		out = append(out, string(r[:n]))
		r = r[n:]
	}
	return out
}
