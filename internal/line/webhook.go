package line

import (
	"errors"
	"net/http"

	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"

	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/domain"
)

// ErrInvalidSignature is returned when X-Line-Signature does not match the body.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// ParseRequest verifies the request signature with the channel secret and
// decodes its events.
func ParseRequest(channelSecret string, r *http.Request) ([]domain.InboundEvent, error) {
	cb, err := webhook.ParseRequest(channelSecret, r)
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			return nil, ErrInvalidSignature
		}
		return nil, err
	}
	out := make([]domain.InboundEvent, 0, len(cb.Events))
	for _, ev := range cb.Events {
		out = append(out, convert(ev))
	}
	return out, nil
}

func convert(ev webhook.EventInterface) domain.InboundEvent {
	switch e := ev.(type) {
	case webhook.MessageEvent:
		in := domain.InboundEvent{
			EventID:    e.WebhookEventId,
			Kind:       domain.EventOther,
			Type:       "message",
			ReplyToken: e.ReplyToken,
			Redelivery: redelivery(e.DeliveryContext),
		}
		in.UserID, in.GroupID = source(e.Source)
		if tm, ok := e.Message.(webhook.TextMessageContent); ok {
			in.Kind = domain.EventText
			in.Text = tm.Text
		}
		return in

	case webhook.PostbackEvent:
		in := domain.InboundEvent{
			EventID:    e.WebhookEventId,
			Kind:       domain.EventPostback,
			Type:       "postback",
			ReplyToken: e.ReplyToken,
			Redelivery: redelivery(e.DeliveryContext),
		}
		in.UserID, in.GroupID = source(e.Source)
		if e.Postback != nil {
			in.PostbackData = e.Postback.Data
		}
		return in

	case webhook.MemberJoinedEvent:
		in := domain.InboundEvent{
			EventID:    e.WebhookEventId,
			Kind:       domain.EventMemberJoined,
			Type:       "memberJoined",
			ReplyToken: e.ReplyToken,
			Redelivery: redelivery(e.DeliveryContext),
		}
		in.UserID, in.GroupID = source(e.Source)
		if e.Joined != nil {
			for _, m := range e.Joined.Members {
				in.JoinedUsers = append(in.JoinedUsers, m.UserId)
			}
		}
		return in
	}
	return domain.InboundEvent{Kind: domain.EventOther, Type: ev.GetType()}
}

// source returns the sender and, for group chats, the group id.
func source(s webhook.SourceInterface) (userID, groupID string) {
	switch v := s.(type) {
	case webhook.UserSource:
		return v.UserId, ""
	case webhook.GroupSource:
		return v.UserId, v.GroupId
	case webhook.RoomSource:
		return v.UserId, ""
	}
	return "", ""
}

func redelivery(dc *webhook.DeliveryContext) bool {
	return dc != nil && dc.IsRedelivery
}
