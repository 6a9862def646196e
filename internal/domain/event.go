package domain

// EventKind classifies inbound webhook events after decoding.
type EventKind string

const (
	EventText         EventKind = "text"
	EventPostback     EventKind = "postback"
	EventMemberJoined EventKind = "member_joined"
	EventOther        EventKind = "other"
)

// InboundEvent is a verified, decoded webhook event reduced to the fields the
// bot acts on.
type InboundEvent struct {
	EventID      string
	Kind         EventKind
	Type         string // raw platform event type, for logs and metrics
	UserID       string
	GroupID      string
	Text         string
	ReplyToken   string
	PostbackData string
	JoinedUsers  []string
	Redelivery   bool
}
