// Package models defines the core data structures for ChannelFlow.
//
// It includes the conversation input and output types, the background job
// descriptions and the API response envelope shared across modules.
package models

import (
	"regexp"
	"slices"
	"strings"
)

// ChannelID identifies a conversation channel. A channel hosts at most one
// active conversation at a time.
type ChannelID string

// UserID identifies a user on the messaging platform.
type UserID string

// EntityKind distinguishes the mentions that can appear in message text.
type EntityKind string

const (
	// EntityKindUser is a user mention written as <@id>.
	EntityKindUser EntityKind = "user"
	// EntityKindChannel is a channel mention written as <#id|name>.
	EntityKindChannel EntityKind = "channel"
)

// Entity is a mention extracted from message text.
type Entity struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
	Name string     `json:"name,omitempty"`
}

// UserInfo holds cached profile information about a user.
type UserInfo struct {
	ID       UserID `json:"id"`
	Name     string `json:"name,omitempty"`
	RealName string `json:"real_name,omitempty"`
	TimeZone string `json:"time_zone,omitempty"`
}

// MessageContext maps mentioned user ids to their cached profile info.
type MessageContext map[UserID]UserInfo

// Message is a text message received on a channel.
type Message struct {
	Channel          ChannelID      `json:"channel"`
	Text             string         `json:"text"`
	SenderID         UserID         `json:"sender_id"`
	OriginalSenderID UserID         `json:"original_sender_id,omitempty"`
	Entities         []Entity       `json:"entities,omitempty"`
	Context          MessageContext `json:"context,omitempty"`
}

var (
	userMentionRegex    = regexp.MustCompile(`<@([^<>|\s]+)>`)
	channelMentionRegex = regexp.MustCompile(`<#([^<>|\s]+)\|([^<>]*)>`)
)

// NewMessage builds a Message and extracts the mentions contained in text.
func NewMessage(channel ChannelID, sender UserID, text string) Message {
	return Message{
		Channel:          channel,
		Text:             text,
		SenderID:         sender,
		OriginalSenderID: sender,
		Entities:         ParseEntities(text),
	}
}

// ParseEntities extracts user and channel mentions from text in order of appearance.
func ParseEntities(text string) []Entity {
	type located struct {
		pos    int
		entity Entity
	}
	var found []located
	for _, m := range userMentionRegex.FindAllStringSubmatchIndex(text, -1) {
		found = append(found, located{pos: m[0], entity: Entity{Kind: EntityKindUser, ID: text[m[2]:m[3]]}})
	}
	for _, m := range channelMentionRegex.FindAllStringSubmatchIndex(text, -1) {
		found = append(found, located{pos: m[0], entity: Entity{Kind: EntityKindChannel, ID: text[m[2]:m[3]], Name: text[m[4]:m[5]]}})
	}
	if len(found) == 0 {
		return nil
	}
	slices.SortFunc(found, func(a, b located) int { return a.pos - b.pos })
	entities := make([]Entity, len(found))
	for i, l := range found {
		entities[i] = l.entity
	}
	return entities
}

// MentionedUsers returns the ids of all users mentioned in the message.
func (m Message) MentionedUsers() []UserID {
	var ids []UserID
	for _, e := range m.Entities {
		if e.Kind == EntityKindUser {
			ids = append(ids, UserID(e.ID))
		}
	}
	return ids
}

// NormalizedText returns the message text trimmed and lower-cased, the form
// behaviors use for keyword matching.
func (m Message) NormalizedText() string {
	return strings.ToLower(strings.TrimSpace(m.Text))
}
