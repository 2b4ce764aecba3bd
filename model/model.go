// Package model holds the value types shared across showchat components.
// Values are immutable snapshots: a newer read replaces an older one wholesale.
package model

import (
	"time"

	"github.com/ggoodman/showchat-go/streams"
)

// Show is the metadata of one live show.
type Show struct {
	ID             string `json:"id" yaml:"id" jsonschema:"required"`
	ShowKey        string `json:"show_key" yaml:"show_key" jsonschema:"required,minLength=1"`
	Name           string `json:"name" yaml:"name" jsonschema:"required"`
	Description    string `json:"description,omitempty" yaml:"description,omitempty"`
	Status         string `json:"status" yaml:"status" jsonschema:"enum=created,enum=live,enum=ended,enum=replay"`
	TrailerURL     string `json:"trailer_url,omitempty" yaml:"trailer_url,omitempty"`
	HLSURL         string `json:"hls_url,omitempty" yaml:"hls_url,omitempty"`
	HLSPlaybackURL string `json:"hls_playback_url,omitempty" yaml:"hls_playback_url,omitempty"`
}

// StatusSnapshot projects the status subset of s.
func (s Show) StatusSnapshot() ShowStatus {
	return ShowStatus{
		ShowKey:        s.ShowKey,
		Status:         s.Status,
		HLSURL:         s.HLSURL,
		HLSPlaybackURL: s.HLSPlaybackURL,
	}
}

// ShowStatus is the broadcast state subset of a Show.
type ShowStatus struct {
	ShowKey        string `json:"show_key"`
	Status         string `json:"status"`
	HLSURL         string `json:"hls_url,omitempty"`
	HLSPlaybackURL string `json:"hls_playback_url,omitempty"`
}

// Timetoken is the ordering token the real-time network assigns to a
// published message. Later messages compare greater.
type Timetoken = streams.EventID

// ParseTimetoken parses the string form of a Timetoken.
func ParseTimetoken(s string) (Timetoken, error) { return streams.ParseEventID(s) }

// Message is one chat message as seen by subscribers and history readers.
type Message struct {
	// ID is a ULID minted by the publisher.
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	SenderID  string    `json:"sender_id"`
	SentAt    time.Time `json:"sent_at"`
	Timetoken Timetoken `json:"timetoken"`
}

// HistoryPage is one page of chat history in chronological order. Cursor is
// passed back to fetch the next older page; it is empty when More is false.
type HistoryPage struct {
	Messages []Message `json:"messages"`
	Cursor   string    `json:"cursor,omitempty"`
	More     bool      `json:"more"`
}
