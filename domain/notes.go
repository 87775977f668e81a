package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Note is the ActivityStreams object a published workout is announced with.
type Note struct {
	ID           string
	AttributedTo string
	Content      string
	Published    time.Time
	To           []string
	Cc           []string
}

type noteObject struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	AttributedTo string   `json:"attributedTo"`
	Content      string   `json:"content"`
	Published    string   `json:"published"`
	To           []string `json:"to,omitempty"`
	Cc           []string `json:"cc,omitempty"`
}

// PublicNote addresses content to the public collection, cc the author's followers.
func PublicNote(id string, author *Actor, content string, published time.Time) *Note {
	return &Note{
		ID:           id,
		AttributedTo: author.ActorURL,
		Content:      content,
		Published:    published,
		To:           []string{PublicCollection},
		Cc:           []string{author.FollowersURL},
	}
}

func (note *Note) ToObject() (json.RawMessage, error) {
	return json.Marshal(noteObject{
		ID:           note.ID,
		Type:         "Note",
		AttributedTo: note.AttributedTo,
		Content:      note.Content,
		Published:    note.Published.UTC().Format(time.RFC3339),
		To:           note.To,
		Cc:           note.Cc,
	})
}

func (note *Note) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tAttributedTo: %s \n\tContent: %s \n\tPublished: %s)", note.ID, note.AttributedTo, note.Content, note.Published)
}
