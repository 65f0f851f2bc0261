package monitor

import (
	"errors"
	"fmt"
	"strings"
)

// Push types delivered by the upstream watcher.
const (
	PushNewTweet       = "new_tweet"
	PushNewDescription = "new_description"
)

// ErrInvalidMessage is returned for messages that cannot be processed.
var ErrInvalidMessage = errors.New("invalid message")

// User identifies the account a message came from.
type User struct {
	Name       string `json:"name"`
	ScreenName string `json:"screen_name"`
}

// Message is one inbound social post or profile update.
type Message struct {
	PushType string `json:"push_type"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	User     User   `json:"user"`
}

// Validate checks the fields the pipeline depends on.
func (m Message) Validate() error {
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("monitor: empty content: %w", ErrInvalidMessage)
	}
	return nil
}

// Text is the body handed to the classifier. Profile updates are framed so
// the classifier knows it is reading a bio rather than a post.
func (m Message) Text() string {
	if m.PushType == PushNewDescription {
		return "Updated their profile description. New description: " + m.Content
	}
	return m.Content
}

// Author returns the screen name, falling back to the display name.
func (m Message) Author() string {
	if m.User.ScreenName != "" {
		return m.User.ScreenName
	}
	return m.User.Name
}
