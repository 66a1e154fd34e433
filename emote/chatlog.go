// Package emote implements the emote statistic core: parsing chat logs produced
// by TwitchDownloaderCLI and counting configured emote usage per commenter.
package emote

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ChatLog is the subset of the TwitchDownloaderCLI chatdownload JSON output
// the tracker needs. Unknown fields are ignored.
type ChatLog struct {
	Video    ChatVideo `json:"video"`
	Comments []Comment `json:"comments"`
}

// ChatVideo identifies the VOD a chat log belongs to.
type ChatVideo struct {
	ID FlexibleID `json:"id"`
}

// FlexibleID tolerates both string and numeric ids, which the downloader has
// emitted in different versions.
type FlexibleID string

func (f *FlexibleID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = FlexibleID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexibleID(n.String())
	return nil
}

// Comment is one chat message in the downloaded log.
type Comment struct {
	Commenter Commenter `json:"commenter"`
	Message   Message   `json:"message"`
}

// Commenter identifies who sent a comment.
type Commenter struct {
	DisplayName string `json:"display_name"`
}

// Badge is a chat badge attached to a comment.
type Badge struct {
	ID      string `json:"_id"`
	Version string `json:"version"`
}

// Message is the body and badge set of a comment.
type Message struct {
	Body       string  `json:"body"`
	UserBadges []Badge `json:"user_badges"`
}

// IsSubscriber reports whether the comment carries a subscriber badge.
func (c Comment) IsSubscriber() bool {
	for _, b := range c.Message.UserBadges {
		if b.ID == "subscriber" {
			return true
		}
	}
	return false
}

// ReadChatLog parses a chat log file written by TwitchDownloaderCLI.
func ReadChatLog(path string) (*ChatLog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open chat log: %w", err)
	}
	defer f.Close()
	var log ChatLog
	if err := json.NewDecoder(f).Decode(&log); err != nil {
		return nil, fmt.Errorf("parse chat log %s: %w", path, err)
	}
	return &log, nil
}
