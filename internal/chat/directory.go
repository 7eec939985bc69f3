package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/duochat/duochat/internal/channel"
)

// Conversation is one known chat partner with a cached preview. JSON tags
// match the inbox endpoint response.
type Conversation struct {
	UserID      string    `json:"userId"`
	FullName    string    `json:"fullName"`
	AvatarURL   string    `json:"avatarUrl"`
	LastMessage string    `json:"lastMessage"`
	LastAt      time.Time `json:"lastTime"`
}

// Directory is the read-mostly list of known conversation partners.
// Refreshed wholesale on login, patched incrementally when a live message
// arrives for a conversation that is not currently open.
type Directory struct {
	mu    sync.RWMutex
	convs map[string]Conversation
}

func NewDirectory() *Directory {
	return &Directory{convs: make(map[string]Conversation)}
}

// Replace installs a freshly fetched conversation list.
func (d *Directory) Replace(list []Conversation) {
	convs := make(map[string]Conversation, len(list))
	for _, c := range list {
		c.UserID = channel.Normalize(c.UserID)
		if c.UserID == "" {
			continue
		}
		convs[c.UserID] = c
	}
	d.mu.Lock()
	d.convs = convs
	d.mu.Unlock()
}

// Patch updates one entry's preview without a full refetch, creating the
// entry if the partner is not yet known.
func (d *Directory) Patch(userID, preview string, at time.Time) {
	userID = channel.Normalize(userID)
	if userID == "" {
		return
	}
	d.mu.Lock()
	c := d.convs[userID]
	c.UserID = userID
	c.LastMessage = preview
	c.LastAt = at
	d.convs[userID] = c
	d.mu.Unlock()
}

// Get returns the entry for one partner.
func (d *Directory) Get(userID string) (Conversation, bool) {
	d.mu.RLock()
	c, ok := d.convs[channel.Normalize(userID)]
	d.mu.RUnlock()
	return c, ok
}

// List returns all conversations, most recent activity first.
func (d *Directory) List() []Conversation {
	d.mu.RLock()
	out := make([]Conversation, 0, len(d.convs))
	for _, c := range d.convs {
		out = append(out, c)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastAt.Equal(out[j].LastAt) {
			return out[i].LastAt.After(out[j].LastAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}
