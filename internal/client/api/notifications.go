package api

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

const notificationsBase = "/api/notifications"

// Notification is one entry of the caller's feed.
type Notification struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	RecordID  string     `json:"recordId,omitempty"`
	CaseID    string     `json:"caseId,omitempty"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Notifications returns the newest entries of the caller's feed.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool) ([]Notification, error) {
	q := url.Values{}
	if unreadOnly {
		q.Set("unread", "true")
	}
	var out struct {
		Items []Notification `json:"items"`
		Total int            `json:"total"`
	}
	if _, err := c.doJSON(ctx, http.MethodGet, notificationsBase, q, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// MarkRead marks one notification read.
func (c *Client) MarkRead(ctx context.Context, id string) error {
	_, err := c.doJSON(ctx, http.MethodPost, notificationsBase+"/"+url.PathEscape(id)+"/read", nil, nil, nil)
	return err
}

// MarkAllRead marks the caller's whole feed read and returns how many changed.
func (c *Client) MarkAllRead(ctx context.Context) (int, error) {
	var out struct {
		Updated int `json:"updated"`
	}
	if _, err := c.doJSON(ctx, http.MethodPost, notificationsBase+"/read-all", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.Updated, nil
}
