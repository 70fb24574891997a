package models

import "time"

// EmailMessage is the locally mirrored form of a remote message.
type EmailMessage struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	ExternalID string    `json:"external_id"`
	ThreadID   string    `json:"thread_id,omitempty"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Subject    string    `json:"subject"`
	Snippet    string    `json:"snippet,omitempty"`
	Labels     []string  `json:"labels,omitempty"`
	InternalAt time.Time `json:"internal_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Contact mirrors a remote contact. Every compared field participates in the
// diff; a contact is unchanged only when all of them match.
type Contact struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	ExternalID string    `json:"external_id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Phone      string    `json:"phone,omitempty"`
	Company    string    `json:"company,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Equal compares every synced field, not just presence.
func (c Contact) Equal(other Contact) bool {
	return c.ExternalID == other.ExternalID &&
		c.Name == other.Name &&
		c.Email == other.Email &&
		c.Phone == other.Phone &&
		c.Company == other.Company
}

// CalendarEvent mirrors a remote calendar entry.
type CalendarEvent struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	ExternalID string    `json:"external_id"`
	Title      string    `json:"title"`
	StartsAt   time.Time `json:"starts_at"`
	EndsAt     time.Time `json:"ends_at"`
	Location   string    `json:"location,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// MessagePage is one page of a full enumeration. NextPageToken is an opaque
// continuation cursor; empty means the enumeration is done.
type MessagePage struct {
	Messages      []EmailMessage `json:"messages"`
	NextPageToken string         `json:"next_page_token,omitempty"`
	TotalEstimate int            `json:"total_estimate,omitempty"`
}

// ContactPage is one page of the contact enumeration.
type ContactPage struct {
	Contacts      []Contact `json:"contacts"`
	NextPageToken string    `json:"next_page_token,omitempty"`
}

// DeltaChange is a single incremental change. Deleted carries the explicit
// tombstone signal; without it an incremental sync never deletes.
type DeltaChange struct {
	Message *EmailMessage  `json:"message,omitempty"`
	Event   *CalendarEvent `json:"event,omitempty"`
	Deleted bool           `json:"deleted"`
}

// DeltaPage is the result of an incremental fetch from a stored cursor.
type DeltaPage struct {
	Changes   []DeltaChange `json:"changes"`
	NewCursor string        `json:"new_cursor"`
}
