// Package user provides user profile lookup for the live chat service.
// Profiles are persisted in PostgreSQL; the rest of the application consumes
// them through the narrow Directory interface so that presence and handler
// code can be tested without a database.
package user

import "context"

// Summary is the public view of a user embedded in presence snapshots,
// typing events, and messages.
type Summary struct {
	ID        int    `json:"id"`
	Fullname  string `json:"fullname"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Email     string `json:"email"`
}

// Directory resolves user IDs to profile summaries.
type Directory interface {
	GetUser(ctx context.Context, id int) (Summary, error)
}
