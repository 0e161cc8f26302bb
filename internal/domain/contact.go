// Package domain contains core domain types for the arbitration service.
package domain

import (
	"time"
)

// Contact is a CRM contact. Contacts are owned by the CRM and only synced
// into this service so agents and conversation state can reference them.
type Contact struct {
	ContactID string    `json:"contact_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
