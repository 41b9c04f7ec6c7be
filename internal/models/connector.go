package models

import "time"

// Connector is a configured BioTime portal.
type Connector struct {
	Name          string    `json:"name"`
	CompanyPortal string    `json:"company_portal"`
	Username      string    `json:"username"`
	Password      string    `json:"password,omitempty"`
	AccessToken   string    `json:"access_token,omitempty"`
	IsEnabled     bool      `json:"is_enabled"`
	LastSyncedID  int64     `json:"last_synced_id"`
	TokenIssuedAt time.Time `json:"token_issued_at,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Redacted returns a copy safe to hand back to API callers.
func (c Connector) Redacted() Connector {
	if c.Password != "" {
		c.Password = "*****"
	}
	if c.AccessToken != "" {
		c.AccessToken = "*****"
	}
	return c
}
