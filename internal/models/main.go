// Package models defines the data structures shared by the vault store and its clients.
package models

import "time"

// Account is an identity-partition of the vault, keyed by textual principal.
type Account struct {
	// Principal is the account identifier derived from the user's public key.
	Principal string
	// CreatedAt is when the account stored its first credential.
	CreatedAt time.Time
}

// Credential is one stored (site, username, secret) tuple.
type Credential struct {
	// ID is the stable identifier assigned by the store.
	ID string `json:"id"`
	// Site names the service the credential belongs to.
	Site string `json:"site"`
	// Username is the login used on Site.
	Username string `json:"username"`
	// Secret is the password, possibly sealed by the client.
	Secret string `json:"secret"`
	// LastModified is set by the store on every write.
	LastModified *time.Time `json:"last_modified,omitempty"`
}

// Entry is the payload of add, edit and delete requests.
type Entry struct {
	Site     string `json:"site"`
	Username string `json:"username"`
	Secret   string `json:"secret"`
}
