package models

import "time"

// Credentials describe a signing identity at registration time. Key material
// stays with the executor; only the address is known here.
type Credentials struct {
	Address string `json:"address"`
	Label   string `json:"label,omitempty"`
}

// Identity is a snapshot of a registered signing identity.
type Identity struct {
	Address      string    `json:"address"`
	Label        string    `json:"label,omitempty"`
	Active       bool      `json:"active"`
	LastActivity time.Time `json:"last_activity"`
	Completed    int64     `json:"completed"`
	RegisteredAt time.Time `json:"registered_at"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	BatchID  string    `json:"batch_id"`
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
