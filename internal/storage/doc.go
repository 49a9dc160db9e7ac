// Package storage persists announcements and the delivery audit trail in a
// local SQLite database.
package storage
