// Package storage defines the ConversationStore contract together with the
// sentinel errors and owner context helpers shared by the store
// implementations (memory, postgres, sqlite).
package storage
