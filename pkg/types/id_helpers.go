package types

import "github.com/google/uuid"

// ID identifies one reconcile pass.
type ID = uuid.UUID

// NewID creates a new UUIDv4.
func NewID() ID { return uuid.New() }
