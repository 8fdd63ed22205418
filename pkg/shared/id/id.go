package id

import "github.com/google/uuid"

// New returns a random identifier for log rows and other records that
// need a stable external handle.
func New() string { return uuid.NewString() }
