// Package clipboard serialises access to the single system clipboard.
package clipboard

import (
	"context"
	"errors"
	"fmt"

	"wasender/internal/domain"
)

// ErrUnavailable is returned when no clipboard backend could be initialised.
var ErrUnavailable = errors.New("clipboard unavailable")

// Slot is a one-payload resource. A lease covers the write and everything
// that consumes it, so a second write cannot land before the first paste.
type Slot struct {
	backend domain.Clipboard
	lease   chan struct{}
}

// NewSlot wraps backend in an exclusive lease.
func NewSlot(backend domain.Clipboard) *Slot {
	return &Slot{backend: backend, lease: make(chan struct{}, 1)}
}

// With acquires the slot, writes png to the clipboard and runs fn while the
// lease is held. The slot is released when fn returns.
func (s *Slot) With(ctx context.Context, png []byte, fn func(ctx context.Context) error) error {
	if s == nil || s.backend == nil {
		return ErrUnavailable
	}
	select {
	case s.lease <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.lease }()

	if err := s.backend.WriteImage(png); err != nil {
		return fmt.Errorf("clipboard write: %w", err)
	}
	return fn(ctx)
}
