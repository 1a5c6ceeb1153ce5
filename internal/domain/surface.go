package domain

import "context"

// Surface is the remote messaging surface as seen by the session controller.
// All blocking methods wait until their affordance appears or ctx is done.
type Surface interface {
	// Open loads the entry page.
	Open(ctx context.Context) error
	// WaitAuthenticated blocks until the authenticated-session marker is visible.
	WaitAuthenticated(ctx context.Context) error
	// DismissInterstitial clicks a "Continue" affordance if one is present.
	DismissInterstitial(ctx context.Context) (bool, error)
	// OpenConversation opens a fresh conversation context for identity with
	// text pre-filled in the input.
	OpenConversation(ctx context.Context, identity, text string) (Conversation, error)
	// SignOutStep waits for the step's affordance and invokes it.
	SignOutStep(ctx context.Context, step SignOutStep) error
	// WaitLoggedOut blocks until the "link a device" marker is visible again.
	WaitLoggedOut(ctx context.Context) error
	Close() error
}

// Conversation is one recipient's isolated conversation context.
type Conversation interface {
	WaitLoaded(ctx context.Context) error
	IsIdentityInvalid(ctx context.Context) (bool, error)
	WaitSendReady(ctx context.Context) error
	AttachDocument(ctx context.Context, path string) error
	// PasteImage pastes the current clipboard payload into the input.
	PasteImage(ctx context.Context) error
	Send(ctx context.Context) error
	// IsDelivered reports whether the newest outgoing message carries a
	// single- or double-check marker.
	IsDelivered(ctx context.Context) (bool, error)
	Close() error
}

// Clipboard holds one payload at a time.
type Clipboard interface {
	WriteImage(png []byte) error
}

// Window is the operator-facing desktop window.
type Window interface {
	SetAlwaysOnTop(on bool) error
}
