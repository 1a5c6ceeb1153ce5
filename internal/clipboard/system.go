package clipboard

import (
	"fmt"
	"sync"

	"golang.design/x/clipboard"
)

// System writes to the operating-system clipboard.
type System struct{}

var (
	initOnce sync.Once
	initErr  error
)

// NewSystem initialises the OS clipboard. On Linux this needs an X11 or
// Wayland display; headless hosts get ErrUnavailable.
func NewSystem() (*System, error) {
	initOnce.Do(func() { initErr = clipboard.Init() })
	if initErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, initErr)
	}
	return &System{}, nil
}

// WriteImage replaces the clipboard content with PNG bytes.
func (System) WriteImage(png []byte) error {
	if len(png) == 0 {
		return fmt.Errorf("empty image")
	}
	clipboard.Write(clipboard.FmtImage, png)
	return nil
}
