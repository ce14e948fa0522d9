package proctor

import (
	"context"
	"errors"
)

// ErrFullscreenUnsupported is returned by a Display that cannot enter fullscreen
// at all. The monitor starts anyway and treats fullscreen as satisfied.
var ErrFullscreenUnsupported = errors.New("fullscreen is not supported by this display")

// Display is the student's screen as seen by the monitor.
// Implementations must not call back into the Monitor.
type Display interface {
	RequestFullscreen(ctx context.Context) error
	ExitFullscreen() error
	IsFullscreen() bool
	IsVisible() bool
}
