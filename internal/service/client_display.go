package service

import (
	"context"
	"errors"
	"sync"

	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// FullscreenResult is what the browser reports after asking for fullscreen.
type FullscreenResult string

const (
	FullscreenGranted     FullscreenResult = "granted"
	FullscreenDenied      FullscreenResult = "denied"
	FullscreenUnsupported FullscreenResult = "unsupported"
)

var errFullscreenRefused = errors.New("browser refused fullscreen")

// ClientDisplay mirrors the student's browser state as reported over the
// stream. The browser performs the actual fullscreen request and reports
// its outcome before start, so RequestFullscreen never waits on the network.
type ClientDisplay struct {
	mu         sync.Mutex
	visible    bool
	fullscreen bool
	result     FullscreenResult
	onExit     func()
}

func NewClientDisplay() *ClientDisplay {
	return &ClientDisplay{visible: true}
}

// SetRequestResult records the outcome of the browser's fullscreen request.
func (d *ClientDisplay) SetRequestResult(r FullscreenResult) {
	d.mu.Lock()
	d.result = r
	d.mu.Unlock()
}

// Update stores the latest visibility and fullscreen state and reports which
// of the two differs from what was known before. Browsers resend the full
// state on every event, so unchanged halves must not be replayed.
func (d *ClientDisplay) Update(visible, fullscreen bool) (visibilityChanged, fullscreenChanged bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	visibilityChanged = d.visible != visible
	fullscreenChanged = d.fullscreen != fullscreen
	d.visible = visible
	d.fullscreen = fullscreen
	return visibilityChanged, fullscreenChanged
}

// OnExit registers the callback that tells the browser to leave fullscreen.
// It must not block.
func (d *ClientDisplay) OnExit(fn func()) {
	d.mu.Lock()
	d.onExit = fn
	d.mu.Unlock()
}

func (d *ClientDisplay) RequestFullscreen(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.result {
	case FullscreenGranted:
		d.fullscreen = true
		return nil
	case FullscreenUnsupported:
		return proctor.ErrFullscreenUnsupported
	default:
		return errFullscreenRefused
	}
}

func (d *ClientDisplay) ExitFullscreen() error {
	d.mu.Lock()
	d.fullscreen = false
	fn := d.onExit
	d.mu.Unlock()

	if fn != nil {
		fn()
	}
	return nil
}

func (d *ClientDisplay) IsFullscreen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fullscreen
}

func (d *ClientDisplay) IsVisible() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visible
}
