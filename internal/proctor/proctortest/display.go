package proctortest

import (
	"context"
	"sync"
)

// FakeDisplay is a scriptable proctor.Display.
type FakeDisplay struct {
	mu         sync.Mutex
	visible    bool
	fullscreen bool
	RequestErr error
	Requests   int
	ExitCalls  int
}

// NewFakeDisplay returns a visible, windowed display.
func NewFakeDisplay() *FakeDisplay {
	return &FakeDisplay{visible: true}
}

func (d *FakeDisplay) RequestFullscreen(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Requests++
	if d.RequestErr != nil {
		return d.RequestErr
	}
	d.fullscreen = true
	return nil
}

func (d *FakeDisplay) ExitFullscreen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ExitCalls++
	d.fullscreen = false
	return nil
}

func (d *FakeDisplay) IsFullscreen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fullscreen
}

func (d *FakeDisplay) IsVisible() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visible
}

func (d *FakeDisplay) SetVisible(v bool) {
	d.mu.Lock()
	d.visible = v
	d.mu.Unlock()
}

func (d *FakeDisplay) SetFullscreen(v bool) {
	d.mu.Lock()
	d.fullscreen = v
	d.mu.Unlock()
}
