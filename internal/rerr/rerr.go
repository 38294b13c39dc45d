// Package rerr defines the sentinel error taxonomy that every subsystem
// collapses its failures into before a response ever crosses the wire
// (only Done/NotDone/Ignore leave the daemon, per the protocol).
package rerr

import "github.com/pkg/errors"

var (
	// ErrBadRequest: unknown command or unsupported protocol version.
	ErrBadRequest = errors.New("bad request")
	// ErrOutOfBounds: coordinates outside the style's projection/zoom range.
	ErrOutOfBounds = errors.New("coordinates out of bounds")
	// ErrQueueFull: no room on any priority list or the dirty overflow for this request.
	ErrQueueFull = errors.New("queue full")
	// ErrStyleUnknown: style_name does not match any configured section.
	ErrStyleUnknown = errors.New("unknown style")
	// ErrStyleNotLoaded: style is configured but failed to initialize at startup.
	ErrStyleNotLoaded = errors.New("style not loaded")
	// ErrRasterizationFailed: the rasterizer collaborator returned an error.
	ErrRasterizationFailed = errors.New("rasterization failed")
	// ErrStorageWrite: persisting the rendered metatile bundle failed.
	ErrStorageWrite = errors.New("storage write failed")
)

// Wrap annotates err with a message, preserving the sentinel for errors.Is.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}
