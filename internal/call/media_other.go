//go:build !linux

package call

import (
	"context"
	"log"

	"github.com/pion/webrtc/v4"
)

// Engine is a receive-only media engine for non-Linux platforms.
// Camera/mic capture via pion/mediadevices requires platform-specific
// drivers (V4L2/malgo on Linux); elsewhere the call joins without local
// tracks and the transport adds recvonly transceivers.
type Engine struct{}

func NewEngine() (*Engine, error) { return &Engine{}, nil }

// ConfigureMedia registers Pion's default codecs.
func (e *Engine) ConfigureMedia(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

// Capture returns no tracks — receive-only on this platform.
func (e *Engine) Capture(_ context.Context) ([]Track, error) {
	log.Printf("CALL: no local capture on this platform — joining receive-only")
	return nil, nil
}
