// Package bridge relays session events to the page hosting the transcription
// widget, either through the desktop runtime or over a browser WebSocket.
package bridge

import (
	"strings"

	"livescribe/internal/domain"
	"livescribe/internal/ports"
)

// Source is the listener surface of a transcription client.
type Source interface {
	OnTranscript(fn func(text string))
	OnStatus(fn func(message string))
}

// Attach forwards final transcripts and status lines from source to host.
// Blank transcripts are not relayed.
func Attach(source Source, host ports.HostBridge) {
	source.OnTranscript(func(text string) {
		if strings.TrimSpace(text) == "" {
			return
		}
		host.Publish(domain.TranscriptMessage(text))
	})
	source.OnStatus(func(message string) {
		host.Publish(domain.DebugMessage(message))
	})
}

// HostFunc adapts a function to ports.HostBridge.
type HostFunc func(msg domain.HostMessage)

func (f HostFunc) Publish(msg domain.HostMessage) {
	f(msg)
}

// Fanout publishes every message to each of its hosts in order.
type Fanout []ports.HostBridge

func (f Fanout) Publish(msg domain.HostMessage) {
	for _, host := range f {
		host.Publish(msg)
	}
}
