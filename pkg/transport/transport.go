// Package transport defines the contract between the protocol core and
// the network: the core produces flights (frame + destinations) and
// consumes raw inbound datagrams; everything socket-shaped lives behind
// the Transport interface, implemented under internal/adapter.
package transport

import "github.com/marmos91/dittodds/internal/protocol/rtps"

// Flight is one outbound datagram with its destinations.
type Flight struct {
	Destinations []rtps.Locator
	Frame        []byte
}

// Transport is the UDP sink/source the core talks to.
//
// Send failures are per-destination: the implementation skips a
// failing locator for the rest of the pass and retries it on the next
// one; the core never sees transport errors.
type Transport interface {
	// Send transmits one frame to every destination.
	Send(frame []byte, destinations []rtps.Locator) error

	// Recv blocks for the next inbound datagram, returning the source
	// locator and the frame. The returned buffer is owned by the
	// caller until the next Recv.
	Recv() (rtps.Locator, []byte, error)

	// Close releases the sockets, unblocking Recv.
	Close() error
}

// SendFlights pushes a batch of flights through a transport.
func SendFlights(tr Transport, flights []Flight) {
	for _, f := range flights {
		_ = tr.Send(f.Frame, f.Destinations)
	}
}
