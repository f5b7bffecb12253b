package node

import (
	"github.com/lorawan-server/lorawan-node/internal/models"
	"github.com/lorawan-server/lorawan-node/internal/session"
)

// DownlinkBufferSize is the largest application payload a downlink carries
const DownlinkBufferSize = 242

// Drain retrieves one pending downlink into buf without blocking. ok is
// false when nothing is pending, which is not an error. The returned
// payload is a copy and does not alias buf; ReceivedAt is left for the
// caller to stamp.
func Drain(s session.Session, buf []byte) (models.Downlink, bool) {
	n, port, ok := s.Receive(buf)
	if !ok {
		return models.Downlink{}, false
	}
	if n > len(buf) {
		n = len(buf)
	}
	payload := make([]byte, n)
	copy(payload, buf[:n])
	return models.Downlink{Port: port, Payload: payload}, true
}
