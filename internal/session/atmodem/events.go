package atmodem

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/lorawan-server/lorawan-node/internal/session"
)

type eventKind int

const (
	evJoined eventKind = iota + 1
	evJoinFailed
	evConfirmOK
	evConfirmFailed
	evTxDone
	evDownlink
	evLinkCheck
)

type event struct {
	kind      eventKind
	port      uint8
	payload   []byte
	linkCheck session.LinkCheck
	linkOK    bool
	raw       string
}

// parseEvent parses an unsolicited +EVT line
func parseEvent(line string) (event, bool) {
	body, ok := strings.CutPrefix(line, "+EVT:")
	if !ok {
		return event{}, false
	}
	ev := event{raw: line}

	switch {
	case body == "JOINED":
		ev.kind = evJoined
	case strings.HasPrefix(body, "JOIN_FAILED"):
		ev.kind = evJoinFailed
	case body == "SEND_CONFIRMED_OK":
		ev.kind = evConfirmOK
	case strings.HasPrefix(body, "SEND_CONFIRMED_FAILED"):
		ev.kind = evConfirmFailed
	case body == "TX_DONE":
		ev.kind = evTxDone
	case strings.HasPrefix(body, "RX_"):
		return parseDownlink(ev, body)
	case strings.HasPrefix(body, "LINKCHECK:"):
		return parseLinkCheck(ev, strings.TrimPrefix(body, "LINKCHECK:"))
	default:
		return event{}, false
	}
	return ev, true
}

// RX_1:-70:8:UNICAST:2:AABB carries an application payload; lines
// without port and payload are MAC-only receptions.
func parseDownlink(ev event, body string) (event, bool) {
	fields := strings.Split(body, ":")
	if len(fields) < 6 {
		return event{}, false
	}
	port, err := strconv.ParseUint(fields[4], 10, 8)
	if err != nil {
		return event{}, false
	}
	payload, err := hex.DecodeString(fields[5])
	if err != nil {
		return event{}, false
	}
	ev.kind = evDownlink
	ev.port = uint8(port)
	ev.payload = payload
	return ev, true
}

// LINKCHECK:<status>:<margin>:<gateways>:<rssi>:<snr>
func parseLinkCheck(ev event, body string) (event, bool) {
	fields := strings.Split(body, ":")
	if len(fields) < 3 {
		return event{}, false
	}
	status, err := strconv.Atoi(fields[0])
	if err != nil {
		return event{}, false
	}
	margin, err := strconv.ParseUint(fields[1], 10, 8)
	if err != nil {
		return event{}, false
	}
	gateways, err := strconv.ParseUint(fields[2], 10, 8)
	if err != nil {
		return event{}, false
	}
	ev.kind = evLinkCheck
	ev.linkOK = status == 0
	ev.linkCheck = session.LinkCheck{Margin: uint8(margin), Gateways: uint8(gateways)}
	return ev, true
}
