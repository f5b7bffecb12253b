package simulated

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// Network plays the network-server side of a simulated session. It
// answers the MAC commands piggybacked on uplinks.
type Network struct {
	respondLinkCheck bool
	margin           uint8
	gateways         uint8
}

// NewNetwork creates a network that answers link checks with the given
// margin and gateway count, or drops them when respond is false.
func NewNetwork(respond bool, margin, gateways uint8) *Network {
	return &Network{
		respondLinkCheck: respond,
		margin:           margin,
		gateways:         gateways,
	}
}

// HandleUplink takes the FOpts of an uplink and returns the FOpts of the
// downlink answering it, empty when nothing needs an answer.
func (n *Network) HandleUplink(devAddr lorawan.DevAddr, fOpts []byte) ([]byte, error) {
	commands, err := lorawan.ParseMACCommands(lorawan.Uplink, fOpts)
	if err != nil {
		return nil, fmt.Errorf("uplink from %s: %w", devAddr, err)
	}

	var answers []lorawan.MACCommand
	for _, cmd := range commands {
		switch cmd.CID {
		case lorawan.LinkCheckReq:
			if !n.respondLinkCheck {
				log.Debug().Str("devAddr", devAddr.String()).Msg("Dropping LinkCheckReq")
				continue
			}
			payload, err := lorawan.LinkCheckAnsPayload{Margin: n.margin, GwCnt: n.gateways}.MarshalBinary()
			if err != nil {
				return nil, err
			}
			answers = append(answers, lorawan.MACCommand{CID: lorawan.LinkCheckAns, Payload: payload})

		case lorawan.DevStatusAns:
			var st lorawan.DevStatusAnsPayload
			if err := st.UnmarshalBinary(cmd.Payload); err != nil {
				return nil, err
			}
			log.Info().
				Str("devAddr", devAddr.String()).
				Uint8("battery", st.Battery).
				Int8("margin", st.Margin).
				Msg("Device status received")

		default:
			log.Warn().
				Uint8("cid", cmd.CID).
				Str("devAddr", devAddr.String()).
				Msg("Unhandled MAC command")
		}
	}

	return lorawan.EncodeMACCommands(lorawan.Downlink, answers)
}
