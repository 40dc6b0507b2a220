package frame

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func serialize(hdr *layers.Dot11, body []byte) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(
		buf, gopacket.SerializeOptions{}, hdr, gopacket.Payload(body),
	); err != nil {
		return nil, err
	}
	b := make([]byte, len(buf.Bytes())+FCSLen)
	copy(b, buf.Bytes())
	UpdateFCS(b)
	return b, nil
}

// QoSData builds a QoS data frame from ta to ra on tid. The sequence
// number is left zero; the engine assigns it.
func QoSData(ra, ta net.HardwareAddr, tid uint8, payload []byte) ([]byte, error) {
	body := make([]byte, 2, 2+len(payload))
	body[0] = tid & 0x0F
	return serialize(&layers.Dot11{
		Type:     layers.Dot11TypeDataQOSData,
		Address1: ra,
		Address2: ta,
		Address3: ta,
	}, append(body, payload...))
}

// Data builds a non-QoS data frame.
func Data(ra, ta net.HardwareAddr, payload []byte) ([]byte, error) {
	return serialize(&layers.Dot11{
		Type:     layers.Dot11TypeData,
		Address1: ra,
		Address2: ta,
		Address3: ta,
	}, payload)
}

// Action builds a management action frame.
func Action(ra, ta net.HardwareAddr, body []byte) ([]byte, error) {
	return serialize(&layers.Dot11{
		Type:     layers.Dot11TypeMgmtAction,
		Address1: ra,
		Address2: ta,
		Address3: ta,
	}, body)
}
