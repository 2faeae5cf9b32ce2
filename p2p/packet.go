package p2p

import "encoding/json"

// marshalPacket JSON-encodes v for use as a Packet's Data field.
func marshalPacket(v any) ([]byte, error) {
	return json.Marshal(v)
}

// unmarshalPacket decodes pkt.Data into v.
func unmarshalPacket(pkt Packet, v any) error {
	if len(pkt.Data) == 0 {
		return nil
	}
	return json.Unmarshal(pkt.Data, v)
}
