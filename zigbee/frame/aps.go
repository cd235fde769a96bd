package frame

import (
	"encoding/binary"
	"fmt"
)

// APSFrameType is the two low bits of the APS frame control.
type APSFrameType uint8

const (
	APSData    APSFrameType = 0
	APSCommand APSFrameType = 1
	APSAck     APSFrameType = 2
)

func (t APSFrameType) String() string {
	switch t {
	case APSData:
		return "data"
	case APSCommand:
		return "command"
	case APSAck:
		return "ack"
	}
	return fmt.Sprintf("reserved(%d)", uint8(t))
}

// Delivery is the APS delivery mode together with the destination field it
// implies.
type Delivery interface {
	deliveryMode() uint8
}

// Unicast delivers to one endpoint of the NWK destination.
type Unicast struct{ Endpoint uint8 }

// Broadcast delivers to an endpoint of every NWK broadcast recipient.
type Broadcast struct{ Endpoint uint8 }

// Group delivers to every endpoint in the group.
type Group struct{ Address uint16 }

func (Unicast) deliveryMode() uint8   { return 0 }
func (Broadcast) deliveryMode() uint8 { return 2 }
func (Group) deliveryMode() uint8     { return 3 }

// Fragmentation is the extended header fragmentation field.
type Fragmentation uint8

const (
	FragNone       Fragmentation = 0
	FragFirst      Fragmentation = 1
	FragSubsequent Fragmentation = 2
)

// ExtHeader is the APS extended header. Block carries the total number of
// blocks on the first fragment and the block index on later ones.
// AckBitfield is only on the wire for fragmented ack frames.
type ExtHeader struct {
	Fragmentation Fragmentation
	Block         uint8
	AckBitfield   uint8
}

// APS frame control bits.
const (
	apsFCTypeMask      = 0x03
	apsFCDeliveryShift = 2
	apsFCDeliveryMask  = 0x0c
	apsFCAckFormat     = 1 << 4
	apsFCSecurity      = 1 << 5
	apsFCAckRequest    = 1 << 6
	apsFCExtHeader     = 1 << 7
)

// APSHeader is the application support header. Command frames and ack
// frames with AckFormat set carry no endpoint, cluster or profile fields;
// for those Delivery must hold a zero endpoint.
type APSHeader struct {
	Type        APSFrameType
	Delivery    Delivery
	AckFormat   bool
	Security    bool
	AckRequest  bool
	Cluster     uint16
	Profile     uint16
	SrcEndpoint uint8
	Counter     uint8
	Extended    *ExtHeader
}

func (h APSHeader) hasAddressing() bool {
	switch h.Type {
	case APSData:
		return true
	case APSAck:
		return !h.AckFormat
	}
	return false
}

// Append encodes the header onto buf.
func (h APSHeader) Append(buf []byte) ([]byte, error) {
	if h.Type > APSAck {
		return buf, outOfRange("aps frame type")
	}
	if h.Delivery == nil {
		return buf, outOfRange("delivery mode")
	}
	if h.hasAddressing() && h.SrcEndpoint == BroadcastEndpoint {
		return buf, outOfRange("src endpoint")
	}
	fc := h.Delivery.deliveryMode()<<apsFCDeliveryShift | uint8(h.Type)
	if h.AckFormat {
		fc |= apsFCAckFormat
	}
	if h.Security {
		fc |= apsFCSecurity
	}
	if h.AckRequest {
		fc |= apsFCAckRequest
	}
	if h.Extended != nil {
		fc |= apsFCExtHeader
	}
	buf = append(buf, fc)
	switch d := h.Delivery.(type) {
	case Group:
		buf = binary.LittleEndian.AppendUint16(buf, d.Address)
	case Unicast:
		if h.hasAddressing() {
			buf = append(buf, d.Endpoint)
		}
	case Broadcast:
		if h.hasAddressing() {
			buf = append(buf, d.Endpoint)
		}
	}
	if h.hasAddressing() {
		buf = binary.LittleEndian.AppendUint16(buf, h.Cluster)
		buf = binary.LittleEndian.AppendUint16(buf, h.Profile)
		buf = append(buf, h.SrcEndpoint)
	}
	buf = append(buf, h.Counter)
	if e := h.Extended; e != nil {
		if e.Fragmentation > FragSubsequent {
			return buf, outOfRange("fragmentation")
		}
		buf = append(buf, uint8(e.Fragmentation))
		if e.Fragmentation != FragNone {
			buf = append(buf, e.Block)
			if h.Type == APSAck {
				buf = append(buf, e.AckBitfield)
			}
		}
	}
	return buf, nil
}

// DecodeAPSHeader parses a header and returns the number of octets consumed.
func DecodeAPSHeader(b []byte) (APSHeader, int, error) {
	var h APSHeader
	if len(b) < 1 {
		return h, 0, truncated("aps frame control")
	}
	fc := b[0]
	h.Type = APSFrameType(fc & apsFCTypeMask)
	if h.Type > APSAck {
		return APSHeader{}, 0, outOfRange("aps frame type")
	}
	h.AckFormat = fc&apsFCAckFormat != 0
	h.Security = fc&apsFCSecurity != 0
	h.AckRequest = fc&apsFCAckRequest != 0
	n := 1
	mode := (fc & apsFCDeliveryMask) >> apsFCDeliveryShift
	switch mode {
	case 0, 2:
		var ep uint8
		if h.hasAddressing() {
			if len(b) < n+1 {
				return APSHeader{}, 0, truncated("dst endpoint")
			}
			ep = b[n]
			n++
		}
		if mode == 0 {
			h.Delivery = Unicast{Endpoint: ep}
		} else {
			h.Delivery = Broadcast{Endpoint: ep}
		}
	case 3:
		if len(b) < n+2 {
			return APSHeader{}, 0, truncated("group address")
		}
		h.Delivery = Group{Address: binary.LittleEndian.Uint16(b[n:])}
		n += 2
	default:
		return APSHeader{}, 0, outOfRange("delivery mode")
	}
	if h.hasAddressing() {
		if len(b) < n+5 {
			return APSHeader{}, 0, truncated("cluster")
		}
		h.Cluster = binary.LittleEndian.Uint16(b[n:])
		h.Profile = binary.LittleEndian.Uint16(b[n+2:])
		h.SrcEndpoint = b[n+4]
		if h.SrcEndpoint == BroadcastEndpoint {
			return APSHeader{}, 0, outOfRange("src endpoint")
		}
		n += 5
	}
	if len(b) < n+1 {
		return APSHeader{}, 0, truncated("aps counter")
	}
	h.Counter = b[n]
	n++
	if fc&apsFCExtHeader != 0 {
		if len(b) < n+1 {
			return APSHeader{}, 0, truncated("extended header")
		}
		e := &ExtHeader{Fragmentation: Fragmentation(b[n] & 0x03)}
		if b[n]&^0x03 != 0 || e.Fragmentation > FragSubsequent {
			return APSHeader{}, 0, outOfRange("fragmentation")
		}
		n++
		if e.Fragmentation != FragNone {
			if len(b) < n+1 {
				return APSHeader{}, 0, truncated("block number")
			}
			e.Block = b[n]
			n++
			if h.Type == APSAck {
				if len(b) < n+1 {
					return APSHeader{}, 0, truncated("ack bitfield")
				}
				e.AckBitfield = b[n]
				n++
			}
		}
		h.Extended = e
	}
	return h, n, nil
}

// Frame is an unsecured NWK data frame carrying one APS frame.
type Frame struct {
	NWK     NWKHeader
	APS     APSHeader
	Payload []byte
}

// Encode serialises the frame.
func Encode(f Frame) ([]byte, error) {
	buf := make([]byte, 0, f.NWK.Len()+16+len(f.Payload))
	buf, err := f.NWK.Append(buf)
	if err != nil {
		return nil, err
	}
	buf, err = f.APS.Append(buf)
	if err != nil {
		return nil, err
	}
	return append(buf, f.Payload...), nil
}

// Decode parses a frame. Payload is nil when the frame carries none.
func Decode(b []byte) (Frame, error) {
	var f Frame
	nh, n, err := DecodeNWKHeader(b)
	if err != nil {
		return f, err
	}
	ah, m, err := DecodeAPSHeader(b[n:])
	if err != nil {
		return f, err
	}
	f.NWK = nh
	f.APS = ah
	if rest := b[n+m:]; len(rest) > 0 {
		f.Payload = append([]byte(nil), rest...)
	}
	return f, nil
}
