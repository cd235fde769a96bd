/*
ubee - ZigBee NWK/APS stack on Go
Copyright (c) 2022-2024 GSB, Georgii Batanov gbatanov@yandex.ru
MIT License
*/

package frame

import (
	"encoding/binary"
	"fmt"
)

// NWKFrameType is the two low bits of the NWK frame control.
type NWKFrameType uint8

const (
	NWKData     NWKFrameType = 0
	NWKCommand  NWKFrameType = 1
	NWKInterPAN NWKFrameType = 3
)

func (t NWKFrameType) String() string {
	switch t {
	case NWKData:
		return "data"
	case NWKCommand:
		return "command"
	case NWKInterPAN:
		return "inter-pan"
	}
	return fmt.Sprintf("reserved(%d)", uint8(t))
}

// Discover route values.
const (
	DiscoverRouteSuppress uint8 = 0
	DiscoverRouteEnable   uint8 = 1
)

// NWK frame control bits.
const (
	nwkFCTypeMask      = 0x0003
	nwkFCVersionShift  = 2
	nwkFCVersionMask   = 0x003c
	nwkFCDiscoverShift = 6
	nwkFCDiscoverMask  = 0x00c0
	nwkFCSecurity      = 1 << 9
	nwkFCDstIEEE       = 1 << 11
	nwkFCSrcIEEE       = 1 << 12
	nwkFCReserved      = 1<<8 | 1<<10 | 0xe000
)

// NWKHeaderLen is the header size without optional IEEE addresses.
const NWKHeaderLen = 8

// NWKHeader is the network layer header. DstIEEE and SrcIEEE are zero
// unless the matching Has flag is set.
type NWKHeader struct {
	Type            NWKFrameType
	ProtocolVersion uint8
	DiscoverRoute   uint8
	Security        bool
	Dst             uint16
	Src             uint16
	Radius          uint8
	Seq             uint8
	HasDstIEEE      bool
	DstIEEE         uint64
	HasSrcIEEE      bool
	SrcIEEE         uint64
}

// Len is the encoded size in octets.
func (h NWKHeader) Len() int {
	n := NWKHeaderLen
	if h.HasDstIEEE {
		n += 8
	}
	if h.HasSrcIEEE {
		n += 8
	}
	return n
}

func (h NWKHeader) validate() error {
	if h.Type == 2 || h.Type > NWKInterPAN {
		return outOfRange("nwk frame type")
	}
	if h.ProtocolVersion > 0x0f {
		return outOfRange("protocol version")
	}
	if h.DiscoverRoute > DiscoverRouteEnable {
		return outOfRange("discover route")
	}
	return nil
}

// Append encodes the header onto buf.
func (h NWKHeader) Append(buf []byte) ([]byte, error) {
	if err := h.validate(); err != nil {
		return buf, err
	}
	fc := uint16(h.Type) |
		uint16(h.ProtocolVersion)<<nwkFCVersionShift |
		uint16(h.DiscoverRoute)<<nwkFCDiscoverShift
	if h.Security {
		fc |= nwkFCSecurity
	}
	if h.HasDstIEEE {
		fc |= nwkFCDstIEEE
	}
	if h.HasSrcIEEE {
		fc |= nwkFCSrcIEEE
	}
	buf = binary.LittleEndian.AppendUint16(buf, fc)
	buf = binary.LittleEndian.AppendUint16(buf, h.Dst)
	buf = binary.LittleEndian.AppendUint16(buf, h.Src)
	buf = append(buf, h.Radius, h.Seq)
	if h.HasDstIEEE {
		buf = binary.LittleEndian.AppendUint64(buf, h.DstIEEE)
	}
	if h.HasSrcIEEE {
		buf = binary.LittleEndian.AppendUint64(buf, h.SrcIEEE)
	}
	return buf, nil
}

// DecodeNWKHeader parses a header and returns the number of octets consumed.
func DecodeNWKHeader(b []byte) (NWKHeader, int, error) {
	var h NWKHeader
	if len(b) < NWKHeaderLen {
		return h, 0, truncated("nwk header")
	}
	fc := binary.LittleEndian.Uint16(b)
	if fc&nwkFCReserved != 0 {
		return h, 0, outOfRange("nwk frame control")
	}
	h.Type = NWKFrameType(fc & nwkFCTypeMask)
	h.ProtocolVersion = uint8((fc & nwkFCVersionMask) >> nwkFCVersionShift)
	h.DiscoverRoute = uint8((fc & nwkFCDiscoverMask) >> nwkFCDiscoverShift)
	h.Security = fc&nwkFCSecurity != 0
	h.HasDstIEEE = fc&nwkFCDstIEEE != 0
	h.HasSrcIEEE = fc&nwkFCSrcIEEE != 0
	if err := h.validate(); err != nil {
		return NWKHeader{}, 0, err
	}
	h.Dst = binary.LittleEndian.Uint16(b[2:])
	h.Src = binary.LittleEndian.Uint16(b[4:])
	h.Radius = b[6]
	h.Seq = b[7]
	n := NWKHeaderLen
	if h.HasDstIEEE {
		if len(b) < n+8 {
			return NWKHeader{}, 0, truncated("dst ieee")
		}
		h.DstIEEE = binary.LittleEndian.Uint64(b[n:])
		n += 8
	}
	if h.HasSrcIEEE {
		if len(b) < n+8 {
			return NWKHeader{}, 0, truncated("src ieee")
		}
		h.SrcIEEE = binary.LittleEndian.Uint64(b[n:])
		n += 8
	}
	return h, n, nil
}
