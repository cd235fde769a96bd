package frame

import "fmt"

// AddrMode is the APSDE destination addressing mode byte.
type AddrMode uint8

const (
	AddrModeNone     AddrMode = 0x00 // no address, binding lookup
	AddrModeGroup    AddrMode = 0x01
	AddrModeShort    AddrMode = 0x02
	AddrModeExtended AddrMode = 0x03
)

func (m AddrMode) String() string {
	switch m {
	case AddrModeNone:
		return "none"
	case AddrModeGroup:
		return "group"
	case AddrModeShort:
		return "short"
	case AddrModeExtended:
		return "extended"
	}
	return fmt.Sprintf("reserved(0x%02x)", uint8(m))
}

// ParseAddrMode rejects the reserved modes 0x04..0xff.
func ParseAddrMode(b byte) (AddrMode, error) {
	if b > byte(AddrModeExtended) {
		return 0, outOfRange("dst addr mode")
	}
	return AddrMode(b), nil
}

// Address is a destination. Each variant carries only the fields that are
// valid for its mode.
type Address interface {
	Mode() AddrMode
	String() string
}

// NoAddress sends through the binding table.
type NoAddress struct{}

// GroupAddress is a 16-bit group, no endpoint.
type GroupAddress struct {
	Group uint16
}

// ShortAddress is a 16-bit network address plus endpoint.
type ShortAddress struct {
	Addr     uint16
	Endpoint uint8
}

// ExtendedAddress is a 64-bit IEEE address plus endpoint.
type ExtendedAddress struct {
	Addr     uint64
	Endpoint uint8
}

func (NoAddress) Mode() AddrMode       { return AddrModeNone }
func (GroupAddress) Mode() AddrMode    { return AddrModeGroup }
func (ShortAddress) Mode() AddrMode    { return AddrModeShort }
func (ExtendedAddress) Mode() AddrMode { return AddrModeExtended }

func (NoAddress) String() string         { return "bound" }
func (a GroupAddress) String() string    { return fmt.Sprintf("group 0x%04x", a.Group) }
func (a ShortAddress) String() string    { return fmt.Sprintf("0x%04x/%d", a.Addr, a.Endpoint) }
func (a ExtendedAddress) String() string { return fmt.Sprintf("0x%016x/%d", a.Addr, a.Endpoint) }

// NewAddress builds the variant for a raw (mode, address, endpoint) triple
// as it arrives from the NHLE.
func NewAddress(mode byte, addr uint64, endpoint uint8) (Address, error) {
	m, err := ParseAddrMode(mode)
	if err != nil {
		return nil, err
	}
	switch m {
	case AddrModeNone:
		return NoAddress{}, nil
	case AddrModeGroup:
		if addr > 0xffff {
			return nil, outOfRange("dst addr")
		}
		return GroupAddress{Group: uint16(addr)}, nil
	case AddrModeShort:
		if addr > 0xffff {
			return nil, outOfRange("dst addr")
		}
		return ShortAddress{Addr: uint16(addr), Endpoint: endpoint}, nil
	default:
		return ExtendedAddress{Addr: addr, Endpoint: endpoint}, nil
	}
}

// Broadcast short addresses.
const (
	BroadcastAll        uint16 = 0xffff
	BroadcastRxOnIdle   uint16 = 0xfffd
	BroadcastRouters    uint16 = 0xfffc
	CoordinatorAddress  uint16 = 0x0000
	BroadcastEndpoint   uint8  = 0xff
	MaxUnicastAddress   uint16 = 0xfff7
	InvalidShortAddress uint16 = 0xffff
)

// IsBroadcast reports whether a short address is one of the broadcast groups.
func IsBroadcast(short uint16) bool {
	return short > MaxUnicastAddress
}

// Byte helpers in the shape used across the hub code.
func LowByte(x uint16) byte  { return byte(x & 0x00ff) }
func HighByte(x uint16) byte { return byte(x >> 8) }
func Uint16(lo, hi byte) uint16 {
	return uint16(hi)<<8 + uint16(lo)
}
