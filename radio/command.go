/*
ubee - ZigBee NWK/APS stack on Go
Copyright (c) 2022-2024 GSB, Georgii Batanov gbatanov@yandex.ru
MIT License
*/

package radio

import "fmt"

// SOF starts every frame on the serial line.
const SOF byte = 0xFE

// MaxPayload is the largest payload one serial frame can carry.
const MaxPayload = 250

// CommandID is cmd0 (high byte) and cmd1 (low byte) of a frame. The top
// three bits of cmd0 are the command type, the low five the subsystem.
type CommandID uint16

// command types
const (
	typeSREQ = 0x20
	typeAREQ = 0x40
	typeSRSP = 0x60
)

const (
	SYS_RESET_REQ CommandID = 0x4100
	SYS_RESET_IND CommandID = 0x4180

	MAC_RESET_REQ        CommandID = 0x2201
	MAC_START_REQ        CommandID = 0x2203
	MAC_DATA_REQ         CommandID = 0x2205
	MAC_ASSOCIATE_REQ    CommandID = 0x2206
	MAC_DISASSOCIATE_REQ CommandID = 0x2207
	MAC_SET_REQ          CommandID = 0x2209
	MAC_SCAN_REQ         CommandID = 0x220c
	MAC_SCAN_STOP_REQ    CommandID = 0x220d
	MAC_ASSOCIATE_RSP    CommandID = 0x2250

	MAC_ASSOCIATE_IND    CommandID = 0x4281
	MAC_ASSOCIATE_CNF    CommandID = 0x4282
	MAC_BEACON_NOTIFY    CommandID = 0x4283
	MAC_DATA_CNF         CommandID = 0x4284
	MAC_DATA_IND         CommandID = 0x4285
	MAC_DISASSOCIATE_IND CommandID = 0x4286
	MAC_SCAN_CNF         CommandID = 0x428c

	NWK_ROUTE_REQ CommandID = 0x2e01
	NWK_ROUTE_IND CommandID = 0x4e81

	SEC_PROTECT_REQ    CommandID = 0x2f01
	SEC_VERIFY_REQ     CommandID = 0x2f02
	SEC_KEY_SWITCH_IND CommandID = 0x4f81
)

// MAC PIB attribute written by MAC_SET_REQ to open association.
const attrAssociationPermit = 0x41

// SRSP is the id of the synchronous response to a request.
func (id CommandID) SRSP() CommandID {
	return CommandID(uint16(id)&0x1fff | typeSRSP<<8)
}

func (id CommandID) Type() byte      { return byte(id>>8) & 0xe0 }
func (id CommandID) Subsystem() byte { return byte(id>>8) & 0x1f }

var commandNames = map[CommandID]string{
	SYS_RESET_REQ:        "SYS_RESET_REQ",
	SYS_RESET_IND:        "SYS_RESET_IND",
	MAC_RESET_REQ:        "MAC_RESET_REQ",
	MAC_START_REQ:        "MAC_START_REQ",
	MAC_DATA_REQ:         "MAC_DATA_REQ",
	MAC_ASSOCIATE_REQ:    "MAC_ASSOCIATE_REQ",
	MAC_DISASSOCIATE_REQ: "MAC_DISASSOCIATE_REQ",
	MAC_SET_REQ:          "MAC_SET_REQ",
	MAC_SCAN_REQ:         "MAC_SCAN_REQ",
	MAC_SCAN_STOP_REQ:    "MAC_SCAN_STOP_REQ",
	MAC_ASSOCIATE_RSP:    "MAC_ASSOCIATE_RSP",
	MAC_ASSOCIATE_IND:    "MAC_ASSOCIATE_IND",
	MAC_ASSOCIATE_CNF:    "MAC_ASSOCIATE_CNF",
	MAC_BEACON_NOTIFY:    "MAC_BEACON_NOTIFY",
	MAC_DATA_CNF:         "MAC_DATA_CNF",
	MAC_DATA_IND:         "MAC_DATA_IND",
	MAC_DISASSOCIATE_IND: "MAC_DISASSOCIATE_IND",
	MAC_SCAN_CNF:         "MAC_SCAN_CNF",
	NWK_ROUTE_REQ:        "NWK_ROUTE_REQ",
	NWK_ROUTE_IND:        "NWK_ROUTE_IND",
	SEC_PROTECT_REQ:      "SEC_PROTECT_REQ",
	SEC_VERIFY_REQ:       "SEC_VERIFY_REQ",
	SEC_KEY_SWITCH_IND:   "SEC_KEY_SWITCH_IND",
}

func (id CommandID) String() string {
	if s, ok := commandNames[id]; ok {
		return s
	}
	if id.Type() == typeSRSP {
		if s, ok := commandNames[CommandID(uint16(id)&0x1fff|typeSREQ<<8)]; ok {
			return s[:len(s)-len("_REQ")] + "_SRSP"
		}
	}
	return fmt.Sprintf("0x%04x", uint16(id))
}

// Command is one serial frame.
type Command struct {
	ID      CommandID
	Payload []byte
}

// Fcs is the xor of length, command id and payload.
func (c Command) Fcs() byte {
	fcs := byte(len(c.Payload)) ^ byte(c.ID>>8) ^ byte(c.ID)
	for _, b := range c.Payload {
		fcs ^= b
	}
	return fcs
}

// Encode frames the command: SOF, length, cmd0, cmd1, payload, FCS.
func (c Command) Encode() ([]byte, error) {
	if len(c.Payload) > MaxPayload {
		return nil, fmt.Errorf("radio: %s payload of %d octets", c.ID, len(c.Payload))
	}
	buf := make([]byte, 0, len(c.Payload)+5)
	buf = append(buf, SOF, byte(len(c.Payload)), byte(c.ID>>8), byte(c.ID))
	buf = append(buf, c.Payload...)
	return append(buf, c.Fcs()), nil
}

// Status is the first octet of a synchronous response.
func (c Command) Status() byte {
	if len(c.Payload) == 0 {
		return 0xff
	}
	return c.Payload[0]
}

type parseState uint8

const (
	waitSOF parseState = iota
	waitLen
	waitCmd0
	waitCmd1
	waitPayload
	waitFCS
)

// Parser reassembles commands from serial chunks. Reads come in pieces of
// arbitrary size, so a frame may span several Feed calls.
type Parser struct {
	state   parseState
	length  int
	cmd     Command
	dropped int
}

// Feed consumes b and returns the complete commands it closed. Frames with
// a bad FCS are skipped.
func (p *Parser) Feed(b []byte) []Command {
	var out []Command
	for _, c := range b {
		switch p.state {
		case waitSOF:
			if c == SOF {
				p.state = waitLen
			}
		case waitLen:
			if int(c) > MaxPayload {
				p.dropped++
				p.state = waitSOF
				continue
			}
			p.length = int(c)
			p.cmd = Command{Payload: make([]byte, 0, p.length)}
			p.state = waitCmd0
		case waitCmd0:
			p.cmd.ID = CommandID(c) << 8
			p.state = waitCmd1
		case waitCmd1:
			p.cmd.ID |= CommandID(c)
			if p.length == 0 {
				p.state = waitFCS
			} else {
				p.state = waitPayload
			}
		case waitPayload:
			p.cmd.Payload = append(p.cmd.Payload, c)
			if len(p.cmd.Payload) == p.length {
				p.state = waitFCS
			}
		case waitFCS:
			if c == p.cmd.Fcs() {
				out = append(out, p.cmd)
			} else {
				p.dropped++
			}
			p.state = waitSOF
		}
	}
	return out
}

// Dropped counts frames discarded for a bad length or checksum.
func (p *Parser) Dropped() int { return p.dropped }
