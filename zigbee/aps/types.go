package aps

import (
	"errors"
	"fmt"
	"time"

	"ubee/zigbee/frame"
	"ubee/zigbee/security"
)

// TxOptions is the transmission options bitmask of a data request.
type TxOptions uint8

const (
	TxSecurity      TxOptions = 0x01
	TxUseNWKKey     TxOptions = 0x02
	TxAcknowledged  TxOptions = 0x04
	TxFragmentation TxOptions = 0x08
	TxExtendedNonce TxOptions = 0x10
)

func (o TxOptions) Has(f TxOptions) bool { return o&f != 0 }

// ConfirmStatus is the status of a data confirm.
type ConfirmStatus uint8

const (
	ConfirmSuccess ConfirmStatus = iota
	ConfirmNoShortAddress
	ConfirmNoBoundDevice
	ConfirmSecurityFail
	ConfirmNoAck
	ConfirmASDUTooLong
	// ConfirmNotJoined is reported for requests made, or still pending,
	// while the node is not part of a network.
	ConfirmNotJoined
	ConfirmInvalidParameter
)

func (s ConfirmStatus) String() string {
	switch s {
	case ConfirmSuccess:
		return "SUCCESS"
	case ConfirmNoShortAddress:
		return "NO_SHORT_ADDRESS"
	case ConfirmNoBoundDevice:
		return "NO_BOUND_DEVICE"
	case ConfirmSecurityFail:
		return "SECURITY_FAIL"
	case ConfirmNoAck:
		return "NO_ACK"
	case ConfirmASDUTooLong:
		return "ASDU_TOO_LONG"
	case ConfirmNotJoined:
		return "NOT_JOINED"
	case ConfirmInvalidParameter:
		return "INVALID_PARAMETER"
	}
	return fmt.Sprintf("ConfirmStatus(%d)", uint8(s))
}

// IndicationStatus is the status of a data indication.
type IndicationStatus uint8

const (
	IndicationSuccess IndicationStatus = iota
	IndicationDefragUnsupported
	IndicationDefragDeferred
	// IndicationSecurityFail carries a frame that failed security
	// processing. The ASDU is empty.
	IndicationSecurityFail
)

func (s IndicationStatus) String() string {
	switch s {
	case IndicationSuccess:
		return "SUCCESS"
	case IndicationDefragUnsupported:
		return "DEFRAG_UNSUPPORTED"
	case IndicationDefragDeferred:
		return "DEFRAG_DEFERRED"
	case IndicationSecurityFail:
		return "SECURITY_FAIL"
	}
	return fmt.Sprintf("IndicationStatus(%d)", uint8(s))
}

// Request is an APSDE-DATA.request.
type Request struct {
	// Dst selects the addressing mode; nil stands for a reserved mode.
	Dst         frame.Address
	ProfileID   uint16
	ClusterID   uint16
	SrcEndpoint uint8
	ASDU        []byte
	TxOptions   TxOptions

	UseAlias       bool
	AliasSrcAddr   uint16
	AliasSeqNumber uint8
	// Radius 0 uses the configured default.
	Radius uint8
}

// Confirm is an APSDE-DATA.confirm.
type Confirm struct {
	Handle      uint32
	Dst         frame.Address
	SrcEndpoint uint8
	Status      ConfirmStatus
	TxTime      time.Time
}

// Indication is an APSDE-DATA.indication.
type Indication struct {
	Dst            frame.Address
	Src            frame.ShortAddress
	SrcExtended    uint64
	ProfileID      uint16
	ClusterID      uint16
	ASDU           []byte
	Status         IndicationStatus
	SecurityStatus security.Status
	LinkQuality    uint8
	RxTime         time.Time
}

var (
	ErrNotJoined        = errors.New("aps: not joined")
	ErrReservedAddrMode = errors.New("aps: reserved destination address mode")
	ErrInvalidEndpoint  = errors.New("aps: invalid source endpoint")
	ErrASDUTooLong      = errors.New("aps: asdu too long")
	ErrNoShortAddress   = errors.New("aps: no short address for destination")
	ErrNoBoundDevice    = errors.New("aps: no bound device")
)

// StatusOf maps a synchronous Request error to the confirm status the
// higher layer sees.
func StatusOf(err error) ConfirmStatus {
	var pe *frame.ParseError
	switch {
	case err == nil:
		return ConfirmSuccess
	case errors.Is(err, ErrNotJoined):
		return ConfirmNotJoined
	case errors.Is(err, ErrASDUTooLong):
		return ConfirmASDUTooLong
	case errors.Is(err, ErrNoShortAddress):
		return ConfirmNoShortAddress
	case errors.Is(err, ErrNoBoundDevice):
		return ConfirmNoBoundDevice
	case errors.As(err, &pe), errors.Is(err, ErrReservedAddrMode), errors.Is(err, ErrInvalidEndpoint):
		return ConfirmInvalidParameter
	}
	var se *security.Error
	if errors.As(err, &se) {
		return ConfirmSecurityFail
	}
	return ConfirmInvalidParameter
}
