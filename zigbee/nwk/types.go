/*
ubee - ZigBee NWK/APS stack on Go
Copyright (c) 2022-2024 GSB, Georgii Batanov gbatanov@yandex.ru
MIT License
*/

package nwk

import (
	"errors"
	"fmt"
)

// State of the network manager.
type State uint8

const (
	StateUnjoined State = iota
	StateScanning
	StateForming
	StateJoining
	StateJoined
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateUnjoined:
		return "unjoined"
	case StateScanning:
		return "scanning"
	case StateForming:
		return "forming"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// NodeType is the role of the node in the network.
type NodeType uint8

const (
	Unknown NodeType = iota
	Coordinator
	Router
	EndDevice
	LowEnergyEndDevice
)

func (t NodeType) String() string {
	switch t {
	case Unknown:
		return "unknown"
	case Coordinator:
		return "coordinator"
	case Router:
		return "router"
	case EndDevice:
		return "end device"
	case LowEnergyEndDevice:
		return "low energy end device"
	}
	return fmt.Sprintf("NodeType(%d)", uint8(t))
}

// routing reports whether the role may accept children.
func (t NodeType) routing() bool {
	return t == Coordinator || t == Router
}

// Capability is the MAC capability information byte sent on association.
func (t NodeType) Capability() uint8 {
	const (
		capFFD        = 0x02
		capMainsPower = 0x04
		capRxOnIdle   = 0x08
		capAllocAddr  = 0x80
	)
	switch t {
	case Coordinator, Router:
		return capFFD | capMainsPower | capRxOnIdle | capAllocAddr
	case EndDevice:
		return capRxOnIdle | capAllocAddr
	}
	return capAllocAddr
}

// Result is the outcome reported to the next higher layer.
type Result uint8

const (
	Success Result = iota
	Failed
)

func (r Result) String() string {
	if r == Success {
		return "SUCCESS"
	}
	return "FAILED"
}

// Status is the NWK status code carried with a FAILED result.
type Status uint8

const (
	NoRouteAvailable          Status = 0x00
	TreeLinkFailure           Status = 0x01
	NonTreeLinkFailure        Status = 0x02
	LowBatteryLevel           Status = 0x03
	NoRoutingCapacity         Status = 0x04
	NoIndirectCapacity        Status = 0x05
	IndirectTransactionExpiry Status = 0x06
	TargetDeviceUnavailable   Status = 0x07
	TargetAddressUnallocated  Status = 0x08
	ParentLinkFailure         Status = 0x09
	ValidateRoute             Status = 0x0a
	SourceRouteFailure        Status = 0x0b
	ManyToOneRouteFailure     Status = 0x0c
	AddressConflict           Status = 0x0d
	VerifyAddress             Status = 0x0e
	PANIdentifierUpdate       Status = 0x0f
	NetworkAddressUpdate      Status = 0x10
	BadFrameCounter           Status = 0x11
	BadKeySequenceNumber      Status = 0x12
)

var statusNames = [...]string{
	"NO_ROUTE_AVAILABLE",
	"TREE_LINK_FAILURE",
	"NON_TREE_LINK_FAILURE",
	"LOW_BATTERY_LEVEL",
	"NO_ROUTING_CAPACITY",
	"NO_INDIRECT_CAPACITY",
	"INDIRECT_TRANSACTION_EXPIRY",
	"TARGET_DEVICE_UNAVAILABLE",
	"TARGET_ADDRESS_UNALLOCATED",
	"PARENT_LINK_FAILURE",
	"VALIDATE_ROUTE",
	"SOURCE_ROUTE_FAILURE",
	"MANY_TO_ONE_ROUTE_FAILURE",
	"ADDRESS_CONFLICT",
	"VERIFY_ADDRESS",
	"PAN_IDENTIFIER_UPDATE",
	"NETWORK_ADDRESS_UPDATE",
	"BAD_FRAME_COUNTER",
	"BAD_KEY_SEQUENCE_NUMBER",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(0x%02x)", uint8(s))
}

// DiscoveryStatus reports an attempt to start a discovery.
type DiscoveryStatus uint8

const (
	DiscoveryStarted DiscoveryStatus = iota
	DiscoveryAlreadyRunning
	DiscoveryInvalidRequest
	DiscoveryRouteError
)

func (s DiscoveryStatus) String() string {
	switch s {
	case DiscoveryStarted:
		return "STARTED"
	case DiscoveryAlreadyRunning:
		return "ALREADY_RUNNING"
	case DiscoveryInvalidRequest:
		return "INVALID_REQUEST"
	case DiscoveryRouteError:
		return "ROUTE_ERROR"
	}
	return fmt.Sprintf("DiscoveryStatus(%d)", uint8(s))
}

// AssocStatus is the MAC association status.
type AssocStatus uint8

const (
	AssocSuccess       AssocStatus = 0x00
	AssocPANAtCapacity AssocStatus = 0x01
	AssocAccessDenied  AssocStatus = 0x02
)

var (
	ErrInvalidRequest = errors.New("nwk: invalid request")
	ErrAlreadyRunning = errors.New("nwk: scan already running")
	ErrNotJoined      = errors.New("nwk: not joined")
	ErrNoNetwork      = errors.New("nwk: no suitable network")
	ErrScanStopped    = errors.New("nwk: scan stopped")
	ErrJoinAborted    = errors.New("nwk: join aborted")
	ErrFormAborted    = errors.New("nwk: network formation aborted")
	ErrChannel        = errors.New("nwk: channel unavailable")
)

// StatusError is a FAILED result with its NWK status code.
type StatusError struct {
	Op     string
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("nwk: %s: %s", e.Op, e.Status)
}

// ResultOf folds an error into the two-valued NLME result.
func ResultOf(err error) Result {
	if err == nil {
		return Success
	}
	return Failed
}

// StatusOf extracts the NWK status of a failure, if it carries one.
func StatusOf(err error) (Status, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return 0, false
}

// DiscoveryStatusOf maps a scan_start error to the discovery status.
func DiscoveryStatusOf(err error) DiscoveryStatus {
	switch {
	case err == nil:
		return DiscoveryStarted
	case errors.Is(err, ErrAlreadyRunning):
		return DiscoveryAlreadyRunning
	case errors.Is(err, ErrInvalidRequest):
		return DiscoveryInvalidRequest
	}
	return DiscoveryRouteError
}

// ChannelMask covers the 27 valid logical channels; bits 27..31 are reserved.
const ChannelMask uint32 = 0x07ffffff

// Params describe a network to form or join.
type Params struct {
	ExtendedPANID   uint64
	LogicalChannels uint32
	StackProfile    uint8
	ZigbeeVersion   uint8
	BeaconOrder     uint8
	SuperframeOrder uint8
}

func (p Params) Validate() error {
	if p.ExtendedPANID == 0 || p.ExtendedPANID == 0xffffffffffffffff {
		return fmt.Errorf("%w: extended pan id 0x%016x", ErrInvalidRequest, p.ExtendedPANID)
	}
	if p.LogicalChannels == 0 || p.LogicalChannels&^ChannelMask != 0 {
		return fmt.Errorf("%w: channel mask 0x%08x", ErrInvalidRequest, p.LogicalChannels)
	}
	if p.StackProfile > 0x0f || p.ZigbeeVersion > 0x0f || p.BeaconOrder > 0x0f || p.SuperframeOrder > 0x0f {
		return fmt.Errorf("%w: stack parameter out of range 0..15", ErrInvalidRequest)
	}
	return nil
}

// NetworkDescriptor is one network heard during a scan, as advertised by
// the beacon of a potential parent.
type NetworkDescriptor struct {
	ExtendedPANID   uint64
	PANID           uint16
	LogicalChannel  uint8
	StackProfile    uint8
	ZigbeeVersion   uint8
	BeaconOrder     uint8
	SuperframeOrder uint8
	PermitJoining   bool
	Parent          uint16
	LQI             uint8
}

type descKey struct {
	ext     uint64
	channel uint8
	parent  uint16
}

func (d NetworkDescriptor) key() descKey {
	return descKey{d.ExtendedPANID, d.LogicalChannel, d.Parent}
}

// NodeContext is the node's view of its network membership.
type NodeContext struct {
	Role            NodeType
	ShortAddress    uint16
	PANID           uint16
	ExtendedPANID   uint64
	Channel         uint8
	Parent          uint16
	ExtendedAddress uint64
	SecurityLevel   uint8
	ProtocolVersion uint8
}
