/*
ubee - ZigBee NWK/APS stack on Go
Copyright (c) 2022-2024 GSB, Georgii Batanov gbatanov@yandex.ru
MIT License
*/

// Package nwk is the network management state machine: forming, scanning,
// joining and leaving a network and admitting children.
package nwk

import (
	"errors"
	"fmt"
	"math/bits"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"ubee/config"
	"ubee/persist"
	"ubee/zigbee/addr"
	"ubee/zigbee/frame"
	"ubee/zigbee/sched"
)

// DoneFunc receives the asynchronous result of a request.
type DoneFunc func(err error)

// MAC is the part of the MAC sub-layer the manager drives. Requests are
// only queued: an error return means nothing was sent and done is never
// called, otherwise done receives the radio's answer exactly once, on the
// owner and after the method returned. Scan results, association confirms,
// association requests and routes come back through the manager's Beacon,
// AssociateConfirm, JoinIndication and RouteFound methods.
type MAC interface {
	StartScan(channels uint32, duration uint8, done DoneFunc) error
	StopScan(done DoneFunc) error
	StartNetwork(panID uint16, channel, beaconOrder, superframeOrder uint8, done DoneFunc) error
	Associate(d NetworkDescriptor, capability uint8, rejoin bool, done DoneFunc) error
	AssociateResponse(ext uint64, short uint16, status AssocStatus, done DoneFunc) error
	SetPermitJoining(open bool, done DoneFunc) error
	SendLeave(rejoin bool, done DoneFunc) error
	DiscoverRoute(ext uint64, radius uint8, done DoneFunc) error
}

// Listener receives unsolicited network events.
type Listener interface {
	DeviceJoined(ext uint64, short uint16, rejoin bool)
	DeviceLeft(ext uint64)
	// Left is called after the node left the network.
	Left()
}

// Metrics is the counting hook of the manager.
type Metrics interface {
	StateChanged(s State)
	ScanCompleted(networks int)
	JoinRequest(accepted bool)
}

// Resetter pulses the radio hardware reset.
type Resetter interface {
	ResetRadio() error
}

// Config wires the manager to its collaborators. Stack, MAC, Table and
// Scheduler are required.
type Config struct {
	Stack     config.Stack
	MAC       MAC
	Table     *addr.Table
	Scheduler sched.Scheduler
	Store     persist.Store
	Resetter  Resetter
	Listener  Listener
	Metrics   Metrics
	Logger    zerolog.Logger
	// Rand returns a value in [0, n); defaults to math/rand/v2.
	Rand func(n int) int
}

// ScanFunc receives the result of a scan exactly once.
type ScanFunc func(networks []NetworkDescriptor, err error)

type scanOp struct {
	timer   sched.Timer
	prior   State
	results map[descKey]NetworkDescriptor
	done    ScanFunc
}

type formOp struct {
	params  Params
	panID   uint16
	channel uint8
	devices []persist.Device
	done    DoneFunc
}

type routeOp struct {
	ext     uint64
	timer   sched.Timer
	waiters []DoneFunc
}

type joinOp struct {
	timer    sched.Timer
	nodeType NodeType
	desc     NetworkDescriptor
	rejoin   bool
	done     DoneFunc
}

// Manager owns NodeContext. It is not safe for concurrent use: every call,
// MAC event and timer callback must come from the same owner.
type Manager struct {
	cfg   Config
	log   zerolog.Logger
	state State
	node  NodeContext

	scan     *scanOp
	join     *joinOp
	form     *formOp
	routes   map[uint64]*routeOp
	lastScan []NetworkDescriptor
	cached   *NetworkDescriptor

	permitOpen  bool
	permitTimer sched.Timer
	permitReq   uint32
}

// NewManager returns a manager in the Unjoined state.
func NewManager(cfg Config) *Manager {
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Listener == nil {
		cfg.Listener = noopListener{}
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.IntN
	}
	m := &Manager{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "nwk").Logger(),
		routes: make(map[uint64]*routeOp),
	}
	m.resetNode()
	return m
}

func (m *Manager) State() State { return m.state }

// Node returns a copy of the node context.
func (m *Manager) Node() NodeContext { return m.node }

// Joined reports whether APS may serve requests.
func (m *Manager) Joined() bool {
	return m.state == StateJoined || (m.state == StateScanning && m.scan != nil && m.scan.prior == StateJoined)
}

// PermitJoiningOpen reports whether children are accepted right now.
func (m *Manager) PermitJoiningOpen() bool { return m.permitOpen }

// LastScan returns the descriptors of the most recent completed scan.
func (m *Manager) LastScan() []NetworkDescriptor {
	return append([]NetworkDescriptor(nil), m.lastScan...)
}

func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	m.log.Debug().Stringer("from", m.state).Stringer("to", s).Msg("state")
	m.state = s
	m.cfg.Metrics.StateChanged(s)
}

func (m *Manager) resetNode() {
	m.node = NodeContext{
		Role:            Unknown,
		ShortAddress:    frame.InvalidShortAddress,
		Parent:          frame.InvalidShortAddress,
		ExtendedAddress: m.cfg.Stack.ExtendedAddress,
		SecurityLevel:   m.cfg.Stack.SecurityLevel,
		ProtocolVersion: m.cfg.Stack.ProtocolVersion,
	}
}

// Create forms a new network with this node as coordinator. The node stays
// Forming until the radio confirms the start; done receives the outcome.
// A coordinator that persisted the same extended PAN id comes back on its
// old PAN id and channel with its devices.
func (m *Manager) Create(p Params, done DoneFunc) error {
	if m.state != StateUnjoined {
		return fmt.Errorf("%w: create in state %s", ErrInvalidRequest, m.state)
	}
	if !m.cfg.Stack.CoordinatorCapable {
		return fmt.Errorf("%w: node is not coordinator capable", ErrInvalidRequest)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	op := &formOp{params: p, channel: uint8(bits.TrailingZeros32(p.LogicalChannels)), done: done}
	restored := false
	if s := m.load(); s != nil && NodeType(s.Role) == Coordinator && s.Network.ExtendedPANID == p.ExtendedPANID {
		if p.LogicalChannels&(1<<s.Network.Channel) != 0 {
			op.channel, op.panID = s.Network.Channel, s.Network.PANID
			restored = true
		}
		op.devices = s.Devices
	}
	if !restored {
		op.panID = m.choosePANID(p.ExtendedPANID, op.channel)
	}

	m.form = op
	m.setState(StateForming)
	if err := m.cfg.MAC.StartNetwork(op.panID, op.channel, p.BeaconOrder, p.SuperframeOrder, func(err error) {
		m.formed(op, err)
	}); err != nil {
		m.form = nil
		m.setState(StateUnjoined)
		return fmt.Errorf("%w: channel %d: %v", ErrChannel, op.channel, err)
	}
	m.log.Debug().Str("pan", fmt.Sprintf("0x%04x", op.panID)).Uint8("channel", op.channel).
		Int("devices", len(op.devices)).Msg("forming")
	return nil
}

func (m *Manager) formed(op *formOp, err error) {
	if m.form != op {
		return
	}
	m.form = nil
	if err != nil {
		m.setState(StateUnjoined)
		err = fmt.Errorf("%w: channel %d: %v", ErrChannel, op.channel, err)
		m.log.Warn().Err(err).Msg("network formation failed")
		if op.done != nil {
			op.done(err)
		}
		return
	}
	p := op.params
	m.node.Role = Coordinator
	m.node.ShortAddress = frame.CoordinatorAddress
	m.node.PANID = op.panID
	m.node.ExtendedPANID = p.ExtendedPANID
	m.node.Channel = op.channel
	m.node.Parent = frame.InvalidShortAddress
	m.cached = &NetworkDescriptor{
		ExtendedPANID:   p.ExtendedPANID,
		PANID:           op.panID,
		LogicalChannel:  op.channel,
		StackProfile:    p.StackProfile,
		ZigbeeVersion:   p.ZigbeeVersion,
		BeaconOrder:     p.BeaconOrder,
		SuperframeOrder: p.SuperframeOrder,
		Parent:          frame.InvalidShortAddress,
	}
	m.cfg.Table.Clear()
	for _, d := range op.devices {
		if err := m.cfg.Table.Add(d.Extended, d.Short); err != nil {
			m.log.Warn().Err(err).Str("ext", fmt.Sprintf("0x%016x", d.Extended)).Msg("restore address table")
		}
	}
	m.setState(StateJoined)
	m.log.Info().
		Str("ext_pan", fmt.Sprintf("0x%016x", p.ExtendedPANID)).
		Str("pan", fmt.Sprintf("0x%04x", op.panID)).
		Uint8("channel", op.channel).
		Int("devices", m.cfg.Table.Len()).
		Msg("network formed")
	m.save()
	if op.done != nil {
		op.done(nil)
	}
}

// choosePANID derives a 14-bit PAN id from the extended PAN id, stepping
// past ids already heard on the same channel.
func (m *Manager) choosePANID(ext uint64, channel uint8) uint16 {
	pan := uint16(ext & 0x3fff)
	if pan == 0 || pan == 0x3fff {
		pan = 0x1a62
	}
	used := make(map[uint16]bool)
	for _, d := range m.lastScan {
		if d.LogicalChannel == channel {
			used[d.PANID] = true
		}
	}
	for used[pan] {
		pan = pan%0x3ffe + 1
	}
	return pan
}

// ScanStart begins an active scan. done is called once, on the owner,
// with the descriptors heard before the scan window closed.
func (m *Manager) ScanStart(channels uint32, duration uint8, done ScanFunc) error {
	if m.state == StateScanning {
		return ErrAlreadyRunning
	}
	if m.state != StateUnjoined && m.state != StateJoined {
		return fmt.Errorf("%w: scan in state %s", ErrInvalidRequest, m.state)
	}
	if channels&^ChannelMask != 0 {
		return fmt.Errorf("%w: reserved channel bits 0x%08x", ErrInvalidRequest, channels&^ChannelMask)
	}
	if duration > config.MaxScanDuration {
		return fmt.Errorf("%w: scan duration %d", ErrInvalidRequest, duration)
	}
	op := &scanOp{
		prior:   m.state,
		results: make(map[descKey]NetworkDescriptor),
		done:    done,
	}
	if err := m.cfg.MAC.StartScan(channels, duration, func(err error) {
		if err != nil {
			m.scanFailed(op, err)
		}
	}); err != nil {
		return fmt.Errorf("nwk: start scan: %w", err)
	}
	op.timer = m.cfg.Scheduler.AfterFunc(m.cfg.Stack.ScanDuration(duration), func() { m.scanFinished(op) })
	m.scan = op
	m.setState(StateScanning)
	m.log.Debug().Str("channels", fmt.Sprintf("0x%07x", channels)).Uint8("duration", duration).Msg("scan started")
	return nil
}

// Beacon records a network heard by the MAC during a scan. Beacons outside
// a scan are ignored.
func (m *Manager) Beacon(d NetworkDescriptor) {
	if m.scan == nil {
		return
	}
	k := d.key()
	if old, ok := m.scan.results[k]; ok && old.LQI >= d.LQI {
		return
	}
	m.scan.results[k] = d
}

func (m *Manager) scanFinished(op *scanOp) {
	if m.scan != op {
		return
	}
	m.scan = nil
	found := make([]NetworkDescriptor, 0, len(op.results))
	for _, d := range op.results {
		found = append(found, d)
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].ExtendedPANID != found[j].ExtendedPANID {
			return found[i].ExtendedPANID < found[j].ExtendedPANID
		}
		if found[i].LogicalChannel != found[j].LogicalChannel {
			return found[i].LogicalChannel < found[j].LogicalChannel
		}
		return found[i].Parent < found[j].Parent
	})
	m.lastScan = found
	m.setState(op.prior)
	m.cfg.Metrics.ScanCompleted(len(found))
	m.log.Info().Int("networks", len(found)).Msg("scan complete")
	if op.done != nil {
		op.done(m.LastScan(), nil)
	}
}

// scanFailed ends a scan the radio refused.
func (m *Manager) scanFailed(op *scanOp, err error) {
	if m.scan != op {
		return
	}
	m.scan = nil
	op.timer.Stop()
	m.setState(op.prior)
	m.log.Warn().Err(err).Msg("scan rejected")
	if op.done != nil {
		op.done(nil, fmt.Errorf("nwk: start scan: %w", err))
	}
}

// ScanStop cancels a running scan, dropping whatever was heard. It is a
// no-op when no scan runs.
func (m *Manager) ScanStop() error {
	if m.scan == nil {
		return nil
	}
	op := m.scan
	m.scan = nil
	op.timer.Stop()
	if err := m.cfg.MAC.StopScan(m.logFailure("stop scan")); err != nil {
		m.log.Warn().Err(err).Msg("stop scan")
	}
	m.setState(op.prior)
	if op.done != nil {
		op.done(nil, ErrScanStopped)
	}
	return nil
}

// Join associates with the best network of the last scan that matches p.
// The outcome is delivered to done.
func (m *Manager) Join(nodeType NodeType, p Params, done DoneFunc) error {
	if err := m.checkJoin(nodeType, p); err != nil {
		return err
	}
	d, ok := m.candidate(p)
	if !ok {
		return fmt.Errorf("%w: 0x%016x", ErrNoNetwork, p.ExtendedPANID)
	}
	return m.startJoin(nodeType, d, false, done)
}

// Rejoin re-associates with the cached network, falling back to the
// persisted descriptor and then the last scan.
func (m *Manager) Rejoin(nodeType NodeType, p Params, done DoneFunc) error {
	if err := m.checkJoin(nodeType, p); err != nil {
		return err
	}
	if m.cached == nil {
		m.restore()
	}
	var d NetworkDescriptor
	switch {
	case m.cached != nil && m.cached.ExtendedPANID == p.ExtendedPANID && m.cached.Parent != frame.InvalidShortAddress:
		d = *m.cached
	default:
		var ok bool
		if d, ok = m.candidate(p); !ok {
			return fmt.Errorf("%w: 0x%016x", ErrNoNetwork, p.ExtendedPANID)
		}
	}
	return m.startJoin(nodeType, d, true, done)
}

func (m *Manager) checkJoin(nodeType NodeType, p Params) error {
	if m.state != StateUnjoined {
		return fmt.Errorf("%w: join in state %s", ErrInvalidRequest, m.state)
	}
	switch nodeType {
	case Router, EndDevice, LowEnergyEndDevice:
	default:
		return fmt.Errorf("%w: cannot join as %s", ErrInvalidRequest, nodeType)
	}
	return p.Validate()
}

func (m *Manager) candidate(p Params) (NetworkDescriptor, bool) {
	var best NetworkDescriptor
	found := false
	for _, d := range m.lastScan {
		if d.ExtendedPANID != p.ExtendedPANID || !d.PermitJoining {
			continue
		}
		if d.StackProfile != p.StackProfile || p.LogicalChannels&(1<<d.LogicalChannel) == 0 {
			continue
		}
		if !found || d.LQI > best.LQI {
			best = d
			found = true
		}
	}
	return best, found
}

func (m *Manager) startJoin(nodeType NodeType, d NetworkDescriptor, rejoin bool, done DoneFunc) error {
	op := &joinOp{nodeType: nodeType, desc: d, rejoin: rejoin, done: done}
	if err := m.cfg.MAC.Associate(d, nodeType.Capability(), rejoin, func(err error) {
		if err != nil {
			m.log.Warn().Err(err).Msg("associate rejected")
			m.finishJoin(op, 0, &StatusError{Op: "join", Status: ParentLinkFailure})
		}
	}); err != nil {
		return fmt.Errorf("nwk: associate: %w", err)
	}
	op.timer = m.cfg.Scheduler.AfterFunc(m.cfg.Stack.JoinTimeout, func() {
		m.finishJoin(op, 0, &StatusError{Op: "join", Status: ParentLinkFailure})
	})
	m.join = op
	m.setState(StateJoining)
	m.log.Debug().
		Str("ext_pan", fmt.Sprintf("0x%016x", d.ExtendedPANID)).
		Str("parent", fmt.Sprintf("0x%04x", d.Parent)).
		Bool("rejoin", rejoin).
		Msg("associating")
	return nil
}

// AssociateConfirm is the MAC answer to Associate.
func (m *Manager) AssociateConfirm(short uint16, status AssocStatus) {
	op := m.join
	if op == nil {
		return
	}
	switch {
	case status == AssocPANAtCapacity:
		m.finishJoin(op, 0, &StatusError{Op: "join", Status: NoRoutingCapacity})
	case status != AssocSuccess:
		m.finishJoin(op, 0, &StatusError{Op: "join", Status: ParentLinkFailure})
	case frame.IsBroadcast(short) || m.cfg.Table.Conflicts(m.cfg.Stack.ExtendedAddress, short):
		m.finishJoin(op, 0, &StatusError{Op: "join", Status: AddressConflict})
	default:
		m.finishJoin(op, short, nil)
	}
}

func (m *Manager) finishJoin(op *joinOp, short uint16, err error) {
	if m.join != op {
		return
	}
	m.join = nil
	op.timer.Stop()
	if err != nil {
		m.setState(StateUnjoined)
		m.log.Warn().Err(err).Msg("join failed")
		if op.done != nil {
			op.done(err)
		}
		return
	}
	m.node.Role = op.nodeType
	m.node.ShortAddress = short
	m.node.PANID = op.desc.PANID
	m.node.ExtendedPANID = op.desc.ExtendedPANID
	m.node.Channel = op.desc.LogicalChannel
	m.node.Parent = op.desc.Parent
	d := op.desc
	m.cached = &d
	m.cfg.Table.SetDefaultRoute(op.desc.Parent)
	m.setState(StateJoined)
	m.log.Info().
		Str("short", fmt.Sprintf("0x%04x", short)).
		Str("parent", fmt.Sprintf("0x%04x", op.desc.Parent)).
		Stringer("role", op.nodeType).
		Msg("joined")
	m.save()
	if op.done != nil {
		op.done(nil)
	}
}

// PermitJoining opens the acceptance window for duration seconds. 0 closes
// it, 0xff keeps it open until closed.
func (m *Manager) PermitJoining(duration uint8) error {
	if !m.Joined() {
		return ErrNotJoined
	}
	if !m.node.Role.routing() {
		return fmt.Errorf("%w: %s cannot accept children", ErrInvalidRequest, m.node.Role)
	}
	if m.permitTimer != nil {
		m.permitTimer.Stop()
		m.permitTimer = nil
	}
	open := duration != 0
	m.permitReq++
	req := m.permitReq
	if err := m.cfg.MAC.SetPermitJoining(open, func(err error) {
		if err != nil {
			m.permitRejected(req, err)
		}
	}); err != nil {
		return fmt.Errorf("nwk: permit joining: %w", err)
	}
	m.permitOpen = open
	if open && duration != 0xff {
		var t sched.Timer
		t = m.cfg.Scheduler.AfterFunc(time.Duration(duration)*time.Second, func() {
			if m.permitTimer != t {
				return
			}
			m.permitTimer = nil
			m.closePermit()
		})
		m.permitTimer = t
	}
	m.log.Info().Uint8("duration", duration).Msg("permit joining")
	return nil
}

// permitRejected closes the window when the radio refused the latest
// permit joining request.
func (m *Manager) permitRejected(req uint32, err error) {
	m.log.Warn().Err(err).Msg("permit joining rejected")
	if req != m.permitReq || !m.permitOpen {
		return
	}
	m.permitOpen = false
	if m.permitTimer != nil {
		m.permitTimer.Stop()
		m.permitTimer = nil
	}
}

func (m *Manager) closePermit() {
	if !m.permitOpen {
		return
	}
	m.permitOpen = false
	m.permitReq++
	if err := m.cfg.MAC.SetPermitJoining(false, m.logFailure("close permit joining")); err != nil {
		m.log.Warn().Err(err).Msg("close permit joining")
	}
}

// logFailure is the completion of requests whose rejection is only logged.
func (m *Manager) logFailure(what string) DoneFunc {
	return func(err error) {
		if err != nil {
			m.log.Warn().Err(err).Msg(what)
		}
	}
}

// JoinIndication handles an association request from a prospective child.
func (m *Manager) JoinIndication(ext uint64, capability uint8, rejoin bool) {
	if !m.Joined() || !m.node.Role.routing() {
		return
	}
	short, known := uint16(0), false
	if s, err := m.cfg.Table.Lookup(ext); err == nil {
		short, known = s, true
	}
	switch {
	case !m.permitOpen && !(rejoin && known):
		m.deny(ext, AssocAccessDenied)
		return
	case !known && m.cfg.Table.Full():
		m.deny(ext, AssocPANAtCapacity)
		return
	}
	if !known {
		var ok bool
		if short, ok = m.allocate(ext); !ok {
			m.deny(ext, AssocPANAtCapacity)
			return
		}
		if err := m.cfg.Table.Add(ext, short); err != nil {
			m.log.Warn().Err(err).Msg("address table")
			m.deny(ext, AssocPANAtCapacity)
			return
		}
	}
	if err := m.cfg.MAC.AssociateResponse(ext, short, AssocSuccess, m.logFailure("association response")); err != nil {
		m.log.Warn().Err(err).Msg("association response")
	}
	m.cfg.Metrics.JoinRequest(true)
	m.log.Info().
		Str("ext", fmt.Sprintf("0x%016x", ext)).
		Str("short", fmt.Sprintf("0x%04x", short)).
		Uint8("capability", capability).
		Bool("rejoin", rejoin).
		Msg("device joined")
	m.cfg.Listener.DeviceJoined(ext, short, rejoin)
	m.save()
}

func (m *Manager) deny(ext uint64, status AssocStatus) {
	if err := m.cfg.MAC.AssociateResponse(ext, frame.InvalidShortAddress, status, m.logFailure("association response")); err != nil {
		m.log.Warn().Err(err).Msg("association response")
	}
	m.cfg.Metrics.JoinRequest(false)
	m.log.Debug().Str("ext", fmt.Sprintf("0x%016x", ext)).Uint8("status", uint8(status)).Msg("join denied")
}

// allocate picks a random unused unicast address.
func (m *Manager) allocate(ext uint64) (uint16, bool) {
	for i := 0; i < 64; i++ {
		short := uint16(1 + m.cfg.Rand(int(frame.MaxUnicastAddress)))
		if short == m.node.ShortAddress || m.cfg.Table.Conflicts(ext, short) {
			continue
		}
		return short, true
	}
	return 0, false
}

// NodeLeft drops a device that left the network.
func (m *Manager) NodeLeft(ext uint64) {
	if _, err := m.cfg.Table.Lookup(ext); err != nil {
		return
	}
	m.cfg.Table.Invalidate(frame.ExtendedAddress{Addr: ext})
	m.log.Info().Str("ext", fmt.Sprintf("0x%016x", ext)).Msg("device left")
	m.cfg.Listener.DeviceLeft(ext)
	m.save()
}

// DiscoverRoute asks the network for a route to ext. Data requests towards
// ext wait while the discovery runs. done receives nil once RouteFound
// resolved ext, or a NO_ROUTE_AVAILABLE failure when nothing answered in
// time. A radius of 0 uses the default.
func (m *Manager) DiscoverRoute(ext uint64, radius uint8, done DoneFunc) error {
	if !m.Joined() {
		return ErrNotJoined
	}
	if ext == 0 || ext == 0xffffffffffffffff || ext == m.node.ExtendedAddress {
		return fmt.Errorf("%w: route to 0x%016x", ErrInvalidRequest, ext)
	}
	if op, ok := m.routes[ext]; ok {
		op.waiters = append(op.waiters, done)
		return nil
	}
	if radius == 0 {
		radius = m.cfg.Stack.DefaultRadius
	}
	op := &routeOp{ext: ext, waiters: []DoneFunc{done}}
	if err := m.cfg.MAC.DiscoverRoute(ext, radius, func(err error) {
		if err != nil {
			m.log.Warn().Err(err).Str("ext", fmt.Sprintf("0x%016x", ext)).Msg("route discovery rejected")
			m.finishRoute(op, &StatusError{Op: "route discovery", Status: NoRouteAvailable})
		}
	}); err != nil {
		return fmt.Errorf("nwk: route discovery: %w", err)
	}
	op.timer = m.cfg.Scheduler.AfterFunc(m.cfg.Stack.RouteWait(), func() {
		m.finishRoute(op, &StatusError{Op: "route discovery", Status: NoRouteAvailable})
	})
	m.routes[ext] = op
	m.cfg.Table.BeginDiscovery(ext)
	m.log.Debug().Str("ext", fmt.Sprintf("0x%016x", ext)).Uint8("radius", radius).Msg("route discovery")
	return nil
}

// RouteFound records a route reported by the radio: ext answers at short,
// reached through nextHop. It ends a discovery towards ext.
func (m *Manager) RouteFound(ext uint64, short, nextHop uint16) {
	if !m.Joined() {
		return
	}
	op := m.routes[ext]
	if frame.IsBroadcast(short) {
		return
	}
	if err := m.cfg.Table.Add(ext, short); err != nil {
		m.log.Warn().Err(err).Str("ext", fmt.Sprintf("0x%016x", ext)).Str("short", fmt.Sprintf("0x%04x", short)).Msg("route")
		if op != nil {
			m.finishRoute(op, &StatusError{Op: "route discovery", Status: AddressConflict})
		}
		return
	}
	if nextHop != frame.InvalidShortAddress {
		m.cfg.Table.RecordRoute(short, nextHop)
	}
	m.log.Debug().
		Str("ext", fmt.Sprintf("0x%016x", ext)).
		Str("short", fmt.Sprintf("0x%04x", short)).
		Str("next_hop", fmt.Sprintf("0x%04x", nextHop)).
		Msg("route found")
	if op != nil {
		m.finishRoute(op, nil)
	}
	m.save()
}

func (m *Manager) finishRoute(op *routeOp, err error) {
	if m.routes[op.ext] != op {
		return
	}
	delete(m.routes, op.ext)
	if op.timer != nil {
		op.timer.Stop()
	}
	m.cfg.Table.EndDiscovery(op.ext)
	for _, done := range op.waiters {
		if done != nil {
			done(err)
		}
	}
}

// Leave drops out of the network. Pending scans, joins, formation and
// route discoveries are cancelled. It always succeeds.
func (m *Manager) Leave() error {
	wasJoined := m.Joined()
	m.setState(StateLeaving)
	if op := m.scan; op != nil {
		m.scan = nil
		op.timer.Stop()
		if err := m.cfg.MAC.StopScan(m.logFailure("stop scan")); err != nil {
			m.log.Warn().Err(err).Msg("stop scan")
		}
		if op.done != nil {
			op.done(nil, ErrScanStopped)
		}
	}
	if op := m.form; op != nil {
		m.form = nil
		if op.done != nil {
			op.done(ErrFormAborted)
		}
	}
	routes := m.routes
	m.routes = make(map[uint64]*routeOp)
	for _, op := range routes {
		op.timer.Stop()
		for _, done := range op.waiters {
			if done != nil {
				done(ErrNotJoined)
			}
		}
	}
	if op := m.join; op != nil {
		m.join = nil
		op.timer.Stop()
		if op.done != nil {
			op.done(ErrJoinAborted)
		}
	}
	if m.permitTimer != nil {
		m.permitTimer.Stop()
		m.permitTimer = nil
	}
	if wasJoined {
		m.closePermit()
		if err := m.cfg.MAC.SendLeave(false, m.logFailure("leave notification")); err != nil {
			m.log.Warn().Err(err).Msg("leave notification")
		}
	}
	m.permitOpen = false
	m.resetNode()
	m.cfg.Table.Clear()
	m.setState(StateUnjoined)
	m.log.Info().Msg("left network")
	m.cfg.Listener.Left()
	return nil
}

// Reset leaves the network and forgets every persisted parameter.
func (m *Manager) Reset() error {
	_ = m.Leave()
	m.cached = nil
	m.lastScan = nil
	var errs []error
	if m.cfg.Store != nil {
		if err := m.cfg.Store.Clear(); err != nil {
			errs = append(errs, fmt.Errorf("nwk: clear store: %w", err))
		}
	}
	if m.cfg.Resetter != nil {
		if err := m.cfg.Resetter.ResetRadio(); err != nil {
			errs = append(errs, fmt.Errorf("nwk: radio reset: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Persist writes the network state to the store. It does nothing unless
// the node is joined.
func (m *Manager) Persist() { m.save() }

func (m *Manager) save() {
	if m.cfg.Store == nil || m.state != StateJoined {
		return
	}
	s := &persist.Snapshot{
		Role:         uint8(m.node.Role),
		ShortAddress: m.node.ShortAddress,
		Network: persist.Network{
			ExtendedPANID: m.node.ExtendedPANID,
			PANID:         m.node.PANID,
			Channel:       m.node.Channel,
			Parent:        m.node.Parent,
		},
	}
	if d := m.cached; d != nil {
		s.Network.StackProfile = d.StackProfile
		s.Network.ZigbeeVersion = d.ZigbeeVersion
		s.Network.BeaconOrder = d.BeaconOrder
		s.Network.SuperframeOrder = d.SuperframeOrder
	}
	for _, e := range m.cfg.Table.Entries() {
		s.Devices = append(s.Devices, persist.Device{Extended: e.Extended, Short: e.Short})
	}
	if err := m.cfg.Store.Save(s); err != nil {
		m.log.Error().Err(err).Msg("save network state")
	}
}

// load reads the persisted snapshot; nil when there is none.
func (m *Manager) load() *persist.Snapshot {
	if m.cfg.Store == nil {
		return nil
	}
	s, err := m.cfg.Store.Load()
	if err != nil {
		m.log.Error().Err(err).Msg("load network state")
		return nil
	}
	return s
}

// restore loads the cached descriptor and known devices from the store.
func (m *Manager) restore() {
	s := m.load()
	if s == nil {
		return
	}
	m.cached = &NetworkDescriptor{
		ExtendedPANID:   s.Network.ExtendedPANID,
		PANID:           s.Network.PANID,
		LogicalChannel:  s.Network.Channel,
		StackProfile:    s.Network.StackProfile,
		ZigbeeVersion:   s.Network.ZigbeeVersion,
		BeaconOrder:     s.Network.BeaconOrder,
		SuperframeOrder: s.Network.SuperframeOrder,
		Parent:          s.Network.Parent,
		PermitJoining:   true,
	}
	for _, d := range s.Devices {
		if err := m.cfg.Table.Add(d.Extended, d.Short); err != nil {
			m.log.Warn().Err(err).Msg("restore address table")
		}
	}
}

type noopMetrics struct{}

func (noopMetrics) StateChanged(State) {}
func (noopMetrics) ScanCompleted(int)  {}
func (noopMetrics) JoinRequest(bool)   {}

type noopListener struct{}

func (noopListener) DeviceJoined(uint64, uint16, bool) {}
func (noopListener) DeviceLeft(uint64)                 {}
func (noopListener) Left()                             {}
