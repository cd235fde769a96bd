/*
ubee - ZigBee NWK/APS stack on Go
Copyright (c) 2022-2024 GSB, Georgii Batanov gbatanov@yandex.ru
MIT License
*/

// Package aps is the APS data service: outbound fragmentation with
// acknowledged delivery and inbound reassembly.
package aps

import (
	"fmt"

	"github.com/rs/zerolog"

	"ubee/config"
	"ubee/zigbee/addr"
	"ubee/zigbee/frame"
	"ubee/zigbee/nwk"
	"ubee/zigbee/sched"
	"ubee/zigbee/security"
)

// Network is the view of the network manager the data service needs.
type Network interface {
	Joined() bool
	Node() nwk.NodeContext
}

// MAC hands frames to the radio. A frame sent with ack set is confirmed
// through Service.TxConfirm with the same handle.
type MAC interface {
	Transmit(dst uint16, handle uint8, frame []byte, ack bool) error
}

// Metrics is the counting hook of the data service.
type Metrics interface {
	FragmentSent(retry bool)
	Confirmed(status ConfirmStatus)
	Indicated(status IndicationStatus)
	Reassemblies(active int)
}

// Config wires the service. Network, MAC, Table and Scheduler are required.
type Config struct {
	Stack       config.Stack
	Network     Network
	MAC         MAC
	Table       *addr.Table
	Security    *security.Adapter
	Bindings    *BindingTable
	Scheduler   sched.Scheduler
	Indications func(Indication)
	Metrics     Metrics
	Logger      zerolog.Logger
}

// FragmentState is the delivery state of one block.
type FragmentState uint8

const (
	Pending FragmentState = iota
	Sent
	Acked
	Failed
)

func (s FragmentState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Sent:
		return "sent"
	case Acked:
		return "acked"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("FragmentState(%d)", uint8(s))
}

// transfer is one request in flight or queued for its destination.
type transfer struct {
	handle   uint32
	req      Request
	done     func(Confirm)
	dst      uint16
	dstExt   uint64
	delivery frame.Delivery
	blocks   [][]byte
	state    []FragmentState
	next     int
	counter  uint8
	ack      bool

	macHandle uint8
	started   bool
	pumping   bool
	waiting   bool // for an ack, a backoff or the security provider
	closed    bool
	secFailed bool
	timer     sched.Timer
	retry     backoff
}

// Service is not safe for concurrent use; it runs on the stack owner.
type Service struct {
	cfg Config
	log zerolog.Logger

	nextHandle uint32
	counter    uint8
	seq        uint8
	macHandle  uint8

	queues   map[uint16][]*transfer
	inflight map[uint8]*transfer
	parked   map[uint64][]*parkedTransfer

	reasm map[reasmKey]*reassembly
}

type parkedTransfer struct {
	t     *transfer
	timer sched.Timer
}

// NewService builds a data service.
func NewService(cfg Config) *Service {
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Bindings == nil {
		cfg.Bindings = NewBindingTable(cfg.Stack.MaxTableEntries)
	}
	if cfg.Indications == nil {
		cfg.Indications = func(Indication) {}
	}
	return &Service{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "aps").Logger(),
		queues:   make(map[uint16][]*transfer),
		inflight: make(map[uint8]*transfer),
		parked:   make(map[uint64][]*parkedTransfer),
		reasm:    make(map[reasmKey]*reassembly),
	}
}

// Bindings returns the binding table used for requests without address.
func (s *Service) Bindings() *BindingTable { return s.cfg.Bindings }

// Capacity is the ASDU room of one frame for the given options.
func (s *Service) Capacity(opts TxOptions) int {
	c := s.cfg.Stack.FrameCapacity()
	if opts.Has(TxSecurity) {
		c -= s.cfg.Security.Overhead(keyFor(opts), opts.Has(TxExtendedNonce))
	}
	return c
}

func keyFor(opts TxOptions) security.KeyID {
	if opts.Has(TxUseNWKKey) {
		return security.KeyNetwork
	}
	return security.KeyData
}

// Request validates and queues a data request. Validation failures are
// returned synchronously and done is not called; otherwise done receives
// exactly one confirm, possibly before Request returns.
func (s *Service) Request(req Request, done func(Confirm)) (uint32, error) {
	if !s.cfg.Network.Joined() {
		return 0, ErrNotJoined
	}
	if req.Dst == nil {
		return 0, ErrReservedAddrMode
	}
	if req.SrcEndpoint == frame.BroadcastEndpoint {
		return 0, ErrInvalidEndpoint
	}
	if len(req.ASDU) > config.MaxASDULength {
		return 0, fmt.Errorf("%w: %d octets", ErrASDUTooLong, len(req.ASDU))
	}
	if req.TxOptions.Has(TxSecurity) && !s.cfg.Security.Enabled() {
		return 0, &security.Error{Status: security.FailProvider, Err: security.ErrDisabled}
	}

	dst := req.Dst
	if _, ok := dst.(frame.NoAddress); ok {
		bound, ok := s.cfg.Bindings.Lookup(req.SrcEndpoint, req.ClusterID)
		if !ok {
			return 0, ErrNoBoundDevice
		}
		dst = bound
	}

	t := &transfer{req: req, done: done, ack: req.TxOptions.Has(TxAcknowledged)}
	park := false
	switch d := dst.(type) {
	case frame.GroupAddress:
		t.dst = frame.BroadcastRxOnIdle
		t.delivery = frame.Group{Address: d.Group}
	case frame.ShortAddress:
		t.dst = d.Addr
		if frame.IsBroadcast(d.Addr) {
			t.delivery = frame.Broadcast{Endpoint: d.Endpoint}
		} else {
			t.delivery = frame.Unicast{Endpoint: d.Endpoint}
		}
	case frame.ExtendedAddress:
		t.dstExt = d.Addr
		t.delivery = frame.Unicast{Endpoint: d.Endpoint}
		short, err := s.cfg.Table.Lookup(d.Addr)
		switch {
		case err == nil:
			t.dst = short
		case s.cfg.Table.Discovering(d.Addr):
			park = true
		default:
			return 0, fmt.Errorf("%w: 0x%016x", ErrNoShortAddress, d.Addr)
		}
	default:
		return 0, ErrReservedAddrMode
	}
	if _, unicast := t.delivery.(frame.Unicast); !unicast {
		// acknowledgments are only defined for unicast
		t.ack = false
	}

	capacity := s.Capacity(req.TxOptions)
	if len(req.ASDU) > 0 && capacity <= 0 {
		return 0, fmt.Errorf("%w: no room in frame", ErrASDUTooLong)
	}
	if len(req.ASDU) > capacity {
		if !req.TxOptions.Has(TxFragmentation) {
			return 0, fmt.Errorf("%w: %d > %d and fragmentation not permitted", ErrASDUTooLong, len(req.ASDU), capacity)
		}
		if _, unicast := t.delivery.(frame.Unicast); !unicast {
			return 0, fmt.Errorf("%w: fragmentation needs unicast delivery", ErrASDUTooLong)
		}
		if (len(req.ASDU)+capacity-1)/capacity > MaxBlocks {
			return 0, fmt.Errorf("%w: more than %d blocks", ErrASDUTooLong, MaxBlocks)
		}
	}
	// blocks are resent from this copy
	t.req.ASDU = append([]byte(nil), req.ASDU...)
	t.blocks = split(t.req.ASDU, capacity)
	t.state = make([]FragmentState, len(t.blocks))
	t.retry = newBackoff(s.cfg.Stack.RetryBackoff, s.cfg.Stack.MaxBackoff)

	s.nextHandle++
	t.handle = s.nextHandle
	t.counter = s.counter
	s.counter++

	if park {
		s.park(t)
	} else {
		s.enqueue(t)
	}
	return t.handle, nil
}

func (s *Service) park(t *transfer) {
	p := &parkedTransfer{t: t}
	p.timer = s.cfg.Scheduler.AfterFunc(s.cfg.Stack.RouteWait(), func() {
		list := s.parked[t.dstExt]
		for i, q := range list {
			if q == p {
				s.parked[t.dstExt] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(s.parked[t.dstExt]) == 0 {
			delete(s.parked, t.dstExt)
		}
		t.closed = true
		s.finish(t, ConfirmNoShortAddress)
	})
	s.parked[t.dstExt] = append(s.parked[t.dstExt], p)
	s.log.Debug().Str("ext", fmt.Sprintf("0x%016x", t.dstExt)).Uint32("handle", t.handle).Msg("waiting for route")
}

// RouteUpdated releases requests that waited for the short address of ext.
func (s *Service) RouteUpdated(ext uint64) {
	list, ok := s.parked[ext]
	if !ok {
		return
	}
	short, err := s.cfg.Table.Lookup(ext)
	if err != nil {
		return
	}
	delete(s.parked, ext)
	for _, p := range list {
		p.timer.Stop()
		p.t.dst = short
		s.enqueue(p.t)
	}
}

// enqueue appends to the destination FIFO and starts it if idle.
func (s *Service) enqueue(t *transfer) {
	q := append(s.queues[t.dst], t)
	s.queues[t.dst] = q
	if len(q) == 1 {
		s.pump(t)
	}
}

// pump sends blocks in ascending order until one waits or the transfer
// is done. Completions arriving while it runs leave the loop to it.
func (s *Service) pump(t *transfer) {
	if t.pumping {
		return
	}
	t.started = true
	t.pumping = true
	for !t.closed && !t.waiting && t.next < len(t.blocks) {
		s.sendBlock(t, false)
	}
	t.pumping = false
	if !t.closed && !t.waiting {
		if t.secFailed {
			s.complete(t, ConfirmSecurityFail)
		} else {
			s.complete(t, ConfirmSuccess)
		}
	}
}

// encodeBlock returns the NWK and APS headers of block k and the offset
// of the APS header.
func (s *Service) encodeBlock(t *transfer, k int) ([]byte, int, error) {
	node := s.cfg.Network.Node()
	nh := frame.NWKHeader{
		Type:            frame.NWKData,
		ProtocolVersion: s.cfg.Stack.ProtocolVersion,
		DiscoverRoute:   frame.DiscoverRouteEnable,
		Dst:             t.dst,
		Src:             node.ShortAddress,
		Radius:          t.req.Radius,
		HasSrcIEEE:      true,
		SrcIEEE:         node.ExtendedAddress,
	}
	if nh.Radius == 0 {
		nh.Radius = s.cfg.Stack.DefaultRadius
	}
	if t.req.UseAlias {
		nh.Src = t.req.AliasSrcAddr
		nh.Seq = t.req.AliasSeqNumber
		nh.HasSrcIEEE = false
		nh.SrcIEEE = 0
	} else {
		nh.Seq = s.seq
		s.seq++
	}
	if t.dstExt != 0 {
		nh.HasDstIEEE = true
		nh.DstIEEE = t.dstExt
	}
	ah := frame.APSHeader{
		Type:        frame.APSData,
		Delivery:    t.delivery,
		Security:    t.req.TxOptions.Has(TxSecurity),
		AckRequest:  t.ack,
		Cluster:     t.req.ClusterID,
		Profile:     t.req.ProfileID,
		SrcEndpoint: t.req.SrcEndpoint,
		Counter:     t.counter,
	}
	if len(t.blocks) > 1 {
		if k == 0 {
			ah.Extended = &frame.ExtHeader{Fragmentation: frame.FragFirst, Block: uint8(len(t.blocks))}
		} else {
			ah.Extended = &frame.ExtHeader{Fragmentation: frame.FragSubsequent, Block: uint8(k)}
		}
	}

	buf, err := nh.Append(make([]byte, 0, nh.Len()+32+len(t.blocks[k])))
	if err != nil {
		return nil, 0, err
	}
	buf, err = ah.Append(buf)
	if err != nil {
		return nil, 0, err
	}
	return buf, nh.Len(), nil
}

func (s *Service) sendBlock(t *transfer, retry bool) {
	k := t.next
	buf, apsStart, err := s.encodeBlock(t, k)
	if err != nil {
		t.state[k] = Failed
		s.log.Error().Err(err).Uint32("handle", t.handle).Int("block", k).Msg("encode block")
		s.complete(t, ConfirmInvalidParameter)
		return
	}
	if !t.req.TxOptions.Has(TxSecurity) {
		s.transmit(t, k, append(buf, t.blocks[k]...), retry)
		return
	}
	t.waiting = true
	opts := t.req.TxOptions
	s.cfg.Security.Secure(buf[apsStart:], t.blocks[k], keyFor(opts), opts.Has(TxExtendedNonce), func(sealed []byte, err error) {
		if t.closed {
			return
		}
		t.waiting = false
		if err != nil {
			// the remaining blocks still go out
			s.log.Warn().Err(err).Uint32("handle", t.handle).Int("block", k).Msg("secure block")
			t.state[k] = Failed
			t.secFailed = true
			t.next++
		} else {
			s.transmit(t, k, append(buf, sealed...), retry)
		}
		s.pump(t)
	})
}

func (s *Service) transmit(t *transfer, k int, buf []byte, retry bool) {
	s.macHandle++
	t.macHandle = s.macHandle
	hop := s.cfg.Table.NextHop(t.dst)
	s.cfg.Metrics.FragmentSent(retry)
	err := s.cfg.MAC.Transmit(hop, t.macHandle, buf, t.ack)
	t.state[k] = Sent
	if !t.ack {
		if err != nil {
			s.log.Warn().Err(err).Uint32("handle", t.handle).Int("block", k).Msg("transmit")
		}
		t.next++
		return
	}
	t.waiting = true
	if err != nil {
		s.log.Warn().Err(err).Uint32("handle", t.handle).Int("block", k).Msg("transmit")
		s.retryBlock(t)
		return
	}
	s.inflight[t.macHandle] = t
	handle := t.macHandle
	t.timer = s.cfg.Scheduler.AfterFunc(s.cfg.Stack.AckTimeout, func() {
		if s.inflight[handle] != t {
			return
		}
		delete(s.inflight, handle)
		t.timer = nil
		s.retryBlock(t)
	})
}

// TxConfirm reports the link-layer outcome of a frame sent with ack.
// Unknown handles are ignored.
func (s *Service) TxConfirm(handle uint8, acked bool) {
	t, ok := s.inflight[handle]
	if !ok {
		return
	}
	delete(s.inflight, handle)
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if !acked {
		s.retryBlock(t)
		return
	}
	t.state[t.next] = Acked
	t.next++
	t.waiting = false
	t.retry.Reset()
	s.pump(t)
}

func (s *Service) retryBlock(t *transfer) {
	if t.retry.Attempts() >= s.cfg.Stack.MaxRetries {
		t.state[t.next] = Failed
		s.log.Info().Uint32("handle", t.handle).Int("block", t.next).Int("retries", t.retry.Attempts()).Msg("no ack")
		s.complete(t, ConfirmNoAck)
		return
	}
	t.state[t.next] = Pending
	t.timer = s.cfg.Scheduler.AfterFunc(t.retry.Next(), func() {
		t.timer = nil
		if t.closed {
			return
		}
		t.waiting = false
		s.sendBlock(t, true)
		s.pump(t)
	})
}

// complete ends the head transfer of a destination and starts the next one.
func (s *Service) complete(t *transfer, status ConfirmStatus) {
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	delete(s.inflight, t.macHandle)
	q := s.queues[t.dst]
	for i, x := range q {
		if x == t {
			q = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	if len(q) == 0 {
		delete(s.queues, t.dst)
	} else {
		s.queues[t.dst] = q
	}
	s.finish(t, status)
	if q := s.queues[t.dst]; len(q) > 0 && !q[0].started {
		s.pump(q[0])
	}
}

func (s *Service) finish(t *transfer, status ConfirmStatus) {
	s.cfg.Metrics.Confirmed(status)
	s.log.Debug().Uint32("handle", t.handle).Stringer("status", status).Int("blocks", len(t.blocks)).Msg("confirm")
	if t.done != nil {
		t.done(Confirm{
			Handle:      t.handle,
			Dst:         t.req.Dst,
			SrcEndpoint: t.req.SrcEndpoint,
			Status:      status,
			TxTime:      s.cfg.Scheduler.Now(),
		})
	}
}

// Pending counts queued, in flight and parked transfers.
func (s *Service) Pending() int {
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	for _, p := range s.parked {
		n += len(p)
	}
	return n
}

// Abort fails every transfer with NOT_JOINED and drops every partial
// reassembly. It is used when the node leaves the network.
func (s *Service) Abort() {
	var all []*transfer
	for _, q := range s.queues {
		all = append(all, q...)
	}
	for _, list := range s.parked {
		for _, p := range list {
			p.timer.Stop()
			all = append(all, p.t)
		}
	}
	for _, t := range all {
		t.closed = true
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
	}
	s.queues = make(map[uint16][]*transfer)
	s.inflight = make(map[uint8]*transfer)
	s.parked = make(map[uint64][]*parkedTransfer)
	for k, r := range s.reasm {
		r.timer.Stop()
		delete(s.reasm, k)
	}
	s.cfg.Metrics.Reassemblies(0)
	if s.cfg.Security != nil {
		s.cfg.Security.Reset()
	}
	// oldest first
	sortByHandle(all)
	for _, t := range all {
		s.finish(t, ConfirmNotJoined)
	}
}

func sortByHandle(ts []*transfer) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && ts[j].handle < ts[j-1].handle; j-- {
			ts[j], ts[j-1] = ts[j-1], ts[j]
		}
	}
}

type noopMetrics struct{}

func (noopMetrics) FragmentSent(bool)          {}
func (noopMetrics) Confirmed(ConfirmStatus)    {}
func (noopMetrics) Indicated(IndicationStatus) {}
func (noopMetrics) Reassemblies(int)           {}
