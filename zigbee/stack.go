/*
ubee - ZigBee NWK/APS stack on Go
Copyright (c) 2022-2024 GSB, Georgii Batanov gbatanov@yandex.ru
MIT License
*/

// Package zigbee runs the network manager and the APS data service on one
// owner goroutine. Every primitive and every radio event is posted into
// that goroutine; nothing in the core is locked.
package zigbee

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"ubee/config"
	"ubee/persist"
	"ubee/zigbee/addr"
	"ubee/zigbee/aps"
	"ubee/zigbee/frame"
	"ubee/zigbee/nwk"
	"ubee/zigbee/security"
)

var ErrClosed = errors.New("zigbee: stack closed")

// MAC is the radio as seen by both layers.
type MAC interface {
	nwk.MAC
	aps.MAC
}

// Metrics collects both layers' counters plus the indication queue.
type Metrics interface {
	nwk.Metrics
	aps.Metrics
	IndicationDropped()
}

type Config struct {
	Stack    config.Stack
	MAC      MAC
	Store    persist.Store
	Security security.Provider
	Resetter nwk.Resetter
	// Listener sees joins and leaves of other devices.
	Listener nwk.Listener
	Metrics  Metrics
	Logger   zerolog.Logger
	// IndicationBuffer is the capacity of the Indications channel.
	IndicationBuffer int
}

// Stack is safe for concurrent use.
type Stack struct {
	cfg Config
	log zerolog.Logger

	events chan func()
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once

	table *addr.Table
	sec   *security.Adapter
	nwk   *nwk.Manager
	aps   *aps.Service
	inds  chan aps.Indication
}

// NewStack validates the configuration and starts the owner goroutine.
func NewStack(cfg Config) (*Stack, error) {
	if err := cfg.Stack.Validate(); err != nil {
		return nil, err
	}
	if cfg.MAC == nil {
		return nil, errors.New("zigbee: no radio")
	}
	if cfg.IndicationBuffer <= 0 {
		cfg.IndicationBuffer = 64
	}
	s := &Stack{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "stack").Logger(),
		events: make(chan func(), 64),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		table:  addr.NewTable(cfg.Stack.MaxTableEntries),
		inds:   make(chan aps.Indication, cfg.IndicationBuffer),
	}
	var provider security.Provider
	if cfg.Security != nil {
		provider = &loopProvider{Provider: cfg.Security, s: s}
	}
	s.sec = security.New(provider, cfg.Stack.SecurityLevel, cfg.Stack.ExtendedAddress)
	clock := &loopScheduler{s: s}
	mac := &loopMAC{MAC: cfg.MAC, s: s}

	var store persist.Store
	if cfg.Store != nil {
		cs := &counterStore{Store: cfg.Store, sec: s.sec}
		// counters survive whatever path brings the node back
		if _, err := cs.Load(); err != nil {
			s.log.Error().Err(err).Msg("load security counters")
		}
		store = cs
	}
	var nm nwk.Metrics
	var am aps.Metrics
	if cfg.Metrics != nil {
		nm, am = cfg.Metrics, cfg.Metrics
	}
	s.nwk = nwk.NewManager(nwk.Config{
		Stack:     cfg.Stack,
		MAC:       mac,
		Table:     s.table,
		Scheduler: clock,
		Store:     store,
		Resetter:  cfg.Resetter,
		Listener:  (*stackListener)(s),
		Metrics:   nm,
		Logger:    cfg.Logger,
	})
	s.aps = aps.NewService(aps.Config{
		Stack:       cfg.Stack,
		Network:     s.nwk,
		MAC:         cfg.MAC,
		Table:       s.table,
		Security:    s.sec,
		Scheduler:   clock,
		Indications: s.deliver,
		Metrics:     am,
		Logger:      cfg.Logger,
	})
	go s.loop()
	return s, nil
}

func (s *Stack) loop() {
	defer close(s.done)
	for {
		select {
		case f := <-s.events:
			f()
		case <-s.quit:
			return
		}
	}
}

// post queues f on the owner goroutine. It reports false once the stack
// is closed.
func (s *Stack) post(f func()) bool {
	select {
	case s.events <- f:
		return true
	case <-s.quit:
		return false
	}
}

// complete posts a completion. Completions may come from the owner itself,
// so a full queue hands f to a goroutine instead of blocking.
func (s *Stack) complete(f func()) {
	select {
	case s.events <- f:
	case <-s.quit:
	default:
		go s.post(f)
	}
}

// do runs f on the owner goroutine and waits for it.
func (s *Stack) do(ctx context.Context, f func()) error {
	finished := make(chan struct{})
	select {
	case s.events <- func() { f(); close(finished) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrClosed
	}
}

// Close stops the owner goroutine. Pending operations are abandoned.
func (s *Stack) Close() {
	s.once.Do(func() { close(s.quit) })
	<-s.done
}

// Indications delivers received data. When the reader falls behind,
// indications are dropped and counted.
func (s *Stack) Indications() <-chan aps.Indication { return s.inds }

func (s *Stack) deliver(ind aps.Indication) {
	select {
	case s.inds <- ind:
	default:
		s.log.Warn().Stringer("src", ind.Src).Stringer("status", ind.Status).Msg("indication queue full")
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.IndicationDropped()
		}
	}
}

// Create forms a network as coordinator. A persisted network with the
// same extended PAN id is brought back with its devices.
func (s *Stack) Create(ctx context.Context, p nwk.Params) error {
	return s.join(ctx, func(done nwk.DoneFunc) error { return s.nwk.Create(p, done) })
}

// Scan runs an active scan and returns the networks heard. Cancelling ctx
// stops the scan.
func (s *Stack) Scan(ctx context.Context, channels uint32, duration uint8) ([]nwk.NetworkDescriptor, error) {
	type result struct {
		networks []nwk.NetworkDescriptor
		err      error
	}
	res := make(chan result, 1)
	var err error
	if e := s.do(ctx, func() {
		err = s.nwk.ScanStart(channels, duration, func(n []nwk.NetworkDescriptor, err error) {
			res <- result{n, err}
		})
	}); e != nil {
		return nil, e
	}
	if err != nil {
		return nil, err
	}
	select {
	case r := <-res:
		return r.networks, r.err
	case <-ctx.Done():
		s.post(func() { _ = s.nwk.ScanStop() })
		return nil, ctx.Err()
	case <-s.quit:
		return nil, ErrClosed
	}
}

// ScanStop ends a running scan; its caller sees nwk.ErrScanStopped.
func (s *Stack) ScanStop(ctx context.Context) error {
	var err error
	if e := s.do(ctx, func() { err = s.nwk.ScanStop() }); e != nil {
		return e
	}
	return err
}

// Join associates with the best network of the last scan matching p.
func (s *Stack) Join(ctx context.Context, nodeType nwk.NodeType, p nwk.Params) error {
	return s.join(ctx, func(done nwk.DoneFunc) error { return s.nwk.Join(nodeType, p, done) })
}

// Rejoin returns to the network this node was last part of.
func (s *Stack) Rejoin(ctx context.Context, nodeType nwk.NodeType, p nwk.Params) error {
	return s.join(ctx, func(done nwk.DoneFunc) error { return s.nwk.Rejoin(nodeType, p, done) })
}

func (s *Stack) join(ctx context.Context, start func(nwk.DoneFunc) error) error {
	res := make(chan error, 1)
	var err error
	if e := s.do(ctx, func() { err = start(func(err error) { res <- err }) }); e != nil {
		return e
	}
	if err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrClosed
	}
}

// DiscoverRoute asks the network for a route to ext and waits until one
// is reported or the discovery times out.
func (s *Stack) DiscoverRoute(ctx context.Context, ext uint64, radius uint8) error {
	return s.join(ctx, func(done nwk.DoneFunc) error { return s.nwk.DiscoverRoute(ext, radius, done) })
}

// Leave drops out of the network. Pending transfers confirm NOT_JOINED.
func (s *Stack) Leave(ctx context.Context) error {
	var err error
	if e := s.do(ctx, func() { err = s.nwk.Leave() }); e != nil {
		return e
	}
	return err
}

// PermitJoining opens association for duration seconds; 0 closes it and
// 0xff keeps it open.
func (s *Stack) PermitJoining(ctx context.Context, duration uint8) error {
	var err error
	if e := s.do(ctx, func() { err = s.nwk.PermitJoining(duration) }); e != nil {
		return e
	}
	return err
}

// Reset leaves the network and forgets persisted state.
func (s *Stack) Reset(ctx context.Context) error {
	var err error
	if e := s.do(ctx, func() { err = s.nwk.Reset() }); e != nil {
		return e
	}
	return err
}

// DataRequest sends req and waits for its confirm. Requests rejected up
// front return the matching confirm status together with the error.
func (s *Stack) DataRequest(ctx context.Context, req aps.Request) (aps.Confirm, error) {
	res := make(chan aps.Confirm, 1)
	var err error
	if e := s.do(ctx, func() {
		_, err = s.aps.Request(req, func(c aps.Confirm) { res <- c })
	}); e != nil {
		return aps.Confirm{}, e
	}
	if err != nil {
		return aps.Confirm{Dst: req.Dst, SrcEndpoint: req.SrcEndpoint, Status: aps.StatusOf(err)}, err
	}
	select {
	case c := <-res:
		return c, nil
	case <-ctx.Done():
		return aps.Confirm{}, ctx.Err()
	case <-s.quit:
		return aps.Confirm{}, ErrClosed
	}
}

// Bind routes requests without destination from (endpoint, cluster) to dst.
func (s *Stack) Bind(srcEndpoint uint8, cluster uint16, dst frame.Address) error {
	return s.aps.Bindings().Bind(srcEndpoint, cluster, dst)
}

func (s *Stack) Unbind(srcEndpoint uint8, cluster uint16) {
	s.aps.Bindings().Unbind(srcEndpoint, cluster)
}

// Status is a snapshot of the node.
type Status struct {
	State         nwk.State
	Node          nwk.NodeContext
	PermitJoining bool
	Devices       []addr.Entry
	Pending       int
	Reassemblies  int
}

func (s *Stack) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.do(ctx, func() {
		st = Status{
			State:         s.nwk.State(),
			Node:          s.nwk.Node(),
			PermitJoining: s.nwk.PermitJoiningOpen(),
			Devices:       s.table.Entries(),
			Pending:       s.aps.Pending(),
			Reassemblies:  s.aps.Reassemblies(),
		}
	})
	return st, err
}

// Radio events. They may be called from any goroutine.

func (s *Stack) Beacon(d nwk.NetworkDescriptor) {
	s.post(func() { s.nwk.Beacon(d) })
}

func (s *Stack) AssociateConfirm(short uint16, status nwk.AssocStatus) {
	s.post(func() { s.nwk.AssociateConfirm(short, status) })
}

func (s *Stack) JoinIndication(ext uint64, capability uint8, rejoin bool) {
	s.post(func() { s.nwk.JoinIndication(ext, capability, rejoin) })
}

func (s *Stack) NodeLeft(ext uint64) {
	s.post(func() { s.nwk.NodeLeft(ext) })
}

func (s *Stack) TxConfirm(handle uint8, acked bool) {
	s.post(func() { s.aps.TxConfirm(handle, acked) })
}

func (s *Stack) FrameReceived(raw []byte, lqi uint8) {
	s.post(func() { s.aps.HandleFrame(raw, lqi) })
}

func (s *Stack) RouteFound(ext uint64, short, nextHop uint16) {
	s.post(func() {
		s.nwk.RouteFound(ext, short, nextHop)
		s.aps.RouteUpdated(ext)
	})
}

// KeySwitched makes seq the active network key sequence.
func (s *Stack) KeySwitched(seq uint8) {
	s.post(func() {
		s.sec.SetKeySequence(seq)
		s.log.Info().Uint8("seq", seq).Msg("network key switched")
		s.nwk.Persist()
	})
}

// loopMAC completes radio requests on the owner goroutine.
type loopMAC struct {
	MAC
	s *Stack
}

func (m *loopMAC) wrap(done nwk.DoneFunc) nwk.DoneFunc {
	return func(err error) {
		if done != nil {
			m.s.complete(func() { done(err) })
		}
	}
}

func (m *loopMAC) StartScan(channels uint32, duration uint8, done nwk.DoneFunc) error {
	return m.MAC.StartScan(channels, duration, m.wrap(done))
}

func (m *loopMAC) StopScan(done nwk.DoneFunc) error { return m.MAC.StopScan(m.wrap(done)) }

func (m *loopMAC) StartNetwork(panID uint16, channel, beaconOrder, superframeOrder uint8, done nwk.DoneFunc) error {
	return m.MAC.StartNetwork(panID, channel, beaconOrder, superframeOrder, m.wrap(done))
}

func (m *loopMAC) Associate(d nwk.NetworkDescriptor, capability uint8, rejoin bool, done nwk.DoneFunc) error {
	return m.MAC.Associate(d, capability, rejoin, m.wrap(done))
}

func (m *loopMAC) AssociateResponse(ext uint64, short uint16, status nwk.AssocStatus, done nwk.DoneFunc) error {
	return m.MAC.AssociateResponse(ext, short, status, m.wrap(done))
}

func (m *loopMAC) SetPermitJoining(open bool, done nwk.DoneFunc) error {
	return m.MAC.SetPermitJoining(open, m.wrap(done))
}

func (m *loopMAC) SendLeave(rejoin bool, done nwk.DoneFunc) error {
	return m.MAC.SendLeave(rejoin, m.wrap(done))
}

func (m *loopMAC) DiscoverRoute(ext uint64, radius uint8, done nwk.DoneFunc) error {
	return m.MAC.DiscoverRoute(ext, radius, m.wrap(done))
}

// loopProvider completes cryptographic operations on the owner goroutine,
// including those the provider finishes before returning.
type loopProvider struct {
	security.Provider
	s *Stack
}

func (p *loopProvider) wrap(done func([]byte, error)) func([]byte, error) {
	return func(b []byte, err error) {
		p.s.complete(func() { done(b, err) })
	}
}

func (p *loopProvider) Protect(key security.KeyID, n security.Nonce, aad, plaintext []byte, micLen int, done func([]byte, error)) error {
	return p.Provider.Protect(key, n, aad, plaintext, micLen, p.wrap(done))
}

func (p *loopProvider) Verify(key security.KeyID, n security.Nonce, aad, sealed []byte, micLen int, done func([]byte, error)) error {
	return p.Provider.Verify(key, n, aad, sealed, micLen, p.wrap(done))
}

// stackListener forwards membership events and aborts data transfers
// when the node itself leaves.
type stackListener Stack

func (l *stackListener) DeviceJoined(ext uint64, short uint16, rejoin bool) {
	s := (*Stack)(l)
	s.aps.RouteUpdated(ext)
	if s.cfg.Listener != nil {
		s.cfg.Listener.DeviceJoined(ext, short, rejoin)
	}
}

func (l *stackListener) DeviceLeft(ext uint64) {
	if l.cfg.Listener != nil {
		l.cfg.Listener.DeviceLeft(ext)
	}
}

func (l *stackListener) Left() {
	s := (*Stack)(l)
	s.aps.Abort()
	if s.cfg.Listener != nil {
		s.cfg.Listener.Left()
	}
}

// counterStore carries the outgoing security frame counter and the key
// sequence in the NIB snapshot.
type counterStore struct {
	persist.Store
	sec *security.Adapter
}

func (c *counterStore) Save(snap *persist.Snapshot) error {
	snap.FrameCounter = c.sec.OutgoingCounter()
	snap.KeySequence = c.sec.KeySequence()
	return c.Store.Save(snap)
}

func (c *counterStore) Load() (*persist.Snapshot, error) {
	snap, err := c.Store.Load()
	if err != nil || snap == nil {
		return snap, err
	}
	if snap.FrameCounter > c.sec.OutgoingCounter() {
		c.sec.SetOutgoingCounter(snap.FrameCounter)
	}
	c.sec.SetKeySequence(snap.KeySequence)
	return snap, nil
}
