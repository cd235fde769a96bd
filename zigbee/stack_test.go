package zigbee

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ubee/config"
	"ubee/persist"
	"ubee/zigbee/aps"
	"ubee/zigbee/frame"
	"ubee/zigbee/nwk"
	"ubee/zigbee/security"
)

var params = nwk.Params{
	ExtendedPANID:   0x00124b0001020304,
	LogicalChannels: 1 << 15,
	StackProfile:    2,
	BeaconOrder:     15,
	SuperframeOrder: 15,
}

// radio answers like a co-processor would, from its own goroutine.
type radio struct {
	mu       sync.Mutex
	stack    *Stack
	beacons  []nwk.NetworkDescriptor
	assoc    uint16
	ackLinks bool
	sent     chan []byte
	leaves   int

	// flood is the number of beacons heard before a network start confirms
	flood int
	// route is the short address reported for a route discovery
	route uint16
	radii []uint8
}

func newRadio() *radio {
	return &radio{sent: make(chan []byte, 16), ackLinks: true, assoc: 0x3344}
}

func (r *radio) StartScan(_ uint32, _ uint8, done nwk.DoneFunc) error {
	r.mu.Lock()
	beacons := append([]nwk.NetworkDescriptor(nil), r.beacons...)
	r.mu.Unlock()
	go func() {
		done(nil)
		for _, b := range beacons {
			r.stack.Beacon(b)
		}
	}()
	return nil
}

func (r *radio) StopScan(done nwk.DoneFunc) error { go done(nil); return nil }

func (r *radio) StartNetwork(panID uint16, channel, _, _ uint8, done nwk.DoneFunc) error {
	r.mu.Lock()
	flood := r.flood
	r.mu.Unlock()
	go func() {
		for i := 0; i < flood; i++ {
			r.stack.Beacon(nwk.NetworkDescriptor{PANID: panID, LogicalChannel: channel})
		}
		done(nil)
	}()
	return nil
}

func (r *radio) SetPermitJoining(_ bool, done nwk.DoneFunc) error { go done(nil); return nil }

func (r *radio) AssociateResponse(_ uint64, _ uint16, _ nwk.AssocStatus, done nwk.DoneFunc) error {
	go done(nil)
	return nil
}

func (r *radio) Associate(_ nwk.NetworkDescriptor, _ uint8, _ bool, done nwk.DoneFunc) error {
	go func() {
		done(nil)
		r.stack.AssociateConfirm(r.assoc, nwk.AssocSuccess)
	}()
	return nil
}

func (r *radio) SendLeave(_ bool, done nwk.DoneFunc) error {
	r.mu.Lock()
	r.leaves++
	r.mu.Unlock()
	go done(nil)
	return nil
}

func (r *radio) DiscoverRoute(ext uint64, radius uint8, done nwk.DoneFunc) error {
	r.mu.Lock()
	r.radii = append(r.radii, radius)
	short := r.route
	r.mu.Unlock()
	go func() {
		done(nil)
		if short != 0 {
			r.stack.RouteFound(ext, short, 0x0001)
		}
	}()
	return nil
}

func (r *radio) Transmit(dst uint16, handle uint8, raw []byte, ack bool) error {
	r.sent <- append([]byte(nil), raw...)
	r.mu.Lock()
	acks := r.ackLinks
	r.mu.Unlock()
	if ack && acks {
		go r.stack.TxConfirm(handle, true)
	}
	return nil
}

// sealer is a provider that completes on its own goroutine.
type sealer struct{}

func (sealer) Protect(_ security.KeyID, _ security.Nonce, _, plaintext []byte, micLen int, done func([]byte, error)) error {
	out := append(append([]byte(nil), plaintext...), make([]byte, micLen)...)
	go done(out, nil)
	return nil
}

func (sealer) Verify(_ security.KeyID, _ security.Nonce, _, sealed []byte, micLen int, done func([]byte, error)) error {
	out := append([]byte(nil), sealed[:len(sealed)-micLen]...)
	go done(out, nil)
	return nil
}

type counters struct {
	mu      sync.Mutex
	dropped int
	states  []nwk.State
}

func (c *counters) StateChanged(s nwk.State) {
	c.mu.Lock()
	c.states = append(c.states, s)
	c.mu.Unlock()
}
func (c *counters) ScanCompleted(int)              {}
func (c *counters) JoinRequest(bool)               {}
func (c *counters) FragmentSent(bool)              {}
func (c *counters) Confirmed(aps.ConfirmStatus)    {}
func (c *counters) Indicated(aps.IndicationStatus) {}
func (c *counters) Reassemblies(int)               {}
func (c *counters) IndicationDropped() {
	c.mu.Lock()
	c.dropped++
	c.mu.Unlock()
}

func newStack(t *testing.T, mutate ...func(*Config)) (*Stack, *radio) {
	t.Helper()
	r := newRadio()
	st := config.DefaultStack()
	st.ExtendedAddress = 0x00124b00000000aa
	cfg := Config{
		Stack:    st,
		MAC:      r,
		Store:    &persist.MemoryStore{},
		Logger:   zerolog.Nop(),
		Security: nil,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := NewStack(cfg)
	require.NoError(t, err)
	r.stack = s
	t.Cleanup(s.Close)
	return s, r
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestNewStackRejectsConfig(t *testing.T) {
	st := config.DefaultStack()
	st.SecurityLevel = 9
	_, err := NewStack(Config{Stack: st, MAC: newRadio()})
	assert.ErrorIs(t, err, config.ErrSecurityLevel)

	_, err = NewStack(Config{Stack: config.DefaultStack()})
	assert.Error(t, err)
}

func TestCreateAndSend(t *testing.T) {
	s, r := newStack(t)
	require.NoError(t, s.Create(ctx(t), params))

	st, err := s.Status(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, nwk.StateJoined, st.State)
	assert.Equal(t, nwk.Coordinator, st.Node.Role)
	assert.Equal(t, uint16(0x0000), st.Node.ShortAddress)

	c, err := s.DataRequest(ctx(t), aps.Request{
		Dst:         frame.ShortAddress{Addr: 0x1111, Endpoint: 1},
		SrcEndpoint: 1,
		ASDU:        []byte{1, 2, 3},
		TxOptions:   aps.TxAcknowledged,
	})
	require.NoError(t, err)
	assert.Equal(t, aps.ConfirmSuccess, c.Status)
	assert.Len(t, r.sent, 1)
}

func TestDataRequestRejected(t *testing.T) {
	s, r := newStack(t)
	c, err := s.DataRequest(ctx(t), aps.Request{Dst: frame.ShortAddress{Addr: 1}, SrcEndpoint: 1})
	assert.ErrorIs(t, err, aps.ErrNotJoined)
	assert.Equal(t, aps.ConfirmNotJoined, c.Status)
	assert.Empty(t, r.sent)
}

func TestScanAndJoin(t *testing.T) {
	s, r := newStack(t)
	r.beacons = []nwk.NetworkDescriptor{{
		ExtendedPANID:  params.ExtendedPANID,
		PANID:          0x1a62,
		LogicalChannel: 15,
		StackProfile:   2,
		PermitJoining:  true,
		Parent:         0x0000,
		LQI:            180,
	}}

	networks, err := s.Scan(ctx(t), params.LogicalChannels, 0)
	require.NoError(t, err)
	require.Len(t, networks, 1)
	assert.Equal(t, uint16(0x1a62), networks[0].PANID)

	require.NoError(t, s.Join(ctx(t), nwk.Router, params))
	st, err := s.Status(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, nwk.StateJoined, st.State)
	assert.Equal(t, uint16(0x3344), st.Node.ShortAddress)

	// joining again leaves the node alone
	err = s.Join(ctx(t), nwk.Router, params)
	assert.ErrorIs(t, err, nwk.ErrInvalidRequest)
}

func TestScanCancelled(t *testing.T) {
	s, _ := newStack(t)
	c, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Scan(c, params.LogicalChannels, 8)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	st, err := s.Status(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, nwk.StateUnjoined, st.State)
}

func TestLeaveAbortsTransfers(t *testing.T) {
	s, r := newStack(t, func(c *Config) { c.Stack.AckTimeout = time.Minute })
	r.ackLinks = false
	require.NoError(t, s.Create(ctx(t), params))

	type result struct {
		c   aps.Confirm
		err error
	}
	res := make(chan result, 1)
	reqCtx := ctx(t)
	go func() {
		c, err := s.DataRequest(reqCtx, aps.Request{
			Dst:         frame.ShortAddress{Addr: 0x1111, Endpoint: 1},
			SrcEndpoint: 1,
			ASDU:        make([]byte, 500),
			TxOptions:   aps.TxAcknowledged | aps.TxFragmentation,
		})
		res <- result{c, err}
	}()
	select {
	case <-r.sent:
	case <-time.After(time.Second):
		t.Fatal("first block never sent")
	}

	require.NoError(t, s.Leave(ctx(t)))
	select {
	case got := <-res:
		require.NoError(t, got.err)
		assert.Equal(t, aps.ConfirmNotJoined, got.c.Status)
	case <-time.After(time.Second):
		t.Fatal("transfer not aborted")
	}

	st, err := s.Status(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, nwk.StateUnjoined, st.State)
	assert.Empty(t, st.Devices)
	assert.Zero(t, st.Pending)
}

func inbound(t *testing.T, dst uint16, counter uint8) []byte {
	t.Helper()
	raw, err := frame.Encode(frame.Frame{
		NWK: frame.NWKHeader{
			Type:            frame.NWKData,
			ProtocolVersion: config.ProtocolVersionPro,
			Dst:             dst,
			Src:             0x1111,
			Radius:          5,
		},
		APS: frame.APSHeader{
			Type:        frame.APSData,
			Delivery:    frame.Unicast{Endpoint: 1},
			Cluster:     0x0006,
			Profile:     0x0104,
			SrcEndpoint: 1,
			Counter:     counter,
		},
		Payload: []byte{counter},
	})
	require.NoError(t, err)
	return raw
}

func TestIndications(t *testing.T) {
	m := &counters{}
	s, _ := newStack(t, func(c *Config) {
		c.IndicationBuffer = 1
		c.Metrics = m
	})
	require.NoError(t, s.Create(ctx(t), params))

	s.FrameReceived(inbound(t, 0x0000, 1), 90)
	s.FrameReceived(inbound(t, 0x0000, 2), 90)
	_, err := s.Status(ctx(t))
	require.NoError(t, err)

	select {
	case ind := <-s.Indications():
		assert.Equal(t, []byte{1}, ind.ASDU)
		assert.Equal(t, uint8(90), ind.LinkQuality)
		assert.Equal(t, security.Unsecured, ind.SecurityStatus)
	default:
		t.Fatal("no indication")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 1, m.dropped)
	assert.Contains(t, m.states, nwk.StateJoined)
}

func TestClosed(t *testing.T) {
	s, _ := newStack(t)
	s.Close()
	assert.ErrorIs(t, s.Create(ctx(t), params), ErrClosed)
	_, err := s.Status(ctx(t))
	assert.ErrorIs(t, err, ErrClosed)
	// events after close are dropped
	s.TxConfirm(1, true)
}

func TestCounterStore(t *testing.T) {
	sec := security.New(nil, 5, 1)
	sec.SetOutgoingCounter(40)
	sec.SetKeySequence(3)
	store := &counterStore{Store: &persist.MemoryStore{}, sec: sec}

	require.NoError(t, store.Save(&persist.Snapshot{ShortAddress: 0x1234}))
	sec.SetOutgoingCounter(0)
	sec.SetKeySequence(0)
	snap, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, uint32(40), snap.FrameCounter)
	assert.Equal(t, uint32(40), sec.OutgoingCounter())
	assert.Equal(t, uint8(3), sec.KeySequence())

	require.NoError(t, store.Clear())
	snap, err = store.Load()
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestRadioCompletesOffLoop(t *testing.T) {
	s, r := newStack(t)
	// more events than the queue holds arrive before the start confirms
	r.flood = 500
	require.NoError(t, s.Create(ctx(t), params))
	st, err := s.Status(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, nwk.StateJoined, st.State)
}

func TestSecuredSend(t *testing.T) {
	s, r := newStack(t, func(c *Config) {
		c.Security = sealer{}
		c.Stack.SecurityLevel = 5
	})
	require.NoError(t, s.Create(ctx(t), params))

	c, err := s.DataRequest(ctx(t), aps.Request{
		Dst:         frame.ShortAddress{Addr: 0x1111, Endpoint: 1},
		SrcEndpoint: 1,
		ASDU:        []byte{1, 2, 3},
		TxOptions:   aps.TxAcknowledged | aps.TxSecurity,
	})
	require.NoError(t, err)
	assert.Equal(t, aps.ConfirmSuccess, c.Status)
	raw := <-r.sent
	f, err := frame.Decode(raw)
	require.NoError(t, err)
	assert.True(t, f.APS.Security)
}

func TestRestart(t *testing.T) {
	store := &persist.MemoryStore{}
	require.NoError(t, store.Save(&persist.Snapshot{
		Role: uint8(nwk.Coordinator),
		Network: persist.Network{
			ExtendedPANID: params.ExtendedPANID,
			PANID:         0x2bcd,
			Channel:       15,
		},
		Devices:      []persist.Device{{Extended: 0xa1, Short: 0x1001}},
		FrameCounter: 5000,
		KeySequence:  2,
	}))
	s, _ := newStack(t, func(c *Config) { c.Store = store })
	require.NoError(t, s.Create(ctx(t), params))

	st, err := s.Status(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, uint16(0x2bcd), st.Node.PANID)
	require.Len(t, st.Devices, 1)
	assert.Equal(t, uint64(0xa1), st.Devices[0].Extended)

	var counter uint32
	var seq uint8
	require.NoError(t, s.do(ctx(t), func() {
		counter, seq = s.sec.OutgoingCounter(), s.sec.KeySequence()
	}))
	assert.GreaterOrEqual(t, counter, uint32(5000))
	assert.Equal(t, uint8(2), seq)

	snap, err := store.Load()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap.FrameCounter, uint32(5000))
	assert.Equal(t, uint16(0x2bcd), snap.Network.PANID)
	assert.Len(t, snap.Devices, 1)
}

func TestDiscoverRoute(t *testing.T) {
	s, r := newStack(t)
	r.route = 0x2222
	require.NoError(t, s.Create(ctx(t), params))

	require.NoError(t, s.DiscoverRoute(ctx(t), 0x00124b00000000bb, 4))
	assert.Equal(t, []uint8{4}, r.radii)

	st, err := s.Status(ctx(t))
	require.NoError(t, err)
	require.Len(t, st.Devices, 1)
	assert.Equal(t, uint16(0x2222), st.Devices[0].Short)

	c, err := s.DataRequest(ctx(t), aps.Request{
		Dst:         frame.ExtendedAddress{Addr: 0x00124b00000000bb, Endpoint: 1},
		SrcEndpoint: 1,
		ASDU:        []byte{1},
	})
	require.NoError(t, err)
	assert.Equal(t, aps.ConfirmSuccess, c.Status)

	assert.ErrorIs(t, s.DiscoverRoute(ctx(t), 0, 0), nwk.ErrInvalidRequest)
}

func TestKeySwitched(t *testing.T) {
	store := &persist.MemoryStore{}
	s, _ := newStack(t, func(c *Config) { c.Store = store })
	require.NoError(t, s.Create(ctx(t), params))

	s.KeySwitched(7)
	var seq uint8
	require.NoError(t, s.do(ctx(t), func() { seq = s.sec.KeySequence() }))
	assert.Equal(t, uint8(7), seq)

	snap, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, uint8(7), snap.KeySequence)
}
