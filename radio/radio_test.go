package radio

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ubee/zigbee/nwk"
	"ubee/zigbee/security"
)

// coprocessor plays the far end of the serial line.
type coprocessor struct {
	conn net.Conn
	got  chan Command

	mu     sync.Mutex
	status byte
	silent bool
}

func (c *coprocessor) run() {
	var p Parser
	buf := make([]byte, 256)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			return
		}
		for _, cmd := range p.Feed(buf[:n]) {
			c.got <- cmd
			c.reply(cmd)
		}
	}
}

func (c *coprocessor) reply(cmd Command) {
	c.mu.Lock()
	status, silent := c.status, c.silent
	c.mu.Unlock()
	if silent {
		return
	}
	switch cmd.ID {
	case SYS_RESET_REQ:
		c.send(Command{ID: SYS_RESET_IND, Payload: []byte{0x00, 0x02, 0x00, 0x02, 0x07, 0x01}})
	case SEC_PROTECT_REQ, SEC_VERIFY_REQ:
		// the data after the fixed header and aad, bit-flipped
		aadLen := int(cmd.Payload[15])
		out := []byte{status}
		for _, b := range cmd.Payload[16+aadLen:] {
			out = append(out, ^b)
		}
		c.send(Command{ID: cmd.ID.SRSP(), Payload: out})
	default:
		c.send(Command{ID: cmd.ID.SRSP(), Payload: []byte{status}})
	}
}

func (c *coprocessor) set(status byte, silent bool) {
	c.mu.Lock()
	c.status, c.silent = status, silent
	c.mu.Unlock()
}

func (c *coprocessor) send(cmd Command) {
	buf, err := cmd.Encode()
	if err != nil {
		panic(err)
	}
	_, _ = c.conn.Write(buf)
}

type txConfirm struct {
	handle uint8
	acked  bool
}

type received struct {
	raw []byte
	lqi uint8
}

type joinIndication struct {
	ext        uint64
	capability uint8
	rejoin     bool
}

type assocConfirm struct {
	short  uint16
	status nwk.AssocStatus
}

type nodeLeft uint64

type routeFound struct {
	ext            uint64
	short, nextHop uint16
}

type keySwitched uint8

type sink struct{ events chan any }

func (s *sink) Beacon(d nwk.NetworkDescriptor) { s.events <- d }
func (s *sink) AssociateConfirm(short uint16, status nwk.AssocStatus) {
	s.events <- assocConfirm{short, status}
}
func (s *sink) JoinIndication(ext uint64, capability uint8, rejoin bool) {
	s.events <- joinIndication{ext, capability, rejoin}
}
func (s *sink) NodeLeft(ext uint64)                 { s.events <- nodeLeft(ext) }
func (s *sink) TxConfirm(handle uint8, acked bool)  { s.events <- txConfirm{handle, acked} }
func (s *sink) FrameReceived(raw []byte, lqi uint8) { s.events <- received{raw, lqi} }
func (s *sink) RouteFound(ext uint64, short, nextHop uint16) {
	s.events <- routeFound{ext, short, nextHop}
}
func (s *sink) KeySwitched(seq uint8) { s.events <- keySwitched(seq) }

func (s *sink) next(t *testing.T) any {
	t.Helper()
	select {
	case e := <-s.events:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event")
		return nil
	}
}

func newRadio(t *testing.T) (*Radio, *coprocessor, *sink) {
	t.Helper()
	local, remote := net.Pipe()
	cp := &coprocessor{conn: remote, got: make(chan Command, 16)}
	go cp.run()

	r := New(local, zerolog.Nop())
	s := &sink{events: make(chan any, 16)}
	r.SetSink(s)
	done := make(chan error, 1)
	go func() { done <- r.Run() }()
	t.Cleanup(func() {
		_ = r.Close()
		_ = remote.Close()
		<-done
	})
	return r, cp, s
}

func (c *coprocessor) next(t *testing.T) Command {
	t.Helper()
	select {
	case cmd := <-c.got:
		return cmd
	case <-time.After(time.Second):
		t.Fatal("nothing written")
		return Command{}
	}
}

// await issues a request and waits for its completion.
func await(t *testing.T, call func(done nwk.DoneFunc) error) error {
	t.Helper()
	ch := make(chan error, 1)
	require.NoError(t, call(func(err error) { ch <- err }))
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("no completion")
		return nil
	}
}

func TestRequests(t *testing.T) {
	r, cp, _ := newRadio(t)
	d := nwk.NetworkDescriptor{PANID: 0x1a62, LogicalChannel: 15, Parent: 0x0000}

	tests := []struct {
		name string
		call func(nwk.DoneFunc) error
		id   CommandID
		want []byte
	}{
		{"scan", func(done nwk.DoneFunc) error { return r.StartScan(0x07fff800, 3, done) }, MAC_SCAN_REQ,
			[]byte{0x00, 0xf8, 0xff, 0x07, 0x03, 0x01}},
		{"stop scan", r.StopScan, MAC_SCAN_STOP_REQ, nil},
		{"start", func(done nwk.DoneFunc) error { return r.StartNetwork(0x1a62, 11, 15, 15, done) }, MAC_START_REQ,
			[]byte{0x62, 0x1a, 11, 15, 15, 0x01}},
		{"associate", func(done nwk.DoneFunc) error { return r.Associate(d, 0x8e, true, done) }, MAC_ASSOCIATE_REQ,
			[]byte{15, 0x62, 0x1a, 0x00, 0x00, 0x8e, 0x01}},
		{"associate response", func(done nwk.DoneFunc) error {
			return r.AssociateResponse(0x00124b00000000bb, 0x5678, nwk.AssocSuccess, done)
		}, MAC_ASSOCIATE_RSP,
			[]byte{0xbb, 0, 0, 0, 0, 0x4b, 0x12, 0x00, 0x78, 0x56, 0x00}},
		{"permit", func(done nwk.DoneFunc) error { return r.SetPermitJoining(true, done) }, MAC_SET_REQ,
			[]byte{attrAssociationPermit, 0x01}},
		{"leave", func(done nwk.DoneFunc) error { return r.SendLeave(false, done) }, MAC_DISASSOCIATE_REQ, []byte{0x00}},
		{"route", func(done nwk.DoneFunc) error { return r.DiscoverRoute(0x00124b00000000bb, 5, done) }, NWK_ROUTE_REQ,
			[]byte{0xbb, 0, 0, 0, 0, 0x4b, 0x12, 0x00, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, await(t, tt.call))
			cmd := cp.next(t)
			assert.Equal(t, tt.id, cmd.ID)
			assert.Equal(t, len(tt.want), len(cmd.Payload))
			if len(tt.want) > 0 {
				assert.Equal(t, tt.want, cmd.Payload)
			}
		})
	}
}

func TestRequestStatus(t *testing.T) {
	r, cp, _ := newRadio(t)
	cp.set(0x22, false)
	err := await(t, func(done nwk.DoneFunc) error { return r.SetPermitJoining(false, done) })
	assert.ErrorIs(t, err, ErrStatus)
}

func TestRequestTimeout(t *testing.T) {
	r, cp, _ := newRadio(t)
	cp.set(0, true)
	r.SetTimeout(50 * time.Millisecond)
	err := await(t, r.StopScan)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRequestDoesNotBlock(t *testing.T) {
	r, cp, s := newRadio(t)
	cp.set(0, true)
	r.SetTimeout(time.Second)

	results := make(chan error, 2)
	start := time.Now()
	require.NoError(t, r.StartNetwork(0x1a62, 11, 15, 15, func(err error) { results <- err }))
	require.NoError(t, r.SetPermitJoining(true, func(err error) { results <- err }))
	assert.Less(t, time.Since(start), 500*time.Millisecond, "requests return before their answer")
	assert.Equal(t, MAC_START_REQ, cp.next(t).ID)
	assert.Equal(t, MAC_SET_REQ, cp.next(t).ID)

	// events keep flowing while both wait
	cp.send(Command{ID: MAC_DATA_CNF, Payload: []byte{0x00, 4}})
	assert.Equal(t, txConfirm{4, true}, s.next(t))
	assert.Empty(t, results)

	// answers are matched in order
	cp.send(Command{ID: MAC_START_REQ.SRSP(), Payload: []byte{0x00}})
	cp.send(Command{ID: MAC_SET_REQ.SRSP(), Payload: []byte{0x11}})
	assert.NoError(t, <-results)
	assert.ErrorIs(t, <-results, ErrStatus)
}

func TestCloseFailsPending(t *testing.T) {
	r, cp, _ := newRadio(t)
	cp.set(0, true)
	results := make(chan error, 1)
	require.NoError(t, r.StopScan(func(err error) { results <- err }))
	require.NoError(t, r.Close())
	select {
	case err := <-results:
		assert.ErrorIs(t, err, ErrPortClosed)
	case <-time.After(time.Second):
		t.Fatal("pending request not failed")
	}
}

func TestTransmit(t *testing.T) {
	r, cp, s := newRadio(t)
	require.NoError(t, r.Transmit(0x1111, 7, []byte{1, 2, 3}, true))
	cmd := cp.next(t)
	assert.Equal(t, MAC_DATA_REQ, cmd.ID)
	assert.Equal(t, []byte{0x11, 0x11, 7, 1, 3, 1, 2, 3}, cmd.Payload)

	// the synchronous response is not an event
	cp.send(Command{ID: MAC_DATA_CNF, Payload: []byte{0x00, 7}})
	assert.Equal(t, txConfirm{7, true}, s.next(t))

	assert.Error(t, r.Transmit(0x1111, 8, make([]byte, MaxPayload), false))
}

func TestEvents(t *testing.T) {
	_, cp, s := newRadio(t)

	beacon := binary.LittleEndian.AppendUint64(nil, 0x00124b0001020304)
	beacon = binary.LittleEndian.AppendUint16(beacon, 0x1a62)
	beacon = append(beacon, 15, 2, 2, 15, 15, 1, 0x00, 0x00, 180)
	cp.send(Command{ID: MAC_BEACON_NOTIFY, Payload: beacon})
	assert.Equal(t, nwk.NetworkDescriptor{
		ExtendedPANID:   0x00124b0001020304,
		PANID:           0x1a62,
		LogicalChannel:  15,
		StackProfile:    2,
		ZigbeeVersion:   2,
		BeaconOrder:     15,
		SuperframeOrder: 15,
		PermitJoining:   true,
		Parent:          0x0000,
		LQI:             180,
	}, s.next(t))

	cp.send(Command{ID: MAC_DATA_CNF, Payload: []byte{0xe9, 3}})
	assert.Equal(t, txConfirm{3, false}, s.next(t))

	cp.send(Command{ID: MAC_DATA_IND, Payload: []byte{90, 3, 0xaa, 0xbb, 0xcc}})
	assert.Equal(t, received{[]byte{0xaa, 0xbb, 0xcc}, 90}, s.next(t))

	ind := binary.LittleEndian.AppendUint64(nil, 0x00124b00000000bb)
	cp.send(Command{ID: MAC_ASSOCIATE_IND, Payload: append(ind, 0x8e, 0)})
	assert.Equal(t, joinIndication{0x00124b00000000bb, 0x8e, false}, s.next(t))

	cp.send(Command{ID: MAC_ASSOCIATE_CNF, Payload: []byte{0x00, 0x44, 0x33}})
	assert.Equal(t, assocConfirm{0x3344, nwk.AssocSuccess}, s.next(t))

	cp.send(Command{ID: MAC_DISASSOCIATE_IND, Payload: ind})
	assert.Equal(t, nodeLeft(0x00124b00000000bb), s.next(t))

	route := binary.LittleEndian.AppendUint64(nil, 0x00124b00000000bb)
	cp.send(Command{ID: NWK_ROUTE_IND, Payload: append(route, 0x78, 0x56, 0x11, 0x11)})
	assert.Equal(t, routeFound{0x00124b00000000bb, 0x5678, 0x1111}, s.next(t))

	cp.send(Command{ID: SEC_KEY_SWITCH_IND, Payload: []byte{2}})
	assert.Equal(t, keySwitched(2), s.next(t))
}

func TestShortEventsDropped(t *testing.T) {
	_, cp, s := newRadio(t)
	cp.send(Command{ID: MAC_DATA_IND, Payload: []byte{90, 8, 0xaa}})
	cp.send(Command{ID: MAC_BEACON_NOTIFY, Payload: []byte{1, 2, 3}})
	cp.send(Command{ID: MAC_SCAN_CNF, Payload: []byte{0}})
	cp.send(Command{ID: MAC_DATA_CNF, Payload: []byte{0x00, 1}})
	assert.Equal(t, txConfirm{1, true}, s.next(t))
}

func TestReset(t *testing.T) {
	r, cp, _ := newRadio(t)
	require.NoError(t, r.Reset())
	assert.Equal(t, SYS_RESET_REQ, cp.next(t).ID)
}

func TestProvider(t *testing.T) {
	r, cp, _ := newRadio(t)
	p := NewProvider(r)
	n := security.Nonce{Source: 0x00124b00000000aa, Counter: 9, Control: 0x2d}

	type sealed struct {
		out []byte
		err error
	}
	results := make(chan sealed, 1)
	done := func(b []byte, err error) { results <- sealed{b, err} }

	require.NoError(t, p.Protect(security.KeyNetwork, n, []byte{0xa1, 0xa2}, []byte{0x0f}, 4, done))
	res := <-results
	require.NoError(t, res.err)
	assert.Equal(t, []byte{0xf0}, res.out)

	cmd := cp.next(t)
	assert.Equal(t, SEC_PROTECT_REQ, cmd.ID)
	assert.Equal(t, byte(security.KeyNetwork), cmd.Payload[0])
	assert.Equal(t, n.Source, binary.LittleEndian.Uint64(cmd.Payload[1:]))
	assert.Equal(t, n.Counter, binary.LittleEndian.Uint32(cmd.Payload[9:]))
	assert.Equal(t, []byte{0x2d, 4, 2, 0xa1, 0xa2, 0x0f}, cmd.Payload[13:])

	cp.set(0x01, false)
	require.NoError(t, p.Verify(security.KeyNetwork, n, nil, []byte{1, 2, 3, 4, 5}, 4, done))
	assert.ErrorIs(t, (<-results).err, ErrStatus)

	assert.Error(t, p.Verify(security.KeyNetwork, n, nil, make([]byte, MaxPayload), 4, done))
}

func TestClosedRadio(t *testing.T) {
	r, _, _ := newRadio(t)
	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.StopScan(nil), ErrPortClosed)
	assert.Error(t, r.Transmit(1, 1, []byte{1}, false))
}
