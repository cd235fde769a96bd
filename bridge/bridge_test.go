package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ubee/zigbee/aps"
	"ubee/zigbee/frame"
	"ubee/zigbee/nwk"
	"ubee/zigbee/security"
)

var _ nwk.Listener = (*Bridge)(nil)

type published struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu       sync.Mutex
	handlers map[string]func(string, []byte)
	pub      chan published
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: make(map[string]func(string, []byte)), pub: make(chan published, 16)}
}

func (c *fakeClient) Publish(topic string, payload []byte) error {
	c.pub <- published{topic, payload}
	return nil
}

func (c *fakeClient) Subscribe(topic string, h func(string, []byte)) error {
	c.mu.Lock()
	c.handlers[topic] = h
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) deliver(t *testing.T, topic string, body any) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	c.mu.Lock()
	h := c.handlers[topic]
	c.mu.Unlock()
	require.NotNil(t, h, topic)
	h(topic, payload)
}

func (c *fakeClient) next(t *testing.T, v any) string {
	t.Helper()
	select {
	case p := <-c.pub:
		require.NoError(t, json.Unmarshal(p.payload, v))
		return p.topic
	case <-time.After(time.Second):
		t.Fatal("nothing published")
		return ""
	}
}

type fakeStack struct {
	mu     sync.Mutex
	reqs   []aps.Request
	permit []uint8
	err    error
}

func (s *fakeStack) DataRequest(_ context.Context, req aps.Request) (aps.Confirm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return aps.Confirm{Status: aps.StatusOf(s.err)}, s.err
	}
	return aps.Confirm{Handle: 7, Dst: req.Dst, SrcEndpoint: req.SrcEndpoint, Status: aps.ConfirmSuccess}, nil
}

func (s *fakeStack) PermitJoining(_ context.Context, d uint8) error {
	s.mu.Lock()
	s.permit = append(s.permit, d)
	s.mu.Unlock()
	return nil
}

func run(t *testing.T, stack Stack) (*Bridge, *fakeClient, chan aps.Indication) {
	t.Helper()
	c := newFakeClient()
	b := New(c, stack, "ubee", zerolog.Nop())
	inds := make(chan aps.Indication, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, inds) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.handlers) == 2
	}, time.Second, 5*time.Millisecond)
	return b, c, inds
}

func TestIndicationPublished(t *testing.T) {
	_, c, inds := run(t, &fakeStack{})
	inds <- aps.Indication{
		Dst:            frame.ShortAddress{Addr: 0x0000, Endpoint: 1},
		Src:            frame.ShortAddress{Addr: 0x5678, Endpoint: 2},
		SrcExtended:    0x00124b00000000bb,
		ProfileID:      0x0104,
		ClusterID:      0x0006,
		ASDU:           []byte{0x18, 0x01, 0x0a},
		SecurityStatus: security.SecuredNwkKey,
		LinkQuality:    120,
		RxTime:         time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	var m IndicationMessage
	assert.Equal(t, "ubee/indication", c.next(t, &m))
	assert.Equal(t, IndicationMessage{
		Status:      "SUCCESS",
		Src:         "0x5678",
		SrcEndpoint: 2,
		SrcIEEE:     "0x00124b00000000bb",
		Dst:         "0x0000/1",
		Profile:     0x0104,
		Cluster:     0x0006,
		ASDU:        "18010a",
		Security:    "SECURED_NWK_KEY",
		LQI:         120,
		Timestamp:   "2024-03-01T12:00:00Z",
	}, m)
}

func TestSendRequest(t *testing.T) {
	st := &fakeStack{}
	_, c, _ := run(t, st)
	c.deliver(t, "ubee/send", SendRequest{
		ID:          "a1",
		Mode:        2,
		Addr:        0x5678,
		Endpoint:    1,
		Profile:     0x0104,
		Cluster:     0x0006,
		SrcEndpoint: 1,
		ASDU:        "010002",
		Ack:         true,
		Fragment:    true,
	})

	var m ConfirmMessage
	assert.Equal(t, "ubee/confirm", c.next(t, &m))
	assert.Equal(t, "a1", m.ID)
	assert.Equal(t, uint32(7), m.Handle)
	assert.Equal(t, "SUCCESS", m.Status)
	assert.Equal(t, "0x5678/1", m.Dst)
	assert.Empty(t, m.Error)

	st.mu.Lock()
	defer st.mu.Unlock()
	require.Len(t, st.reqs, 1)
	req := st.reqs[0]
	assert.Equal(t, frame.ShortAddress{Addr: 0x5678, Endpoint: 1}, req.Dst)
	assert.Equal(t, []byte{1, 0, 2}, req.ASDU)
	assert.Equal(t, aps.TxAcknowledged|aps.TxFragmentation, req.TxOptions)
}

func TestSendRequestRejected(t *testing.T) {
	st := &fakeStack{err: aps.ErrNotJoined}
	_, c, _ := run(t, st)

	c.deliver(t, "ubee/send", SendRequest{ID: "bad", Mode: 7})
	var m ConfirmMessage
	c.next(t, &m)
	assert.Equal(t, "bad", m.ID)
	assert.Equal(t, "INVALID_PARAMETER", m.Status)
	assert.NotEmpty(t, m.Error)

	c.deliver(t, "ubee/send", SendRequest{ID: "hex", Mode: 2, ASDU: "zz"})
	c.next(t, &m)
	assert.Equal(t, "INVALID_PARAMETER", m.Status)

	c.deliver(t, "ubee/send", SendRequest{ID: "nj", Mode: 2, Addr: 1, SrcEndpoint: 1})
	c.next(t, &m)
	assert.Equal(t, "NOT_JOINED", m.Status)
	assert.Equal(t, aps.ErrNotJoined.Error(), m.Error)
}

func TestPermitJoin(t *testing.T) {
	st := &fakeStack{}
	_, c, _ := run(t, st)
	c.deliver(t, "ubee/permit_join", PermitJoinRequest{Seconds: 60})
	assert.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.permit) == 1 && st.permit[0] == 60
	}, time.Second, 5*time.Millisecond)
}

func TestMembershipPublished(t *testing.T) {
	b, c, _ := run(t, &fakeStack{})
	b.DeviceJoined(0x00124b00000000bb, 0x5678, true)
	var m DeviceMessage
	assert.Equal(t, "ubee/device/joined", c.next(t, &m))
	assert.Equal(t, "0x00124b00000000bb", m.IEEE)
	assert.Equal(t, "0x5678", m.Short)
	assert.True(t, m.Rejoin)

	b.DeviceLeft(0x00124b00000000bb)
	m = DeviceMessage{}
	assert.Equal(t, "ubee/device/left", c.next(t, &m))
	assert.Empty(t, m.Short)

	b.Left()
	var state map[string]string
	assert.Equal(t, "ubee/network", c.next(t, &state))
	assert.Equal(t, "left", state["state"])
}

type failingClient struct{ fakeClient }

func (*failingClient) Subscribe(string, func(string, []byte)) error {
	return errors.New("not authorized")
}

func TestRunSubscribeFails(t *testing.T) {
	b := New(&failingClient{}, &fakeStack{}, "ubee", zerolog.Nop())
	err := b.Run(context.Background(), nil)
	assert.ErrorContains(t, err, "not authorized")
}
