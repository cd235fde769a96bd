// Package bridge carries APS data between the stack and an MQTT broker:
// indications, confirms and membership changes are published as JSON,
// send and permit-join requests are taken from subscribed topics.
package bridge

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ubee/zigbee/aps"
	"ubee/zigbee/frame"
)

// Client is the broker connection. PahoClient implements it.
type Client interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
}

// Stack is the part of zigbee.Stack the bridge drives.
type Stack interface {
	DataRequest(ctx context.Context, req aps.Request) (aps.Confirm, error)
	PermitJoining(ctx context.Context, duration uint8) error
}

const (
	outQueue       = 64
	requestTimeout = 30 * time.Second
)

// IndicationMessage is published on <root>/indication.
type IndicationMessage struct {
	Status      string `json:"status"`
	Src         string `json:"src"`
	SrcEndpoint uint8  `json:"src_endpoint"`
	SrcIEEE     string `json:"src_ieee,omitempty"`
	Dst         string `json:"dst"`
	Profile     uint16 `json:"profile"`
	Cluster     uint16 `json:"cluster"`
	ASDU        string `json:"asdu"`
	Security    string `json:"security"`
	LQI         uint8  `json:"lqi"`
	Timestamp   string `json:"timestamp"`
}

// SendRequest is read from <root>/send. Mode is the APS destination
// address mode: 0 bound, 1 group, 2 short, 3 extended.
type SendRequest struct {
	ID          string `json:"id,omitempty"`
	Mode        uint8  `json:"mode"`
	Addr        uint64 `json:"addr"`
	Endpoint    uint8  `json:"endpoint"`
	Profile     uint16 `json:"profile"`
	Cluster     uint16 `json:"cluster"`
	SrcEndpoint uint8  `json:"src_endpoint"`
	ASDU        string `json:"asdu"`
	Ack         bool   `json:"ack"`
	Fragment    bool   `json:"fragment"`
	Secure      bool   `json:"secure"`
	Radius      uint8  `json:"radius,omitempty"`
}

// ConfirmMessage answers a SendRequest on <root>/confirm.
type ConfirmMessage struct {
	ID        string `json:"id,omitempty"`
	Handle    uint32 `json:"handle"`
	Dst       string `json:"dst,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// DeviceMessage is published on <root>/device/joined and <root>/device/left.
type DeviceMessage struct {
	IEEE      string `json:"ieee"`
	Short     string `json:"short,omitempty"`
	Rejoin    bool   `json:"rejoin,omitempty"`
	Timestamp string `json:"timestamp"`
}

// PermitJoinRequest is read from <root>/permit_join.
type PermitJoinRequest struct {
	Seconds uint8 `json:"seconds"`
}

type outMessage struct {
	topic string
	body  any
}

type Bridge struct {
	client Client
	stack  Stack
	root   string
	log    zerolog.Logger

	out chan outMessage
	wg  sync.WaitGroup

	mu     sync.Mutex
	ctx    context.Context
	closed bool
}

func New(client Client, stack Stack, root string, logger zerolog.Logger) *Bridge {
	return &Bridge{
		client: client,
		stack:  stack,
		root:   root,
		log:    logger.With().Str("component", "bridge").Logger(),
		out:    make(chan outMessage, outQueue),
		ctx:    context.Background(),
	}
}

func (b *Bridge) topic(name string) string { return b.root + "/" + name }

func now() string { return time.Now().UTC().Format(time.RFC3339) }

// Run subscribes to the request topics and publishes until ctx is done or
// inds is closed. Requests in flight are waited for before Run returns.
func (b *Bridge) Run(ctx context.Context, inds <-chan aps.Indication) error {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	if err := b.client.Subscribe(b.topic("send"), b.handleSend); err != nil {
		return fmt.Errorf("bridge: subscribe send: %w", err)
	}
	if err := b.client.Subscribe(b.topic("permit_join"), b.handlePermitJoin); err != nil {
		return fmt.Errorf("bridge: subscribe permit_join: %w", err)
	}
	defer func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		b.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ind, ok := <-inds:
			if !ok {
				return nil
			}
			b.publish(b.topic("indication"), indicationMessage(ind))
		case m := <-b.out:
			b.publish(m.topic, m.body)
		}
	}
}

func (b *Bridge) publish(topic string, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		b.log.Error().Err(err).Str("topic", topic).Msg("marshal")
		return
	}
	if err := b.client.Publish(topic, payload); err != nil {
		b.log.Warn().Err(err).Str("topic", topic).Msg("publish")
	}
}

// enqueue never blocks: it is called from the stack's event loop.
func (b *Bridge) enqueue(topic string, body any) {
	select {
	case b.out <- outMessage{topic, body}:
	default:
		b.log.Warn().Str("topic", topic).Msg("publish queue full")
	}
}

func indicationMessage(ind aps.Indication) IndicationMessage {
	m := IndicationMessage{
		Status:      ind.Status.String(),
		Src:         fmt.Sprintf("0x%04x", ind.Src.Addr),
		SrcEndpoint: ind.Src.Endpoint,
		Profile:     ind.ProfileID,
		Cluster:     ind.ClusterID,
		ASDU:        hex.EncodeToString(ind.ASDU),
		Security:    ind.SecurityStatus.String(),
		LQI:         ind.LinkQuality,
		Timestamp:   ind.RxTime.UTC().Format(time.RFC3339),
	}
	if ind.SrcExtended != 0 {
		m.SrcIEEE = fmt.Sprintf("0x%016x", ind.SrcExtended)
	}
	if ind.Dst != nil {
		m.Dst = fmt.Sprint(ind.Dst)
	}
	return m
}

// Request turns a SendRequest into an APSDE-DATA.request.
func (r SendRequest) Request() (aps.Request, error) {
	dst, err := frame.NewAddress(r.Mode, r.Addr, r.Endpoint)
	if err != nil {
		return aps.Request{}, err
	}
	asdu, err := hex.DecodeString(r.ASDU)
	if err != nil {
		return aps.Request{}, fmt.Errorf("bridge: asdu: %w", err)
	}
	var opts aps.TxOptions
	if r.Ack {
		opts |= aps.TxAcknowledged
	}
	if r.Fragment {
		opts |= aps.TxFragmentation
	}
	if r.Secure {
		opts |= aps.TxSecurity
	}
	return aps.Request{
		Dst:         dst,
		ProfileID:   r.Profile,
		ClusterID:   r.Cluster,
		SrcEndpoint: r.SrcEndpoint,
		ASDU:        asdu,
		TxOptions:   opts,
		Radius:      r.Radius,
	}, nil
}

// spawn runs f unless Run has finished.
func (b *Bridge) spawn(f func(ctx context.Context)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	ctx := b.ctx
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		f(ctx)
	}()
}

func (b *Bridge) handleSend(_ string, payload []byte) {
	var sr SendRequest
	if err := json.Unmarshal(payload, &sr); err != nil {
		b.log.Warn().Err(err).Msg("bad send request")
		return
	}
	req, err := sr.Request()
	if err != nil {
		b.enqueue(b.topic("confirm"), ConfirmMessage{
			ID:        sr.ID,
			Status:    aps.ConfirmInvalidParameter.String(),
			Error:     err.Error(),
			Timestamp: now(),
		})
		return
	}
	// the confirm may take several retry rounds
	b.spawn(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		c, err := b.stack.DataRequest(ctx, req)
		m := ConfirmMessage{
			ID:        sr.ID,
			Handle:    c.Handle,
			Status:    c.Status.String(),
			Timestamp: now(),
		}
		if c.Dst != nil {
			m.Dst = fmt.Sprint(c.Dst)
		}
		if err != nil {
			m.Error = err.Error()
		}
		b.enqueue(b.topic("confirm"), m)
	})
}

func (b *Bridge) handlePermitJoin(_ string, payload []byte) {
	var pj PermitJoinRequest
	if err := json.Unmarshal(payload, &pj); err != nil {
		b.log.Warn().Err(err).Msg("bad permit_join request")
		return
	}
	b.spawn(func(ctx context.Context) {
		if err := b.stack.PermitJoining(ctx, pj.Seconds); err != nil {
			b.log.Warn().Err(err).Msg("permit joining")
		}
	})
}

// nwk.Listener

func (b *Bridge) DeviceJoined(ext uint64, short uint16, rejoin bool) {
	b.enqueue(b.topic("device/joined"), DeviceMessage{
		IEEE:      fmt.Sprintf("0x%016x", ext),
		Short:     fmt.Sprintf("0x%04x", short),
		Rejoin:    rejoin,
		Timestamp: now(),
	})
}

func (b *Bridge) DeviceLeft(ext uint64) {
	b.enqueue(b.topic("device/left"), DeviceMessage{
		IEEE:      fmt.Sprintf("0x%016x", ext),
		Timestamp: now(),
	})
}

func (b *Bridge) Left() {
	b.enqueue(b.topic("network"), map[string]string{"state": "left", "timestamp": now()})
}
