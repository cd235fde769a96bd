/*
ubee - ZigBee NWK/APS stack on Go
Copyright (c) 2022-2024 GSB, Georgii Batanov gbatanov@yandex.ru
MIT License
*/

// Package radio drives the 802.15.4 co-processor over a serial line. It is
// the MAC collaborator of the stack: requests go out as framed commands,
// asynchronous indications come back through a Sink.
package radio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ubee/zigbee/nwk"
)

var ErrStatus = errors.New("radio: request failed")

// Sink receives the co-processor's asynchronous events.
type Sink interface {
	Beacon(d nwk.NetworkDescriptor)
	AssociateConfirm(short uint16, status nwk.AssocStatus)
	JoinIndication(ext uint64, capability uint8, rejoin bool)
	NodeLeft(ext uint64)
	TxConfirm(handle uint8, acked bool)
	FrameReceived(raw []byte, lqi uint8)
	RouteFound(ext uint64, short, nextHop uint16)
	KeySwitched(seq uint8)
}

const (
	DefaultTimeout = 2 * time.Second
	resetTimeout   = 10 * time.Second
)

type Radio struct {
	port    io.ReadWriteCloser
	log     zerolog.Logger
	timeout time.Duration
	eh      *eventHandler

	wrMu sync.Mutex

	sinkMu sync.RWMutex
	sink   Sink

	quit chan struct{}
	once sync.Once
}

func New(port io.ReadWriteCloser, logger zerolog.Logger) *Radio {
	return &Radio{
		port:    port,
		log:     logger.With().Str("component", "radio").Logger(),
		timeout: DefaultTimeout,
		eh:      newEventHandler(),
		quit:    make(chan struct{}),
	}
}

// SetSink must be called before Run for events not to be lost.
func (r *Radio) SetSink(s Sink) {
	r.sinkMu.Lock()
	r.sink = s
	r.sinkMu.Unlock()
}

func (r *Radio) SetTimeout(d time.Duration) { r.timeout = d }

// Run reads the serial line and dispatches frames until Close.
func (r *Radio) Run() error {
	var p Parser
	buf := make([]byte, 256)
	for {
		n, err := r.port.Read(buf)
		for _, cmd := range p.Feed(buf[:n]) {
			r.dispatch(cmd)
		}
		select {
		case <-r.quit:
			return nil
		default:
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("radio: read: %w", err)
		}
	}
}

func (r *Radio) Close() error {
	var err error
	r.once.Do(func() {
		close(r.quit)
		err = r.port.Close()
		r.eh.close(ErrPortClosed)
	})
	return err
}

func (r *Radio) write(cmd Command) error {
	buf, err := cmd.Encode()
	if err != nil {
		return err
	}
	r.wrMu.Lock()
	defer r.wrMu.Unlock()
	if _, err := r.port.Write(buf); err != nil {
		return fmt.Errorf("radio: write %s: %w", cmd.ID, err)
	}
	return nil
}

// submit sends a request without waiting. done gets the synchronous
// response on the reader goroutine, or ErrTimeout from a timer. An error
// return means nothing was sent and done is never called.
func (r *Radio) submit(id CommandID, payload []byte, done ResponseFunc) error {
	srsp := id.SRSP()
	w, err := r.eh.add(srsp, r.timeout, done)
	if err != nil {
		return err
	}
	if err := r.write(Command{ID: id, Payload: payload}); err != nil {
		r.eh.remove(srsp, w)
		return err
	}
	return nil
}

// call is submit for requests whose response carries only a status.
func (r *Radio) call(id CommandID, payload []byte, done nwk.DoneFunc) error {
	return r.submit(id, payload, func(rsp Command, err error) {
		if err == nil && rsp.Status() != 0 {
			err = fmt.Errorf("%w: %s status 0x%02x", ErrStatus, id, rsp.Status())
		}
		if done != nil {
			done(err)
		}
	})
}

// Reset soft-resets the co-processor and waits for it to come back.
func (r *Radio) Reset() error {
	type reply struct {
		ind Command
		err error
	}
	ch := make(chan reply, 1)
	w, err := r.eh.add(SYS_RESET_IND, resetTimeout, func(cmd Command, err error) { ch <- reply{cmd, err} })
	if err != nil {
		return err
	}
	if err := r.write(Command{ID: SYS_RESET_REQ, Payload: []byte{0x01}}); err != nil {
		r.eh.remove(SYS_RESET_IND, w)
		return err
	}
	rep := <-ch
	if rep.err != nil {
		return rep.err
	}
	if p := rep.ind.Payload; len(p) > 5 {
		r.log.Info().Msgf("co-processor version %d.%d.%d", p[3], p[4], p[5])
	}
	return nil
}

// nwk.MAC

func (r *Radio) StartScan(channels uint32, duration uint8, done nwk.DoneFunc) error {
	p := binary.LittleEndian.AppendUint32(nil, channels)
	return r.call(MAC_SCAN_REQ, append(p, duration, 0x01), done)
}

func (r *Radio) StopScan(done nwk.DoneFunc) error {
	return r.call(MAC_SCAN_STOP_REQ, nil, done)
}

func (r *Radio) StartNetwork(panID uint16, channel, beaconOrder, superframeOrder uint8, done nwk.DoneFunc) error {
	p := binary.LittleEndian.AppendUint16(nil, panID)
	return r.call(MAC_START_REQ, append(p, channel, beaconOrder, superframeOrder, 0x01), done)
}

func (r *Radio) Associate(d nwk.NetworkDescriptor, capability uint8, rejoin bool, done nwk.DoneFunc) error {
	p := []byte{d.LogicalChannel}
	p = binary.LittleEndian.AppendUint16(p, d.PANID)
	p = binary.LittleEndian.AppendUint16(p, d.Parent)
	return r.call(MAC_ASSOCIATE_REQ, append(p, capability, flag(rejoin)), done)
}

func (r *Radio) AssociateResponse(ext uint64, short uint16, status nwk.AssocStatus, done nwk.DoneFunc) error {
	p := binary.LittleEndian.AppendUint64(nil, ext)
	p = binary.LittleEndian.AppendUint16(p, short)
	return r.call(MAC_ASSOCIATE_RSP, append(p, byte(status)), done)
}

func (r *Radio) SetPermitJoining(open bool, done nwk.DoneFunc) error {
	return r.call(MAC_SET_REQ, []byte{attrAssociationPermit, flag(open)}, done)
}

func (r *Radio) SendLeave(rejoin bool, done nwk.DoneFunc) error {
	return r.call(MAC_DISASSOCIATE_REQ, []byte{flag(rejoin)}, done)
}

// DiscoverRoute starts a route request; the answer arrives as
// NWK_ROUTE_IND.
func (r *Radio) DiscoverRoute(ext uint64, radius uint8, done nwk.DoneFunc) error {
	p := binary.LittleEndian.AppendUint64(nil, ext)
	return r.call(NWK_ROUTE_REQ, append(p, radius), done)
}

// Transmit queues a MAC data frame. It does not wait for the synchronous
// response; the outcome arrives as MAC_DATA_CNF.
func (r *Radio) Transmit(dst uint16, handle uint8, frame []byte, ack bool) error {
	if len(frame) > MaxPayload-5 {
		return fmt.Errorf("radio: frame of %d octets", len(frame))
	}
	p := binary.LittleEndian.AppendUint16(make([]byte, 0, len(frame)+5), dst)
	p = append(p, handle, flag(ack), byte(len(frame)))
	return r.write(Command{ID: MAC_DATA_REQ, Payload: append(p, frame...)})
}

func flag(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func (r *Radio) currentSink() Sink {
	r.sinkMu.RLock()
	defer r.sinkMu.RUnlock()
	return r.sink
}

// beacon payload: ext pan id, pan id, channel, stack profile, zigbee
// version, beacon order, superframe order, permit joining, parent, lqi
const beaconLen = 18

func (r *Radio) dispatch(cmd Command) {
	if r.eh.emit(cmd) {
		return
	}
	sink := r.currentSink()
	if sink == nil {
		r.log.Debug().Stringer("cmd", cmd.ID).Msg("no sink")
		return
	}
	p := cmd.Payload
	short := func(n int) bool {
		if len(p) < n {
			r.log.Warn().Stringer("cmd", cmd.ID).Int("len", len(p)).Msg("short payload")
			return true
		}
		return false
	}
	switch cmd.ID {
	case MAC_BEACON_NOTIFY:
		if short(beaconLen) {
			return
		}
		sink.Beacon(nwk.NetworkDescriptor{
			ExtendedPANID:   binary.LittleEndian.Uint64(p),
			PANID:           binary.LittleEndian.Uint16(p[8:]),
			LogicalChannel:  p[10],
			StackProfile:    p[11],
			ZigbeeVersion:   p[12],
			BeaconOrder:     p[13],
			SuperframeOrder: p[14],
			PermitJoining:   p[15] != 0,
			Parent:          binary.LittleEndian.Uint16(p[16:]),
			LQI:             lqiOf(p, beaconLen),
		})
	case MAC_DATA_CNF:
		if short(2) {
			return
		}
		sink.TxConfirm(p[1], p[0] == 0)
	case MAC_DATA_IND:
		if short(2) || short(2+int(p[1])) {
			return
		}
		sink.FrameReceived(append([]byte(nil), p[2:2+int(p[1])]...), p[0])
	case MAC_ASSOCIATE_IND:
		if short(10) {
			return
		}
		sink.JoinIndication(binary.LittleEndian.Uint64(p), p[8], p[9] != 0)
	case MAC_ASSOCIATE_CNF:
		if short(3) {
			return
		}
		sink.AssociateConfirm(binary.LittleEndian.Uint16(p[1:]), nwk.AssocStatus(p[0]))
	case MAC_DISASSOCIATE_IND:
		if short(8) {
			return
		}
		sink.NodeLeft(binary.LittleEndian.Uint64(p))
	case NWK_ROUTE_IND:
		if short(12) {
			return
		}
		sink.RouteFound(binary.LittleEndian.Uint64(p), binary.LittleEndian.Uint16(p[8:]), binary.LittleEndian.Uint16(p[10:]))
	case SEC_KEY_SWITCH_IND:
		if short(1) {
			return
		}
		sink.KeySwitched(p[0])
	case MAC_SCAN_CNF:
		r.log.Debug().Msg("scan finished")
	default:
		r.log.Debug().Stringer("cmd", cmd.ID).Hex("payload", p).Msg("unhandled")
	}
}

func lqiOf(p []byte, at int) uint8 {
	if len(p) > at {
		return p[at]
	}
	return 0
}
