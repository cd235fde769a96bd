package aps

import (
	"fmt"

	"ubee/zigbee/frame"
	"ubee/zigbee/sched"
	"ubee/zigbee/security"
)

type reasmKey struct {
	src     uint16
	counter uint8
}

// reassembly collects the blocks of one fragmented ASDU. Blocks may arrive
// in any order; the indication is built when all of them are present.
type reassembly struct {
	ind      Indication
	total    int
	blocks   [][]byte
	received int
	timer    sched.Timer
}

// HandleFrame takes one frame received by the radio. Frames that are not
// APS data for this node are dropped.
func (s *Service) HandleFrame(raw []byte, lqi uint8) {
	if !s.cfg.Network.Joined() {
		return
	}
	nh, n, err := frame.DecodeNWKHeader(raw)
	if err != nil {
		s.log.Debug().Err(err).Msg("drop frame")
		return
	}
	if nh.Type != frame.NWKData {
		return
	}
	node := s.cfg.Network.Node()
	if nh.Dst != node.ShortAddress && !frame.IsBroadcast(nh.Dst) {
		return
	}
	ah, m, err := frame.DecodeAPSHeader(raw[n:])
	if err != nil {
		s.log.Debug().Err(err).Msg("drop frame")
		return
	}
	if ah.Type != frame.APSData {
		// link-layer confirms drive outbound acknowledgment
		return
	}

	srcExt := nh.SrcIEEE
	if !nh.HasSrcIEEE {
		if ext, ok := s.cfg.Table.Extended(nh.Src); ok {
			srcExt = ext
		}
	}

	ind := Indication{
		Src:         frame.ShortAddress{Addr: nh.Src, Endpoint: ah.SrcEndpoint},
		SrcExtended: srcExt,
		ProfileID:   ah.Profile,
		ClusterID:   ah.Cluster,
		LinkQuality: lqi,
		RxTime:      s.cfg.Scheduler.Now(),
	}
	switch d := ah.Delivery.(type) {
	case frame.Group:
		ind.Dst = frame.GroupAddress{Group: d.Address}
	case frame.Broadcast:
		ind.Dst = frame.ShortAddress{Addr: nh.Dst, Endpoint: d.Endpoint}
	case frame.Unicast:
		ind.Dst = frame.ShortAddress{Addr: node.ShortAddress, Endpoint: d.Endpoint}
	}

	payload := raw[n+m:]
	if !ah.Security {
		s.accept(nh, ah, ind, payload)
		return
	}
	s.cfg.Security.Unsecure(raw[n:n+m], payload, srcExt, func(plain []byte, status security.Status, err error) {
		if !s.cfg.Network.Joined() {
			return
		}
		if err != nil {
			s.log.Warn().Err(err).Uint16("src", nh.Src).Msg("unsecure")
			ind.Status = IndicationSecurityFail
			s.indicate(ind)
			return
		}
		ind.SecurityStatus = status
		s.accept(nh, ah, ind, plain)
	})
}

// accept takes a frame that passed security: it learns the sender's
// address, acknowledges and delivers or reassembles the payload.
func (s *Service) accept(nh frame.NWKHeader, ah frame.APSHeader, ind Indication, payload []byte) {
	if nh.HasSrcIEEE {
		if err := s.cfg.Table.Add(nh.SrcIEEE, nh.Src); err != nil {
			s.log.Debug().Err(err).Uint16("src", nh.Src).Msg("learn address")
		} else {
			s.RouteUpdated(nh.SrcIEEE)
		}
	}

	if _, unicast := ah.Delivery.(frame.Unicast); unicast && ah.AckRequest {
		s.sendAck(nh, ah)
	}

	if ah.Extended == nil || ah.Extended.Fragmentation == frame.FragNone {
		ind.ASDU = payload
		s.indicate(ind)
		return
	}
	if !s.cfg.Stack.Reassembly {
		ind.Status = IndicationDefragUnsupported
		s.indicate(ind)
		return
	}
	s.reassemble(reasmKey{src: nh.Src, counter: ah.Counter}, ah.Extended, ind, payload)
}

func (s *Service) reassemble(key reasmKey, ext *frame.ExtHeader, ind Indication, payload []byte) {
	r, ok := s.reasm[key]
	if !ok {
		if len(s.reasm) >= s.cfg.Stack.MaxReassemblies {
			s.log.Info().Uint16("src", key.src).Uint8("counter", key.counter).Msg("reassembly pool full")
			ind.Status = IndicationDefragDeferred
			s.indicate(ind)
			return
		}
		r = &reassembly{ind: ind, blocks: make([][]byte, MaxBlocks)}
		r.timer = s.cfg.Scheduler.AfterFunc(s.cfg.Stack.ReassemblyTimeout, func() {
			if s.reasm[key] != r {
				return
			}
			delete(s.reasm, key)
			s.cfg.Metrics.Reassemblies(len(s.reasm))
			s.log.Info().Uint16("src", key.src).Uint8("counter", key.counter).
				Int("received", r.received).Int("total", r.total).Msg("reassembly expired")
			out := r.ind
			out.ASDU = nil
			out.Status = IndicationDefragDeferred
			s.indicate(out)
		})
		s.reasm[key] = r
		s.cfg.Metrics.Reassemblies(len(s.reasm))
	}

	index := int(ext.Block)
	if ext.Fragmentation == frame.FragFirst {
		if ext.Block == 0 || (r.total != 0 && r.total != int(ext.Block)) {
			s.log.Debug().Uint8("blocks", ext.Block).Msg("bad first block")
			return
		}
		r.total = int(ext.Block)
		index = 0
	} else if index == 0 || index >= MaxBlocks {
		return
	}
	if r.blocks[index] != nil {
		return
	}
	if payload == nil {
		payload = []byte{}
	}
	r.blocks[index] = payload
	r.received++
	if ind.SecurityStatus < r.ind.SecurityStatus {
		r.ind.SecurityStatus = ind.SecurityStatus
	}
	r.ind.LinkQuality = ind.LinkQuality
	r.ind.RxTime = ind.RxTime

	if r.total == 0 || r.received < r.total {
		return
	}
	for i := 0; i < r.total; i++ {
		if r.blocks[i] == nil {
			// a block numbered beyond the announced count
			return
		}
	}
	r.timer.Stop()
	delete(s.reasm, key)
	s.cfg.Metrics.Reassemblies(len(s.reasm))
	out := r.ind
	out.ASDU = assemble(r.blocks[:r.total])
	out.Status = IndicationSuccess
	s.indicate(out)
}

// sendAck answers an acknowledged data frame. It is not retried.
func (s *Service) sendAck(nh frame.NWKHeader, ah frame.APSHeader) {
	node := s.cfg.Network.Node()
	dstEp := uint8(0)
	if u, ok := ah.Delivery.(frame.Unicast); ok {
		dstEp = u.Endpoint
	}
	rh := frame.NWKHeader{
		Type:            frame.NWKData,
		ProtocolVersion: s.cfg.Stack.ProtocolVersion,
		DiscoverRoute:   frame.DiscoverRouteEnable,
		Dst:             nh.Src,
		Src:             node.ShortAddress,
		Radius:          s.cfg.Stack.DefaultRadius,
		Seq:             s.seq,
	}
	s.seq++
	ack := frame.APSHeader{
		Type:        frame.APSAck,
		Delivery:    frame.Unicast{Endpoint: ah.SrcEndpoint},
		Cluster:     ah.Cluster,
		Profile:     ah.Profile,
		SrcEndpoint: dstEp,
		Counter:     ah.Counter,
	}
	if ah.Extended != nil && ah.Extended.Fragmentation != frame.FragNone {
		block := ah.Extended.Block
		if ah.Extended.Fragmentation == frame.FragFirst {
			block = 0
		}
		ack.Extended = &frame.ExtHeader{
			Fragmentation: ah.Extended.Fragmentation,
			Block:         block,
			AckBitfield:   1 << (block % 8),
		}
	}
	buf, err := frame.Encode(frame.Frame{NWK: rh, APS: ack})
	if err != nil {
		s.log.Error().Err(err).Msg("encode ack")
		return
	}
	s.macHandle++
	if err := s.cfg.MAC.Transmit(s.cfg.Table.NextHop(nh.Src), s.macHandle, buf, false); err != nil {
		s.log.Warn().Err(err).Str("dst", fmt.Sprintf("0x%04x", nh.Src)).Msg("send ack")
	}
}

func (s *Service) indicate(ind Indication) {
	s.cfg.Metrics.Indicated(ind.Status)
	s.log.Debug().Stringer("src", ind.Src).Stringer("status", ind.Status).Int("len", len(ind.ASDU)).Msg("indication")
	s.cfg.Indications(ind)
}

// Reassemblies is the number of partial ASDUs held.
func (s *Service) Reassemblies() int { return len(s.reasm) }
