package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNWKHeaderLayout(t *testing.T) {
	h := NWKHeader{
		Type:            NWKData,
		ProtocolVersion: 2,
		DiscoverRoute:   DiscoverRouteEnable,
		Dst:             0x1234,
		Src:             0x0000,
		Radius:          10,
		Seq:             0x42,
	}
	b, err := h.Append(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x48, 0x00, 0x34, 0x12, 0x00, 0x00, 0x0a, 0x42}, b)
	assert.Equal(t, NWKHeaderLen, len(b))
}

func TestNWKHeaderRoundTrip(t *testing.T) {
	tests := []NWKHeader{
		{Type: NWKData, ProtocolVersion: 2, Dst: 0xfffd, Src: 0x0001, Radius: 1},
		{Type: NWKCommand, ProtocolVersion: 15, DiscoverRoute: 1, Security: true, Seq: 255},
		{Type: NWKInterPAN, HasDstIEEE: true, DstIEEE: 0x00124b0001020304},
		{Type: NWKData, HasSrcIEEE: true, SrcIEEE: 0xfffffffffffffffe},
		{Type: NWKData, HasDstIEEE: true, DstIEEE: 1, HasSrcIEEE: true, SrcIEEE: 2, Dst: 7, Src: 8},
	}
	for _, h := range tests {
		b, err := h.Append(nil)
		require.NoError(t, err)
		require.Equal(t, h.Len(), len(b))

		got, n, err := DecodeNWKHeader(b)
		require.NoError(t, err)
		assert.Equal(t, len(b), n)
		assert.Equal(t, h, got)
	}
}

func TestDecodeNWKHeaderErrors(t *testing.T) {
	tests := []struct {
		name  string
		in    []byte
		field string
		err   error
	}{
		{"Short", []byte{0x08, 0x00, 0x00}, "nwk header", ErrTruncated},
		{"ReservedType", []byte{0x02, 0, 0, 0, 0, 0, 0, 0}, "nwk frame type", ErrOutOfRange},
		{"ReservedDiscover", []byte{0x80, 0, 0, 0, 0, 0, 0, 0}, "discover route", ErrOutOfRange},
		{"ReservedBits", []byte{0x00, 0x01, 0, 0, 0, 0, 0, 0}, "nwk frame control", ErrOutOfRange},
		{"MissingIEEE", []byte{0x00, 0x08, 0, 0, 0, 0, 0, 0, 1, 2}, "dst ieee", ErrTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeNWKHeader(tt.in)
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.field, pe.Field)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestAPSHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		h    APSHeader
		size int
	}{
		{"UnicastData", APSHeader{Type: APSData, Delivery: Unicast{Endpoint: 1}, Cluster: 0x0006, Profile: 0x0104, SrcEndpoint: 1, Counter: 9}, 8},
		{"BroadcastEndpoint", APSHeader{Type: APSData, Delivery: Broadcast{Endpoint: 0xff}, AckRequest: true, Cluster: 1, Profile: 2, SrcEndpoint: 0xfe}, 8},
		{"Group", APSHeader{Type: APSData, Delivery: Group{Address: 0xbeef}, Security: true, Cluster: 3, Profile: 4, SrcEndpoint: 2}, 9},
		{"FirstFragment", APSHeader{Type: APSData, Delivery: Unicast{Endpoint: 3}, AckRequest: true, SrcEndpoint: 1, Extended: &ExtHeader{Fragmentation: FragFirst, Block: 25}}, 10},
		{"Subsequent", APSHeader{Type: APSData, Delivery: Unicast{Endpoint: 3}, SrcEndpoint: 1, Extended: &ExtHeader{Fragmentation: FragSubsequent, Block: 24}}, 10},
		{"NoFragmentExt", APSHeader{Type: APSData, Delivery: Unicast{}, Extended: &ExtHeader{}}, 9},
		{"Ack", APSHeader{Type: APSAck, Delivery: Unicast{Endpoint: 1}, Cluster: 6, Profile: 0x0104, SrcEndpoint: 1, Counter: 3, Extended: &ExtHeader{Fragmentation: FragFirst, Block: 0, AckBitfield: 0x01}}, 11},
		{"AckFormatCommand", APSHeader{Type: APSAck, Delivery: Unicast{}, AckFormat: true, Counter: 7}, 2},
		{"Command", APSHeader{Type: APSCommand, Delivery: Unicast{}, Security: true, Counter: 1}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.h.Append(nil)
			require.NoError(t, err)
			assert.Len(t, b, tt.size)

			got, n, err := DecodeAPSHeader(b)
			require.NoError(t, err)
			assert.Equal(t, len(b), n)
			assert.Equal(t, tt.h, got)
		})
	}
}

func TestDecodeAPSHeaderErrors(t *testing.T) {
	tests := []struct {
		name  string
		in    []byte
		field string
		err   error
	}{
		{"Empty", nil, "aps frame control", ErrTruncated},
		{"ReservedType", []byte{0x03, 0}, "aps frame type", ErrOutOfRange},
		{"ReservedDelivery", []byte{0x04, 0}, "delivery mode", ErrOutOfRange},
		{"SrcEndpointBroadcast", []byte{0x00, 0x01, 0x06, 0x00, 0x04, 0x01, 0xff, 0x00}, "src endpoint", ErrOutOfRange},
		{"ReservedFragmentation", []byte{0x80, 0x01, 0, 0, 0, 0, 1, 0, 0x03}, "fragmentation", ErrOutOfRange},
		{"MissingBlock", []byte{0x80, 0x01, 0, 0, 0, 0, 1, 0, 0x01}, "block number", ErrTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeAPSHeader(tt.in)
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.field, pe.Field)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestAPSHeaderAppendRejects(t *testing.T) {
	_, err := APSHeader{Type: APSData}.Append(nil)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = APSHeader{Type: APSData, Delivery: Unicast{}, SrcEndpoint: 0xff}.Append(nil)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = APSHeader{Type: 3, Delivery: Unicast{}}.Append(nil)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{
		NWK: NWKHeader{Type: NWKData, ProtocolVersion: 2, Dst: 0x0001, Src: 0x0000, Radius: 5, Seq: 1,
			HasSrcIEEE: true, SrcIEEE: 0x00124b0000000001},
		APS:     APSHeader{Type: APSData, Delivery: Unicast{Endpoint: 1}, Cluster: 6, Profile: 0x0104, SrcEndpoint: 1},
		Payload: []byte{1, 2, 3},
	}
	b, err := Encode(f)
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, f, got)

	f.Payload = nil
	b, err = Encode(f)
	require.NoError(t, err)
	got, err = Decode(b)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestNewAddress(t *testing.T) {
	tests := []struct {
		mode byte
		addr uint64
		ep   uint8
		want Address
	}{
		{0x00, 0, 0, NoAddress{}},
		{0x01, 0x1234, 9, GroupAddress{Group: 0x1234}},
		{0x02, 0xfffd, 0xff, ShortAddress{Addr: 0xfffd, Endpoint: 0xff}},
		{0x03, 0x00124b0001020304, 1, ExtendedAddress{Addr: 0x00124b0001020304, Endpoint: 1}},
	}
	for _, tt := range tests {
		got, err := NewAddress(tt.mode, tt.addr, tt.ep)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, AddrMode(tt.mode), got.Mode())
	}

	for _, mode := range []byte{0x04, 0x10, 0xff} {
		_, err := NewAddress(mode, 0, 0)
		var pe *ParseError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "dst addr mode", pe.Field)
	}

	_, err := NewAddress(0x02, 0x10000, 1)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestByteHelpers(t *testing.T) {
	assert.Equal(t, byte(0x34), LowByte(0x1234))
	assert.Equal(t, byte(0x12), HighByte(0x1234))
	assert.Equal(t, uint16(0x1234), Uint16(0x34, 0x12))
	assert.True(t, IsBroadcast(BroadcastRxOnIdle))
	assert.False(t, IsBroadcast(MaxUnicastAddress))
}
