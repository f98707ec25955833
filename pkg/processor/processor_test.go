package processor

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/haolipeng/gopacket"
	"github.com/haolipeng/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haolipeng/ddos_detector/pkg/engine"
	"github.com/haolipeng/ddos_detector/pkg/types"
)

var (
	t0     = time.Date(2024, 3, 18, 15, 30, 0, 0, time.UTC)
	srcMAC = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	dstMAC = net.HardwareAddr{0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb}
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func ipv4(proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(192, 168, 1, 10),
	}
}

func ethernet(t layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: t}
}

func tcpSYNFrame(t *testing.T) []byte {
	ip := ipv4(layers.IPProtocolTCP)
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 80, SYN: true, Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ethernet(layers.EthernetTypeIPv4), ip, tcp)
}

func TestDecodeRecord(t *testing.T) {
	ci := gopacket.CaptureInfo{Timestamp: t0}

	t.Run("tcp syn", func(t *testing.T) {
		frame := tcpSYNFrame(t)
		ci := ci
		ci.Length = len(frame)
		rec, err := DecodeRecord(frame, layers.LinkTypeEthernet, ci)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, types.ProtocolTCP, rec.Protocol)
		assert.Equal(t, netip.MustParseAddr("10.0.0.1"), rec.SrcAddr)
		assert.Equal(t, netip.MustParseAddr("192.168.1.10"), rec.DstAddr)
		assert.Equal(t, uint16(80), rec.TCP.DstPort)
		assert.True(t, rec.IsSYN())
		assert.False(t, rec.TCP.Flags.Has(types.FlagACK))
		assert.Equal(t, len(frame), rec.Size)
		assert.Equal(t, t0, rec.Timestamp)
	})

	t.Run("udp", func(t *testing.T) {
		ip := ipv4(layers.IPProtocolUDP)
		udp := &layers.UDP{SrcPort: 5353, DstPort: 53}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		frame := serialize(t, ethernet(layers.EthernetTypeIPv4), ip, udp, gopacket.Payload([]byte("query")))
		rec, err := DecodeRecord(frame, layers.LinkTypeEthernet, ci)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, types.ProtocolUDP, rec.Protocol)
		assert.Equal(t, uint16(53), rec.UDP.DstPort)
		assert.Equal(t, len(frame), rec.Size, "size falls back to frame length")
	})

	t.Run("icmp echo", func(t *testing.T) {
		icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 1, Seq: 1}
		frame := serialize(t, ethernet(layers.EthernetTypeIPv4), ipv4(layers.IPProtocolICMPv4), icmp)
		rec, err := DecodeRecord(frame, layers.LinkTypeEthernet, ci)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, types.ProtocolICMP, rec.Protocol)
		assert.Equal(t, uint8(layers.ICMPv4TypeEchoRequest), rec.ICMP.Type)
		_, hasPort := rec.DstPort()
		assert.False(t, hasPort)
	})

	t.Run("ipv6 tcp", func(t *testing.T) {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolTCP,
			SrcIP:      net.ParseIP("2001:db8::1"),
			DstIP:      net.ParseIP("2001:db8::2"),
		}
		tcp := &layers.TCP{SrcPort: 40000, DstPort: 443, ACK: true, PSH: true}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
		frame := serialize(t, ethernet(layers.EthernetTypeIPv6), ip, tcp)
		rec, err := DecodeRecord(frame, layers.LinkTypeEthernet, ci)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, netip.MustParseAddr("2001:db8::1"), rec.SrcAddr)
		assert.Equal(t, types.FlagACK|types.FlagPSH, rec.TCP.Flags)
	})

	t.Run("non ip skipped", func(t *testing.T) {
		arp := &layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPRequest,
			SourceHwAddress:   srcMAC,
			SourceProtAddress: []byte{10, 0, 0, 1},
			DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
			DstProtAddress:    []byte{10, 0, 0, 2},
		}
		frame := serialize(t, ethernet(layers.EthernetTypeARP), arp)
		rec, err := DecodeRecord(frame, layers.LinkTypeEthernet, ci)
		assert.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("other transport skipped", func(t *testing.T) {
		frame := serialize(t, ethernet(layers.EthernetTypeIPv4), ipv4(layers.IPProtocolGRE), gopacket.Payload([]byte{0, 0, 0x08, 0}))
		rec, err := DecodeRecord(frame, layers.LinkTypeEthernet, ci)
		assert.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("truncated tcp header", func(t *testing.T) {
		frame := tcpSYNFrame(t)
		// 以太网14字节 + IPv4 20字节 + 不完整的TCP头
		truncated := frame[:14+20+8]
		rec, err := DecodeRecord(truncated, layers.LinkTypeEthernet, ci)
		assert.Nil(t, rec)
		assert.ErrorIs(t, err, types.ErrMalformedRecord)
	})
}

func collect(t *testing.T, out <-chan *types.Packet) []*types.Packet {
	t.Helper()
	var got []*types.Packet
	timeout := time.After(5 * time.Second)
	for {
		select {
		case p, ok := <-out:
			if !ok {
				return got
			}
			got = append(got, p)
		case <-timeout:
			t.Fatal("processor did not finish")
		}
	}
}

func TestProtocolParserProcess(t *testing.T) {
	frame := tcpSYNFrame(t)
	preset := types.NewUDPRecord(t0, 100, netip.MustParseAddr("10.0.0.9"), netip.MustParseAddr("10.0.0.10"), types.UDPFields{DstPort: 53})

	in := make(chan *types.Packet, 4)
	in <- &types.Packet{ID: "syn", RawData: frame, LinkType: layers.LinkTypeEthernet, CaptureInfo: gopacket.CaptureInfo{Timestamp: t0}}
	in <- &types.Packet{ID: "short", RawData: frame[:40], LinkType: layers.LinkTypeEthernet}
	in <- &types.Packet{ID: "preset", Record: &preset}
	in <- nil
	close(in)

	parser := NewProtocolParser(8)
	assert.ErrorIs(t, parser.CheckReady(), types.ErrProcessorNotReady)

	var wg sync.WaitGroup
	out, err := parser.Process(context.Background(), in, &wg)
	require.NoError(t, err)
	require.NoError(t, parser.CheckReady())

	got := collect(t, out)
	wg.Wait()

	require.Len(t, got, 2)
	assert.Equal(t, "syn", got[0].ID)
	assert.True(t, got[0].Record.IsSYN())
	assert.Equal(t, "preset", got[1].ID)
	assert.Equal(t, uint64(2), parser.Metrics().ProcessedPackets)
	assert.Equal(t, uint64(1), parser.Metrics().DroppedPackets)
}

func TestDetectionProcessorForwardsVerdicts(t *testing.T) {
	opts := engine.DefaultOptions()
	opts.WindowSize = 2
	e := engine.New(opts)
	proc := NewDetectionProcessor(e)
	require.NoError(t, proc.CheckReady())

	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	in := make(chan *types.Packet, 8)
	for i := 0; i < 4; i++ {
		rec := types.NewTCPRecord(t0.Add(time.Duration(i)*time.Second), 60, src, dst, types.TCPFields{DstPort: 22, Flags: types.FlagACK})
		in <- &types.Packet{ID: string(rune('a' + i)), Record: &rec}
	}
	in <- &types.Packet{ID: "unparsed"}
	in <- &types.Packet{ID: "malformed", Record: &types.PacketRecord{Protocol: types.ProtocolTCP}}
	close(in)

	var wg sync.WaitGroup
	out, err := proc.Process(context.Background(), in, &wg)
	require.NoError(t, err)
	got := collect(t, out)
	wg.Wait()

	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "d", got[1].ID)
	for _, p := range got {
		require.NotNil(t, p.Verdict)
		assert.False(t, p.Verdict.Detected)
	}

	m := proc.Metrics()
	assert.Equal(t, uint64(4), m.ProcessedPackets)
	assert.Equal(t, uint64(2), m.DroppedPackets)
	assert.Equal(t, uint64(2), m.VerdictsEmitted)
	assert.Equal(t, uint64(4), e.Stats(0).Traffic.Total)
}
