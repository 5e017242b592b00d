//go:build linux

package netflow

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"github.com/threatflux/edrcore/internal/event"
	"github.com/threatflux/edrcore/internal/sensor/dnsinspect"
)

const dnsPort = 53

// Capture is the promiscuous-mode packet-capture half of the Socket/Packet
// Sensor. It reads raw frames off an interface via AF_PACKET (no libpcap, no
// cgo) and emits a KindDNSQuery RawEvent for every UDP/53 query it decodes.
type Capture struct {
	logger *slog.Logger
	iface  string
	tp     *afpacket.TPacket

	events   chan event.RawEvent
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewCapture opens an AF_PACKET ring on iface in promiscuous mode. Requires
// CAP_NET_RAW (in practice, root).
func NewCapture(logger *slog.Logger, iface string) (*Capture, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(iface),
		afpacket.OptFrameSize(65536),
		afpacket.OptBlockSize(65536*8),
		afpacket.OptNumBlocks(8),
		afpacket.OptPollTimeout(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("netflow: open afpacket ring on %s: %w", iface, err)
	}

	return &Capture{
		logger: logger,
		iface:  iface,
		tp:     tp,
		events: make(chan event.RawEvent, 256),
		done:   make(chan struct{}),
	}, nil
}

// Events returns the channel on which decoded DNS query events are
// delivered.
func (c *Capture) Events() <-chan event.RawEvent { return c.events }

// Start begins the capture loop in a background goroutine.
func (c *Capture) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop halts capture and releases the ring buffer.
func (c *Capture) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		c.tp.Close()
		close(c.events)
	})
}

func (c *Capture) run() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, _, err := c.tp.ZeroCopyReadPacketData()
		if err != nil {
			continue // poll timeout or transient read error; keep spinning until Stop
		}

		c.handlePacket(data)
	}
}

func (c *Capture) handlePacket(data []byte) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)

	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok || (udp.DstPort != dnsPort && udp.SrcPort != dnsPort) {
		return
	}

	name, ok := dnsinspect.ExtractQueryName(udp.Payload)
	if !ok || name == "" {
		return
	}

	var remoteAddr string
	if ip4 := pkt.Layer(layers.LayerTypeIPv4); ip4 != nil {
		remoteAddr = ip4.(*layers.IPv4).DstIP.String()
	} else if ip6 := pkt.Layer(layers.LayerTypeIPv6); ip6 != nil {
		remoteAddr = ip6.(*layers.IPv6).DstIP.String()
	}

	ev := event.RawEvent{
		Kind:       event.KindDNSQuery,
		Timestamp:  time.Now(),
		QueryName:  name,
		RemoteAddr: remoteAddr,
		RemotePort: dnsPort,
		Protocol:   "udp",
	}

	select {
	case c.events <- ev:
	default:
		c.logger.Warn("netflow: dns event channel full, dropping")
	}
}
