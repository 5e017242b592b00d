//go:build linux

package netflow

import (
	"encoding/binary"
	"fmt"
	"net"
	"syscall"
	"unsafe"
)

// NETLINK_SOCK_DIAG kernel ABI constants (from <linux/sock_diag.h> and
// <linux/inet_diag.h>). Never change.
const (
	netlinkSockDiag  = 4  // NETLINK_INET_DIAG
	sockDiagByFamily = 20 // SOCK_DIAG_BY_FAMILY

	afInet  = 2
	afInet6 = 10

	tcpDiagAll = 0xFFFFFFFF // idiag_states bitmask matching every TCP state

	ipprotoTCP = 6
	ipprotoUDP = 17
)

// inetDiagReqV2 mirrors struct inet_diag_req_v2.
type inetDiagReqV2 struct {
	Family   uint8
	Protocol uint8
	Ext      uint8
	Pad      uint8
	States   uint32
	ID       inetDiagSockID
}

// inetDiagSockID mirrors struct inet_diag_sockid.
type inetDiagSockID struct {
	SPort  [2]byte
	DPort  [2]byte
	Src    [4]uint32
	Dst    [4]uint32
	If     uint32
	Cookie [2]uint32
}

// inetDiagMsg mirrors struct inet_diag_msg.
type inetDiagMsg struct {
	Family  uint8
	State   uint8
	Timer   uint8
	Retrans uint8
	ID      inetDiagSockID
	Expires uint32
	RQueue  uint32
	WQueue  uint32
	UID     uint32
	Inode   uint32
}

var (
	reqSize = int(unsafe.Sizeof(inetDiagReqV2{}))
	msgSize = int(unsafe.Sizeof(inetDiagMsg{}))
)

var tcpStateNames = map[uint8]string{
	1: "established", 2: "syn_sent", 3: "syn_recv", 4: "fin_wait1",
	5: "fin_wait2", 6: "time_wait", 7: "close", 8: "close_wait",
	9: "last_ack", 10: "listen", 11: "closing",
}

// SockDiagEnumerator enumerates live TCP/UDP sockets (IPv4 and IPv6) via a
// single-shot NETLINK_SOCK_DIAG dump request per (family, protocol) pair.
type SockDiagEnumerator struct{}

// NewSockDiagEnumerator creates a SockDiagEnumerator.
func NewSockDiagEnumerator() *SockDiagEnumerator { return &SockDiagEnumerator{} }

// Enumerate lists every live TCP and UDP socket currently known to the
// kernel's inet_diag subsystem.
func (e *SockDiagEnumerator) Enumerate() ([]Connection, error) {
	var out []Connection
	for _, fam := range []uint8{afInet, afInet6} {
		for _, proto := range []uint8{ipprotoTCP, ipprotoUDP} {
			conns, err := queryConnections(fam, proto)
			if err != nil {
				continue // one family/protocol combination failing should not abort the rest
			}
			out = append(out, conns...)
		}
	}
	return out, nil
}

func queryConnections(family, protocol uint8) ([]Connection, error) {
	sock, err := syscall.Socket(syscall.AF_NETLINK, syscall.SOCK_RAW, netlinkSockDiag)
	if err != nil {
		return nil, fmt.Errorf("netflow: open NETLINK_SOCK_DIAG socket: %w", err)
	}
	defer syscall.Close(sock)

	if err := syscall.Bind(sock, &syscall.SockaddrNetlink{Family: syscall.AF_NETLINK}); err != nil {
		return nil, fmt.Errorf("netflow: bind NETLINK_SOCK_DIAG: %w", err)
	}

	req := inetDiagReqV2{Family: family, Protocol: protocol, States: tcpDiagAll}
	payload := (*[1 << 20]byte)(unsafe.Pointer(&req))[:reqSize:reqSize]

	hdr := syscall.NlMsghdr{
		Len:   uint32(syscall.SizeofNlMsghdr + reqSize),
		Type:  sockDiagByFamily,
		Flags: syscall.NLM_F_REQUEST | syscall.NLM_F_DUMP,
		Seq:   1,
	}
	hdrBytes := (*[syscall.SizeofNlMsghdr]byte)(unsafe.Pointer(&hdr))[:]

	msg := append(append([]byte(nil), hdrBytes...), payload...)
	if err := syscall.Sendto(sock, msg, 0, &syscall.SockaddrNetlink{Family: syscall.AF_NETLINK}); err != nil {
		return nil, fmt.Errorf("netflow: sendto: %w", err)
	}

	var conns []Connection
	buf := make([]byte, 16384)
	for {
		n, _, err := syscall.Recvfrom(sock, buf, 0)
		if err != nil {
			return conns, fmt.Errorf("netflow: recvfrom: %w", err)
		}
		done, parsed := parseDumpResponse(buf[:n], protocol)
		conns = append(conns, parsed...)
		if done {
			break
		}
	}
	return conns, nil
}

// parseDumpResponse walks one or more netlink messages in buf, returning
// every inet_diag_msg payload found and whether a NLMSG_DONE terminator was
// seen.
func parseDumpResponse(buf []byte, protocol uint8) (done bool, conns []Connection) {
	offset := 0
	for offset+syscall.SizeofNlMsghdr <= len(buf) {
		hdr := (*syscall.NlMsghdr)(unsafe.Pointer(&buf[offset]))
		msgLen := int(hdr.Len)
		if msgLen < syscall.SizeofNlMsghdr || offset+msgLen > len(buf) {
			break
		}

		switch hdr.Type {
		case syscall.NLMSG_DONE:
			return true, conns
		case syscall.NLMSG_ERROR:
			return true, conns
		default:
			body := buf[offset+syscall.SizeofNlMsghdr : offset+msgLen]
			if len(body) >= msgSize {
				diag := (*inetDiagMsg)(unsafe.Pointer(&body[0]))
				conns = append(conns, toConnection(diag, protocol))
			}
		}
		offset += align4(msgLen)
	}
	return false, conns
}

func align4(n int) int {
	return (n + 3) &^ 3
}

func toConnection(diag *inetDiagMsg, protocol uint8) Connection {
	protoName := "tcp"
	if protocol == ipprotoUDP {
		protoName = "udp"
	}
	family := "inet"
	if diag.Family == afInet6 {
		family = "inet6"
	}

	sport := binary.BigEndian.Uint16(diag.ID.SPort[:])
	dport := binary.BigEndian.Uint16(diag.ID.DPort[:])

	return Connection{
		Family:     family,
		Protocol:   protoName,
		LocalAddr:  ipFromWords(diag.ID.Src, diag.Family).String(),
		LocalPort:  sport,
		RemoteAddr: ipFromWords(diag.ID.Dst, diag.Family).String(),
		RemotePort: dport,
		State:      tcpStateNames[diag.State],
		Inode:      uint64(diag.Inode),
	}
}

func ipFromWords(words [4]uint32, family uint8) net.IP {
	if family == afInet {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, words[0])
		return net.IP(b)
	}
	b := make([]byte, 16)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(b[i*4:], words[i])
	}
	return net.IP(b)
}
