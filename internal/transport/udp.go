package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	sockaddr "github.com/hashicorp/go-sockaddr"
	"go.uber.org/zap"

	"github.com/tactlink/tactlink/internal/errors"
	"github.com/tactlink/tactlink/internal/util"
)

// maxFrameSize bounds reads; every protocol frame is far smaller.
const maxFrameSize = 64

// UDPTransport sends and receives frames over unicast UDP. It is the
// connectionless-wireless analog used when two nodes share an IP network.
type UDPTransport struct {
	conn      *net.UDPConn
	advertise string
	logger    *zap.Logger

	mu    sync.Mutex
	peers map[string]*net.UDPAddr // resolved address cache
}

// NewUDPTransport binds a UDP socket on bindAddr:port. advertiseAddr,
// when set, overrides the address gossiped to peers; a wildcard bind
// must not be advertised as-is, since peers resolving 0.0.0.0 would
// send frames to themselves.
func NewUDPTransport(bindAddr, advertiseAddr string, port int, logger *zap.Logger) (*UDPTransport, error) {
	laddr := &net.UDPAddr{IP: net.ParseIP(bindAddr), Port: port}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind udp transport: %w", err)
	}

	advertise := advertiseAddr
	if advertise == "" {
		host := bindAddr
		if ip := net.ParseIP(bindAddr); ip == nil || ip.IsUnspecified() {
			if private, err := sockaddr.GetPrivateIP(); err == nil && private != "" {
				host = private
			} else {
				host = "127.0.0.1"
			}
		}
		boundPort := conn.LocalAddr().(*net.UDPAddr).Port
		advertise = net.JoinHostPort(host, strconv.Itoa(boundPort))
	}

	return &UDPTransport{
		conn:      conn,
		advertise: advertise,
		logger:    logger,
		peers:     make(map[string]*net.UDPAddr),
	}, nil
}

// SendBeacon implements Adapter. The timestamp is taken immediately before
// the write so the sample path sees the smallest possible send-side bias.
func (t *UDPTransport) SendBeacon(ctx context.Context, addr string, payload []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.TransportClosed(err)
	}
	raddr, err := t.resolve(addr)
	if err != nil {
		return 0, errors.InvalidArgument(fmt.Sprintf("bad peer address %q", addr), err)
	}
	sendMicros := util.NowMicros()
	if _, err := t.conn.WriteToUDP(payload, raddr); err != nil {
		return 0, errors.TransportClosed(err)
	}
	return sendMicros, nil
}

// ReceiveBeacon implements Adapter. The receive timestamp is taken the
// moment ReadFromUDP returns, before any decode work.
func (t *UDPTransport) ReceiveBeacon(ctx context.Context, timeout time.Duration) (Packet, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return Packet{}, errors.TransportClosed(err)
	}

	buf := make([]byte, maxFrameSize)
	n, raddr, err := t.conn.ReadFromUDP(buf)
	recvMicros := util.NowMicros()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return Packet{}, errors.ExchangeTimeout("", err)
		}
		return Packet{}, errors.TransportClosed(err)
	}
	return Packet{
		From:       raddr.String(),
		Payload:    buf[:n],
		RecvMicros: recvMicros,
	}, nil
}

// LocalAddr implements Adapter. This is the address peers are told to
// reply to, which under a wildcard bind differs from the socket's own.
func (t *UDPTransport) LocalAddr() string {
	return t.advertise
}

// Close implements Adapter.
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}

func (t *UDPTransport) resolve(addr string) (*net.UDPAddr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cached, ok := t.peers[addr]; ok {
		return cached, nil
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	t.peers[addr] = raddr
	return raddr, nil
}
