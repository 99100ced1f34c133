package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/cfdp/limits"
	"github.com/opd-ai/cfdp/pdu"
	"github.com/sirupsen/logrus"
)

// UDPConfig configures a UDP binding.
type UDPConfig struct {
	// Name is the binding name remote entities refer to.
	Name string
	// Listen is the local address, for example ":4556".
	Listen string
	// Peers maps remote entity ids to "host:port" addresses.
	Peers map[pdu.EntityID]string
	// Key enables datagram sealing when non-empty. Both sides need the same
	// key.
	Key []byte
}

// UDP carries encoded PDUs in UDP datagrams, one PDU per datagram.
type UDP struct {
	name   string
	conn   net.PacketConn
	sealer *Sealer
	subs   subscribers

	mu    sync.RWMutex
	peers map[pdu.EntityID]net.Addr

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewUDP opens a UDP binding and starts its read loop.
func NewUDP(cfg UDPConfig) (*UDP, error) {
	conn, err := net.ListenPacket("udp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	u := &UDP{
		name:   cfg.Name,
		conn:   conn,
		peers:  make(map[pdu.EntityID]net.Addr),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if len(cfg.Key) > 0 {
		if u.sealer, err = NewSealer(cfg.Key); err != nil {
			conn.Close()
			cancel()
			return nil, err
		}
	}
	for id, addr := range cfg.Peers {
		if err := u.AddPeer(id, addr); err != nil {
			conn.Close()
			cancel()
			return nil, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewUDP",
		"binding":    cfg.Name,
		"local_addr": conn.LocalAddr().String(),
		"peers":      len(cfg.Peers),
		"sealed":     u.sealer != nil,
	}).Info("UDP binding listening")

	go u.processPackets()
	return u, nil
}

// AddPeer binds a remote entity id to an address.
func (u *UDP) AddPeer(id pdu.EntityID, address string) error {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return fmt.Errorf("resolve peer %d: %w", id, err)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.peers[id] = addr
	return nil
}

// Name returns the binding name.
func (u *UDP) Name() string { return u.name }

// LocalAddr returns the address the binding listens on.
func (u *UDP) LocalAddr() net.Addr { return u.conn.LocalAddr() }

// Register adds a subscriber for inbound PDUs.
func (u *UDP) Register(sub Subscriber) { u.subs.add(sub) }

// Request encodes p and sends it to the remote entity's address. Socket write
// failures are reported as rejections.
func (u *UDP) Request(p pdu.PDU) error {
	select {
	case <-u.ctx.Done():
		return ErrClosed
	default:
	}

	remote := RemoteOf(p)
	u.mu.RLock()
	addr, ok := u.peers[remote]
	u.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, remote)
	}

	data, err := pdu.Encode(p)
	if err != nil {
		return err
	}
	if u.sealer != nil {
		data = u.sealer.Seal(data)
	}
	if err := limits.ValidateDatagram(data); err != nil {
		return err
	}
	if _, err := u.conn.WriteTo(data, addr); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return nil
}

// Close stops the read loop and closes the socket.
func (u *UDP) Close() error {
	u.cancel()
	err := u.conn.Close()
	<-u.done
	return err
}

func (u *UDP) processPackets() {
	defer close(u.done)
	buffer := make([]byte, limits.MaxDatagram)
	for {
		select {
		case <-u.ctx.Done():
			return
		default:
			u.processIncomingPacket(buffer)
		}
	}
}

func (u *UDP) processIncomingPacket(buffer []byte) {
	_ = u.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	n, addr, err := u.conn.ReadFrom(buffer)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		if u.ctx.Err() == nil {
			logrus.WithFields(logrus.Fields{
				"function": "processIncomingPacket",
				"binding":  u.name,
				"error":    err.Error(),
			}).Warn("UDP read failed")
		}
		return
	}

	data := buffer[:n]
	if u.sealer != nil {
		if data, err = u.sealer.Open(data); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "processIncomingPacket",
				"binding":  u.name,
				"from":     addr.String(),
				"error":    err.Error(),
			}).Warn("Dropping unauthenticated datagram")
			return
		}
	}

	p, err := pdu.Decode(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "processIncomingPacket",
			"binding":  u.name,
			"from":     addr.String(),
			"error":    err.Error(),
		}).Warn("Dropping malformed PDU")
		return
	}
	u.subs.deliver(p)
}
