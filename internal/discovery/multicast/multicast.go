// Package multicast is the local-network discovery backend: announcements
// travel as UDP datagrams to an IPv4 multicast group.
package multicast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/gezibash/arc-mesh/internal/discovery"
	mesherr "github.com/gezibash/arc-mesh/pkg/errors"
)

const (
	KeyGroup     = "group"
	KeyPort      = "port"
	KeyInterface = "interface"
	KeyTTL       = "ttl"
	KeyLoopback  = "loopback"
	KeyExclusive = "exclusive"

	DefaultGroup = "239.255.42.99"
	DefaultPort  = 44201

	maxDatagram = 65507
)

func init() {
	discovery.Register("multicast", NewFactory, Defaults)
}

// Defaults returns the default configuration for the multicast backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyGroup:     DefaultGroup,
		KeyPort:      strconv.Itoa(DefaultPort),
		KeyInterface: "",
		KeyTTL:       "1",
		KeyLoopback:  "true",
		KeyExclusive: "false",
	}
}

// Config holds the multicast backend settings.
type Config struct {
	Group     string
	Port      int
	Interface string // empty selects the system default
	TTL       int
	Loopback  bool
	// Exclusive disables SO_REUSEADDR/SO_REUSEPORT, so a second process on
	// the same host fails with discovery.ErrBindConflict.
	Exclusive bool
}

// NewFactory creates a multicast backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (discovery.Backend, error) {
	cfg := Config{
		Group:     discovery.GetString(config, KeyGroup, DefaultGroup),
		Interface: discovery.GetString(config, KeyInterface, ""),
	}
	var err error
	if cfg.Port, err = discovery.GetInt(config, KeyPort, DefaultPort); err != nil {
		return nil, discovery.Field("multicast", err)
	}
	if cfg.TTL, err = discovery.GetInt(config, KeyTTL, 1); err != nil {
		return nil, discovery.Field("multicast", err)
	}
	if cfg.Loopback, err = discovery.GetBool(config, KeyLoopback, true); err != nil {
		return nil, discovery.Field("multicast", err)
	}
	if cfg.Exclusive, err = discovery.GetBool(config, KeyExclusive, false); err != nil {
		return nil, discovery.Field("multicast", err)
	}
	return New(cfg)
}

// Backend joins one multicast group.
type Backend struct {
	cfg   Config
	group *net.UDPAddr
	ifi   *net.Interface

	mu     sync.Mutex
	conn   net.PacketConn
	pc     *ipv4.PacketConn
	subs   map[int]func([]byte, discovery.Info)
	nextID int
	closed bool
	wg     sync.WaitGroup

	log *slog.Logger
}

// New validates cfg and returns an unbound backend.
func New(cfg Config) (*Backend, error) {
	ip := net.ParseIP(cfg.Group).To4()
	if ip == nil || !ip.IsMulticast() {
		return nil, discovery.NewConfigErrorWithValue("multicast", KeyGroup, cfg.Group, "must be an IPv4 multicast address")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, discovery.NewConfigErrorWithValue("multicast", KeyPort, strconv.Itoa(cfg.Port), "must be in 1..65535")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 1
	}

	b := &Backend{
		cfg:   cfg,
		group: &net.UDPAddr{IP: ip, Port: cfg.Port},
		subs:  make(map[int]func([]byte, discovery.Info)),
		log:   slog.Default().With("component", "discovery", "backend", "multicast"),
	}
	if cfg.Interface != "" {
		ifi, err := net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, discovery.NewConfigErrorWithValue("multicast", KeyInterface, cfg.Interface, err.Error())
		}
		b.ifi = ifi
	}
	return b, nil
}

func (b *Backend) Name() string { return "multicast" }

// Group returns the multicast destination.
func (b *Backend) Group() *net.UDPAddr { return b.group }

// Start binds the group port, joins the group and starts the read loop.
func (b *Backend) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("multicast: %w", mesherr.ErrClosed)
	}
	if b.conn != nil {
		return nil
	}

	lc := net.ListenConfig{}
	if !b.cfg.Exclusive {
		lc.Control = reuseControl
	}
	conn, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(b.cfg.Port)))
	if err != nil {
		return discovery.BindError(err)
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.JoinGroup(b.ifi, &net.UDPAddr{IP: b.group.IP}); err != nil {
		conn.Close()
		return fmt.Errorf("join group %s: %w", b.group.IP, err)
	}
	if b.ifi != nil {
		if err := pc.SetMulticastInterface(b.ifi); err != nil {
			conn.Close()
			return fmt.Errorf("set multicast interface: %w", err)
		}
	}
	if err := pc.SetMulticastTTL(b.cfg.TTL); err != nil {
		conn.Close()
		return fmt.Errorf("set multicast ttl: %w", err)
	}
	if err := pc.SetMulticastLoopback(b.cfg.Loopback); err != nil {
		conn.Close()
		return fmt.Errorf("set multicast loopback: %w", err)
	}

	b.conn = conn
	b.pc = pc
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.readLoop(pc)
	}()

	b.log.Info("joined multicast group", "group", b.group.String(), "ttl", b.cfg.TTL, "loopback", b.cfg.Loopback)
	return nil
}

func (b *Backend) readLoop(pc *ipv4.PacketConn) {
	buf := make([]byte, maxDatagram)
	for {
		n, _, src, err := pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			b.log.Debug("read datagram", "error", err)
			continue
		}

		payload := append([]byte(nil), buf[:n]...)
		info := discovery.Info{Backend: "multicast", ReceivedAt: time.Now()}
		if src != nil {
			info.Source = src.String()
		}

		b.mu.Lock()
		subs := make([]func([]byte, discovery.Info), 0, len(b.subs))
		for _, fn := range b.subs {
			subs = append(subs, fn)
		}
		b.mu.Unlock()

		for _, fn := range subs {
			fn(payload, info)
		}
	}
}

// Publish sends one datagram to the group.
func (b *Backend) Publish(_ context.Context, payload []byte) error {
	if len(payload) > maxDatagram {
		return fmt.Errorf("%w: announcement of %d bytes exceeds a datagram", mesherr.ErrInvalidInput, len(payload))
	}
	b.mu.Lock()
	pc := b.pc
	b.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("multicast: %w", mesherr.ErrNotConnected)
	}
	_, err := pc.WriteTo(payload, nil, b.group)
	return err
}

// Subscribe registers fn until ctx is done.
func (b *Backend) Subscribe(ctx context.Context, fn func([]byte, discovery.Info)) error {
	b.mu.Lock()
	if b.pc == nil {
		b.mu.Unlock()
		return fmt.Errorf("multicast: %w", mesherr.ErrNotConnected)
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = fn
	b.mu.Unlock()

	context.AfterFunc(ctx, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	})
	return nil
}

// Close leaves the group and stops the read loop.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn, pc := b.conn, b.pc
	b.subs = make(map[int]func([]byte, discovery.Info))
	b.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = pc.LeaveGroup(b.ifi, &net.UDPAddr{IP: b.group.IP})
	err := conn.Close()
	b.wg.Wait()
	return err
}
