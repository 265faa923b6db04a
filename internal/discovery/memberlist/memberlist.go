// Package memberlist is a gossip discovery backend: announcements ride the
// memberlist broadcast queue and recent ones are exchanged in push/pull
// state sync so joining nodes learn providers without waiting a tick.
package memberlist

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/memberlist"

	"github.com/gezibash/arc-mesh/internal/discovery"
	mesherr "github.com/gezibash/arc-mesh/pkg/errors"
	"github.com/gezibash/arc-mesh/pkg/logging"
)

const (
	KeyNodeName       = "node_name"
	KeyBindAddr       = "bind_addr"
	KeyBindPort       = "bind_port"
	KeyAdvertiseAddr  = "advertise_addr"
	KeyAdvertisePort  = "advertise_port"
	KeySeeds          = "seeds"
	KeyRetransmitMult = "retransmit_mult"

	DefaultBindPort = 7946

	// recentPayloads bounds what LocalState hands to push/pull sync.
	recentPayloads = 16
)

func init() {
	discovery.Register("memberlist", NewFactory, Defaults)
}

// Defaults returns the default configuration for the memberlist backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyNodeName:       "",
		KeyBindAddr:       "0.0.0.0",
		KeyBindPort:       strconv.Itoa(DefaultBindPort),
		KeyAdvertiseAddr:  "",
		KeyAdvertisePort:  "0",
		KeySeeds:          "",
		KeyRetransmitMult: "3",
	}
}

// Config holds gossip cluster configuration.
type Config struct {
	// NodeName is this process's unique name in the cluster (default: hostname-pid).
	NodeName string

	// BindAddr is the address to bind for gossip (default: "0.0.0.0").
	BindAddr string

	// BindPort 0 lets the OS pick a free port.
	BindPort int

	// AdvertiseAddr is the address to advertise to other nodes (for containers/NAT).
	AdvertiseAddr string

	// AdvertisePort is the port to advertise (0 = same as BindPort).
	AdvertisePort int

	// Seeds are the addresses of peers to join on startup.
	Seeds []string

	RetransmitMult int
}

// NewFactory creates a memberlist backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (discovery.Backend, error) {
	cfg := Config{
		NodeName:      discovery.GetString(config, KeyNodeName, ""),
		BindAddr:      discovery.GetString(config, KeyBindAddr, "0.0.0.0"),
		AdvertiseAddr: discovery.GetString(config, KeyAdvertiseAddr, ""),
		Seeds:         discovery.GetList(config, KeySeeds),
	}
	var err error
	if cfg.BindPort, err = discovery.GetInt(config, KeyBindPort, DefaultBindPort); err != nil {
		return nil, discovery.Field("memberlist", err)
	}
	if cfg.AdvertisePort, err = discovery.GetInt(config, KeyAdvertisePort, 0); err != nil {
		return nil, discovery.Field("memberlist", err)
	}
	if cfg.RetransmitMult, err = discovery.GetInt(config, KeyRetransmitMult, 3); err != nil {
		return nil, discovery.Field("memberlist", err)
	}
	return New(cfg)
}

// Backend gossips announcements across a memberlist cluster.
type Backend struct {
	config     Config
	localName  string
	broadcasts *memberlist.TransmitLimitedQueue
	recent     *lru.Cache[string, []byte]
	pings      *pingDelegate
	delegate   *delegate
	events     *eventDelegate

	mu     sync.Mutex
	list   *memberlist.Memberlist
	subs   map[int]func([]byte, discovery.Info)
	nextID int
	closed bool

	log *slog.Logger
}

// MemberInfo describes a cluster member.
type MemberInfo struct {
	Name    string
	Addr    string
	Status  string
	RTT     time.Duration
	IsLocal bool
}

// New prepares a backend. The cluster is created and joined on Start.
func New(cfg Config) (*Backend, error) {
	if cfg.NodeName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("get hostname: %w", err)
		}
		cfg.NodeName = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "0.0.0.0"
	}
	if cfg.RetransmitMult <= 0 {
		cfg.RetransmitMult = 3
	}

	recent, err := lru.New[string, []byte](recentPayloads)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		config:     cfg,
		localName:  cfg.NodeName,
		broadcasts: &memberlist.TransmitLimitedQueue{RetransmitMult: cfg.RetransmitMult},
		recent:     recent,
		pings:      newPingDelegate(),
		subs:       make(map[int]func([]byte, discovery.Info)),
		log:        slog.Default().With("component", "discovery", "backend", "memberlist"),
	}
	b.delegate = &delegate{backend: b}
	b.events = &eventDelegate{log: b.log}
	return b, nil
}

func (b *Backend) Name() string { return "memberlist" }

// LocalName returns this node's name.
func (b *Backend) LocalName() string { return b.localName }

// Start creates the memberlist and joins the configured seeds. A partial
// join is logged, not fatal.
func (b *Backend) Start(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("memberlist: %w", mesherr.ErrClosed)
	}
	if b.list != nil {
		return nil
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = b.config.NodeName
	mlConfig.BindAddr = b.config.BindAddr
	mlConfig.BindPort = b.config.BindPort
	if b.config.AdvertiseAddr != "" {
		mlConfig.AdvertiseAddr = b.config.AdvertiseAddr
	}
	if b.config.AdvertisePort != 0 {
		mlConfig.AdvertisePort = b.config.AdvertisePort
	}
	mlConfig.Delegate = b.delegate
	mlConfig.Events = b.events
	mlConfig.Ping = b.pings
	mlConfig.LogOutput = &logging.Writer{
		Log: logging.New(nil).WithComponent("memberlist"),
	}

	list, err := memberlist.Create(mlConfig)
	if err != nil {
		return fmt.Errorf("create memberlist: %w", discovery.BindError(err))
	}
	b.broadcasts.NumNodes = list.NumMembers
	b.list = list

	if len(b.config.Seeds) > 0 {
		n, err := list.Join(b.config.Seeds)
		if err != nil {
			b.log.Warn("partial join", "joined", n, "seeds", b.config.Seeds, "error", err)
		} else {
			b.log.Info("joined cluster", "joined", n, "seeds", b.config.Seeds)
		}
	}

	b.log.Info("gossip started",
		"name", b.localName,
		"bind", list.LocalNode().Address(),
		"members", list.NumMembers(),
	)
	return nil
}

// Addr returns the address other nodes should use as a seed.
func (b *Backend) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.list == nil {
		return ""
	}
	return b.list.LocalNode().Address()
}

// Join adds peers to the cluster at runtime.
func (b *Backend) Join(peers []string) (int, error) {
	b.mu.Lock()
	list := b.list
	b.mu.Unlock()
	if list == nil {
		return 0, fmt.Errorf("memberlist: %w", mesherr.ErrNotConnected)
	}
	return list.Join(peers)
}

// Publish queues payload for gossip and delivers it locally. Identical
// payloads replace each other in the queue.
func (b *Backend) Publish(_ context.Context, payload []byte) error {
	b.mu.Lock()
	started := b.list != nil
	b.mu.Unlock()
	if !started {
		return fmt.Errorf("memberlist: %w", mesherr.ErrNotConnected)
	}

	key := payloadKey(b.localName, payload)
	data := append([]byte(nil), payload...)
	b.recent.Add(key, data)
	b.broadcasts.QueueBroadcast(&broadcast{key: key, data: encodeMessage(b.localName, data)})
	b.deliver(data, b.localName)
	return nil
}

// Subscribe registers fn until ctx is done.
func (b *Backend) Subscribe(ctx context.Context, fn func([]byte, discovery.Info)) error {
	b.mu.Lock()
	if b.list == nil {
		b.mu.Unlock()
		return fmt.Errorf("memberlist: %w", mesherr.ErrNotConnected)
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

func (b *Backend) deliver(payload []byte, source string) {
	b.mu.Lock()
	subs := make([]func([]byte, discovery.Info), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	info := discovery.Info{Backend: "memberlist", Source: source, ReceivedAt: time.Now()}
	for _, fn := range subs {
		fn(payload, info)
	}
}

// Members returns information about all cluster members.
func (b *Backend) Members() []MemberInfo {
	b.mu.Lock()
	list := b.list
	b.mu.Unlock()
	if list == nil {
		return nil
	}

	members := list.Members()
	infos := make([]MemberInfo, 0, len(members))
	for _, m := range members {
		info := MemberInfo{
			Name:    m.Name,
			Addr:    m.Address(),
			Status:  memberStatusString(m.State),
			IsLocal: m.Name == b.localName,
		}
		if !info.IsLocal {
			info.RTT = b.pings.RTT(m.Name)
		}
		infos = append(infos, info)
	}
	return infos
}

// Close leaves the cluster and shuts memberlist down.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	list := b.list
	b.subs = make(map[int]func([]byte, discovery.Info))
	b.mu.Unlock()

	if list == nil {
		return nil
	}
	if err := list.Leave(5 * time.Second); err != nil {
		b.log.Warn("leave failed during close", "error", err)
	}
	return list.Shutdown()
}

func payloadKey(node string, payload []byte) string {
	h := fnv.New64a()
	h.Write(payload)
	return node + "/" + strconv.FormatUint(h.Sum64(), 16)
}

func memberStatusString(state memberlist.NodeStateType) string {
	switch state {
	case memberlist.StateAlive:
		return "alive"
	case memberlist.StateSuspect:
		return "suspect"
	case memberlist.StateDead:
		return "dead"
	case memberlist.StateLeft:
		return "left"
	default:
		return "unknown"
	}
}

// broadcast implements memberlist.Broadcast.
type broadcast struct {
	key  string
	data []byte
}

func (b *broadcast) Invalidates(other memberlist.Broadcast) bool {
	ob, ok := other.(*broadcast)
	if !ok {
		return false
	}
	return b.key == ob.key
}

func (b *broadcast) Message() []byte {
	return b.data
}

func (b *broadcast) Finished() {}
