// Package network is the cluster mesh: a libp2p host whose peers find
// each other through a rendezvous namespace derived from the cluster
// secret, with one signed-envelope session per remote peer.
package network

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	ic "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	p2pnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	ma "github.com/multiformats/go-multiaddr"

	"lnflock/internal/metrics"
	"lnflock/internal/proto"
)

const (
	ProtocolID        = protocol.ID("/lnflock/1.0.0")
	discoveryInterval = 15 * time.Second
	dialTimeout       = 10 * time.Second
)

// Handler receives mesh events. Message payloads have already passed
// signature and freshness verification.
type Handler interface {
	PeerUp(ctx context.Context, peerID string)
	PeerDown(ctx context.Context, peerID string)
	Message(ctx context.Context, peerID string, payload []byte)
}

type Config struct {
	Secret      string
	ListenAddrs []string
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Namespace derives the rendezvous topic from the cluster secret, so
// only holders of the secret co-locate.
func Namespace(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

type Mesh struct {
	log      *zap.Logger
	metrics  *metrics.Metrics
	secret   []byte
	ns       string
	host     host.Host
	dht      *dht.IpfsDHT
	mdns     mdns.Service
	ping     *ping.PingService
	sessions *Sessions
	handler  Handler

	runCtx context.Context
	cancel context.CancelFunc
}

// New builds the host with a fresh Ed25519 identity. The mesh identity
// is per-process; peers recognize each other by the cluster secret,
// not by stable mesh keys.
func New(cfg Config) (*Mesh, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("missing cluster secret")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	priv, _, err := ic.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}
	mesh := &Mesh{
		log:      log,
		metrics:  m,
		secret:   []byte(cfg.Secret),
		ns:       Namespace(cfg.Secret),
		host:     h,
		ping:     ping.NewPingService(h),
		sessions: NewSessions(),
	}
	return mesh, nil
}

// ID is the local mesh identity.
func (m *Mesh) ID() string {
	return m.host.ID().String()
}

// Start joins the rendezvous namespace and begins accepting sessions.
func (m *Mesh) Start(ctx context.Context, handler Handler, bootstrapAddrs []string) error {
	m.handler = handler
	m.runCtx, m.cancel = context.WithCancel(ctx)

	m.host.SetStreamHandler(ProtocolID, func(s p2pnet.Stream) {
		m.startSession(s)
	})

	kdht, err := dht.New(m.runCtx, m.host, dht.Mode(dht.ModeAutoServer))
	if err != nil {
		return fmt.Errorf("dht: %w", err)
	}
	m.dht = kdht
	m.connectBootstrap(bootstrapAddrs)
	if err := kdht.Bootstrap(m.runCtx); err != nil {
		m.log.Warn("dht bootstrap failed", zap.Error(err))
	}

	rd := drouting.NewRoutingDiscovery(kdht)
	dutil.Advertise(m.runCtx, rd, m.ns)
	go m.discoverLoop(rd)

	svc := mdns.NewMdnsService(m.host, mdnsServiceTag(m.ns), &mdnsNotifee{mesh: m})
	if err := svc.Start(); err != nil {
		m.log.Warn("mdns start failed", zap.Error(err))
	} else {
		m.mdns = svc
	}

	m.log.Info("mesh joined",
		zap.String("peerId", m.ID()),
		zap.String("namespace", m.ns[:16]))
	return nil
}

// mdnsServiceTag keeps the LAN advertisement keyed by the secret too.
func mdnsServiceTag(ns string) string {
	return "lnflock-" + ns[:16]
}

func (m *Mesh) connectBootstrap(addrs []string) {
	for _, raw := range addrs {
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			m.log.Warn("bad bootstrap addr", zap.String("addr", raw), zap.Error(err))
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			m.log.Warn("bad bootstrap addr", zap.String("addr", raw), zap.Error(err))
			continue
		}
		ctx, cancel := context.WithTimeout(m.runCtx, dialTimeout)
		if err := m.host.Connect(ctx, *info); err != nil {
			m.log.Warn("bootstrap connect failed", zap.String("addr", raw), zap.Error(err))
		}
		cancel()
	}
}

func (m *Mesh) discoverLoop(rd *drouting.RoutingDiscovery) {
	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()
	for {
		m.findPeers(rd)
		select {
		case <-m.runCtx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Mesh) findPeers(rd *drouting.RoutingDiscovery) {
	ctx, cancel := context.WithTimeout(m.runCtx, discoveryInterval)
	defer cancel()
	peers, err := rd.FindPeers(ctx, m.ns)
	if err != nil {
		m.log.Debug("find peers failed", zap.Error(err))
		return
	}
	for info := range peers {
		m.maybeDial(info)
	}
}

// maybeDial opens a session to a discovered peer unless one exists.
func (m *Mesh) maybeDial(info peer.AddrInfo) {
	if info.ID == m.host.ID() || len(info.Addrs) == 0 {
		return
	}
	if _, ok := m.sessions.Get(info.ID.String()); ok {
		return
	}
	ctx, cancel := context.WithTimeout(m.runCtx, dialTimeout)
	defer cancel()
	if err := m.host.Connect(ctx, info); err != nil {
		m.log.Debug("peer connect failed", zap.String("peer", info.ID.String()), zap.Error(err))
		return
	}
	s, err := m.host.NewStream(ctx, info.ID, ProtocolID)
	if err != nil {
		m.log.Debug("stream open failed", zap.String("peer", info.ID.String()), zap.Error(err))
		return
	}
	m.startSession(s)
}

// Send wraps payload in a signed envelope and writes it to the peer's
// session. Without a session the message is logged and dropped; there
// is no queueing.
func (m *Mesh) Send(peerID string, payload any) error {
	sess, ok := m.sessions.Get(peerID)
	if !ok {
		m.metrics.IncSendDropped()
		m.log.Info("no session for peer, message dropped", zap.String("peer", peerID))
		return nil
	}
	env, err := proto.Seal(m.secret, []byte(m.ID()), time.Now(), payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := sess.write(frame); err != nil {
		sess.teardown(fmt.Errorf("write: %w", err))
		return err
	}
	return nil
}

// Close leaves the rendezvous topic and closes every session.
func (m *Mesh) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	for _, s := range m.sessions.List() {
		s.teardown(fmt.Errorf("mesh shutdown"))
	}
	if m.mdns != nil {
		_ = m.mdns.Close()
	}
	if m.dht != nil {
		_ = m.dht.Close()
	}
	return m.host.Close()
}

type mdnsNotifee struct {
	mesh *Mesh
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	n.mesh.maybeDial(info)
}
