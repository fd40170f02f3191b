package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	libp2pprotocol "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"

	"github.com/neurogrid/zerocopy/pkg/nic"
	"github.com/neurogrid/zerocopy/pkg/pool"
	"github.com/neurogrid/zerocopy/pkg/protocol"
	"github.com/neurogrid/zerocopy/pkg/region"
)

const (
	// ServiceTag for mDNS discovery
	ServiceTag = "neurogrid-zerocopy"

	// Default timeouts
	DefaultOpenTimeout = 5 * time.Second

	// MaxSegment bounds the data carried by one segment frame.
	MaxSegment = 1 << 20

	// DefaultMaxRegion bounds the receiving region a peer may ask for.
	DefaultMaxRegion = 64 << 20
)

var ErrRefused = errors.New("peer refused region")

// P2PNode opens stream regions to libp2p peers and accepts regions they
// open.
type P2PNode struct {
	host   host.Host
	logger log.Logger
	opts   nic.Options
	cfg    P2PConfig
	accept func(*nic.Stream)

	peers   map[peer.ID]*PeerState
	peersMu sync.RWMutex

	regions   map[*nic.Stream]struct{}
	regionsMu sync.Mutex
	regionIDs atomic.Uint32

	ctx      context.Context
	cancel   context.CancelFunc
	reqIDGen atomic.Uint64
	wg       sync.WaitGroup
}

// PeerState tracks state of a connected peer.
type PeerState struct {
	ID        peer.ID
	Addrs     []multiaddr.Multiaddr
	LastSeen  time.Time
	Stats     protocol.Stats
	Connected bool
}

// P2PConfig holds P2P node configuration.
type P2PConfig struct {
	ListenPort     int
	EnableMDNS     bool
	BootstrapPeers []string // Multiaddrs of bootstrap peers
	ExternalIP     string   // External/public IP to announce (optional)
	MaxRegion      uint64   // Largest receiving region a peer may open
}

// NewP2PNode creates a libp2p host speaking the segment protocol. Regions
// opened by peers are handed to accept; a nil accept refuses them.
func NewP2PNode(ctx context.Context, logger log.Logger, cfg P2PConfig, opts nic.Options, accept func(*nic.Stream)) (*P2PNode, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.MaxRegion == 0 {
		cfg.MaxRegion = DefaultMaxRegion
	}
	opts.Logger = logger

	listenAddr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort))
	if err != nil {
		return nil, errors.Wrap(err, "invalid listen address")
	}

	libp2pOpts := []libp2p.Option{
		libp2p.ListenAddrs(listenAddr),
	}

	// If external IP is specified, announce it
	if cfg.ExternalIP != "" {
		externalAddr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%d", cfg.ExternalIP, cfg.ListenPort))
		if err != nil {
			return nil, errors.Wrap(err, "invalid external address")
		}
		libp2pOpts = append(libp2pOpts, libp2p.AddrsFactory(func(addrs []multiaddr.Multiaddr) []multiaddr.Multiaddr {
			return append(addrs, externalAddr)
		}))
		level.Info(logger).Log("msg", "announcing external address", "addr", externalAddr)
	}

	h, err := libp2p.New(libp2pOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create host")
	}

	nodeCtx, cancel := context.WithCancel(ctx)
	node := &P2PNode{
		host:    h,
		logger:  log.With(logger, "peer", h.ID()),
		opts:    opts,
		cfg:     cfg,
		accept:  accept,
		peers:   make(map[peer.ID]*PeerState),
		regions: make(map[*nic.Stream]struct{}),
		ctx:     nodeCtx,
		cancel:  cancel,
	}

	h.SetStreamHandler(libp2pprotocol.ID(protocol.ProtocolID), node.handleStream)

	if cfg.EnableMDNS {
		notifee := &discoveryNotifee{node: node}
		mdnsService := mdns.NewMdnsService(h, ServiceTag, notifee)
		if err := mdnsService.Start(); err != nil {
			level.Warn(node.logger).Log("msg", "mDNS start failed", "err", err)
		}
	}

	for _, addr := range cfg.BootstrapPeers {
		if err := node.ConnectPeer(ctx, addr); err != nil {
			level.Warn(node.logger).Log("msg", "failed to connect to bootstrap peer", "addr", addr, "err", err)
		}
	}

	for _, addr := range h.Addrs() {
		level.Info(node.logger).Log("msg", "p2p node listening", "addr", fmt.Sprintf("%s/p2p/%s", addr, h.ID()))
	}

	return node, nil
}

// ConnectPeer connects to a peer by multiaddr and adds it to the peer list.
func (n *P2PNode) ConnectPeer(ctx context.Context, addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return err
	}

	pi, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return err
	}

	if err := n.host.Connect(ctx, *pi); err != nil {
		return err
	}
	n.addPeer(*pi)
	return nil
}

func (n *P2PNode) addPeer(pi peer.AddrInfo) {
	n.peersMu.Lock()
	n.peers[pi.ID] = &PeerState{
		ID:        pi.ID,
		Addrs:     pi.Addrs,
		LastSeen:  time.Now(),
		Connected: true,
	}
	n.peersMu.Unlock()

	level.Info(n.logger).Log("msg", "connected to peer", "remote", pi.ID)
}

// segmentConn is the transmit side of a P2P stream region. Each write is
// split into segment frames.
type segmentConn struct {
	s   network.Stream
	mu  sync.Mutex
	seq uint64
}

func (c *segmentConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	written := 0
	for written < len(b) {
		end := min(written+MaxSegment, len(b))
		c.seq++
		if err := protocol.WriteMessage(c.s, protocol.MsgSegment, c.seq, protocol.Segment{Seq: c.seq, Data: b[written:end]}); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

func (c *segmentConn) Close() error {
	c.mu.Lock()
	seq := c.seq
	c.mu.Unlock()
	_ = protocol.WriteMessage(c.s, protocol.MsgClose, seq, protocol.CloseNotification{LastSeq: seq})
	return c.s.Close()
}

// OpenRegion asks pid for a receiving region of size bytes and returns a
// local stream region of the same size wired to it. Bytes transmitted from
// the returned region land in the peer's region, and the other way round.
func (n *P2PNode) OpenRegion(ctx context.Context, pid peer.ID, size uint64) (*nic.Stream, error) {
	s, err := n.host.NewStream(ctx, pid, libp2pprotocol.ID(protocol.ProtocolID))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open stream")
	}

	reqID := n.reqIDGen.Add(1)
	if err := protocol.WriteMessage(s, protocol.MsgOpen, reqID, protocol.OpenRequest{Size: size, Kind: region.NetStream.String()}); err != nil {
		s.Reset()
		return nil, errors.Wrap(err, "failed to write open")
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetReadDeadline(deadline)
	} else {
		_ = s.SetReadDeadline(time.Now().Add(DefaultOpenTimeout))
	}
	header, payload, err := protocol.ReadMessage(s)
	_ = s.SetReadDeadline(time.Time{})
	if err != nil {
		s.Reset()
		return nil, errors.Wrap(err, "failed to read open ack")
	}
	var resp protocol.OpenResponse
	if header.Type != protocol.MsgOpenAck || protocol.DecodePayload(payload, &resp) != nil {
		s.Reset()
		return nil, errors.Errorf("unexpected %s reply to open", header.Type)
	}
	if !resp.Accepted {
		s.Close()
		return nil, errors.Wrapf(ErrRefused, "%s: %s", pid, resp.Error)
	}

	st, err := n.attach(s, size)
	if err != nil {
		s.Reset()
		return nil, err
	}
	level.Debug(n.logger).Log("msg", "opened remote region", "remote", pid, "region", resp.RegionID, "size", size)
	return st, nil
}

func (n *P2PNode) attach(s network.Stream, size uint64) (*nic.Stream, error) {
	opts := n.opts
	opts.Endpoint = endpointOfPeer(s)
	st, err := nic.NewStream(size, &segmentConn{s: s}, opts)
	if err != nil {
		return nil, err
	}

	n.regionsMu.Lock()
	n.regions[st] = struct{}{}
	n.regionsMu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			n.regionsMu.Lock()
			delete(n.regions, st)
			n.regionsMu.Unlock()
		}()
		n.readSegments(s, st)
	}()
	return st, nil
}

// readSegments deposits segment frames into st until the peer closes the
// stream or st is closed.
func (n *P2PNode) readSegments(s network.Stream, st *nic.Stream) {
	remote := s.Conn().RemotePeer()
	for {
		header, payload, err := protocol.ReadMessage(s)
		if err != nil {
			if !st.Closed() && !isEOF(err) {
				level.Warn(n.logger).Log("msg", "segment stream failed", "remote", remote, "err", err)
			}
			st.Close()
			return
		}

		switch header.Type {
		case protocol.MsgSegment:
			var seg protocol.Segment
			if err := protocol.DecodePayload(payload, &seg); err != nil {
				level.Warn(n.logger).Log("msg", "bad segment", "remote", remote, "err", err)
				continue
			}
			if _, err := st.Deliver(seg.Data); err != nil {
				if errors.Is(err, nic.ErrClosed) {
					return
				}
				level.Debug(n.logger).Log("msg", "segment not deposited", "remote", remote, "seq", seg.Seq, "err", err)
			}
		case protocol.MsgSegmentAck:
			// Acks are advisory; counters already reflect what was sent.
		case protocol.MsgClose:
			level.Debug(n.logger).Log("msg", "peer closed region", "remote", remote)
			st.Close()
			return
		default:
			level.Warn(n.logger).Log("msg", "unexpected message on segment stream", "remote", remote, "type", header.Type)
		}
	}
}

// handleStream processes incoming streams.
func (n *P2PNode) handleStream(s network.Stream) {
	header, payload, err := protocol.ReadMessage(s)
	if err != nil {
		level.Warn(n.logger).Log("msg", "error reading message", "remote", s.Conn().RemotePeer(), "err", err)
		s.Reset()
		return
	}

	switch header.Type {
	case protocol.MsgOpen:
		n.handleOpen(s, header, payload)
	case protocol.MsgPing:
		n.handlePing(s, header, payload)
		s.Close()
	default:
		level.Warn(n.logger).Log("msg", "unknown message type", "type", header.Type)
		s.Reset()
	}
}

func (n *P2PNode) handleOpen(s network.Stream, header protocol.Header, payload []byte) {
	var req protocol.OpenRequest
	if err := protocol.DecodePayload(payload, &req); err != nil {
		s.Reset()
		return
	}

	refuse := func(reason string) {
		_ = protocol.WriteMessage(s, protocol.MsgOpenAck, header.RequestID, protocol.OpenResponse{Error: reason})
		s.Close()
	}
	switch {
	case n.accept == nil:
		refuse("not accepting regions")
		return
	case req.Size == 0 || req.Size > n.cfg.MaxRegion:
		refuse(fmt.Sprintf("size %d outside (0, %d]", req.Size, n.cfg.MaxRegion))
		return
	}

	st, err := n.attach(s, req.Size)
	if err != nil {
		refuse(err.Error())
		return
	}
	id := n.regionIDs.Add(1)
	if err := protocol.WriteMessage(s, protocol.MsgOpenAck, header.RequestID, protocol.OpenResponse{Accepted: true, RegionID: id}); err != nil {
		st.Release()
		return
	}
	level.Debug(n.logger).Log("msg", "accepted region", "remote", s.Conn().RemotePeer(), "region", id, "size", req.Size)
	n.accept(st)
}

func (n *P2PNode) handlePing(s network.Stream, header protocol.Header, payload []byte) {
	var req protocol.PingRequest
	if err := protocol.DecodePayload(payload, &req); err != nil {
		return
	}

	resp := protocol.PongResponse{
		SentAt:     req.SentAt,
		ReceivedAt: time.Now().UnixNano(),
		Stats:      n.Stats(),
	}

	protocol.WriteMessage(s, protocol.MsgPong, header.RequestID, resp)
}

// Ping measures the round trip to pid and records the peer's region
// counters.
func (n *P2PNode) Ping(ctx context.Context, pid peer.ID) (time.Duration, protocol.Stats, error) {
	s, err := n.host.NewStream(ctx, pid, libp2pprotocol.ID(protocol.ProtocolID))
	if err != nil {
		return 0, protocol.Stats{}, errors.Wrap(err, "failed to open stream")
	}
	defer s.Close()

	start := time.Now()
	if err := protocol.WriteMessage(s, protocol.MsgPing, n.reqIDGen.Add(1), protocol.PingRequest{SentAt: start.UnixNano()}); err != nil {
		return 0, protocol.Stats{}, errors.Wrap(err, "failed to write ping")
	}

	type reply struct {
		header  protocol.Header
		payload []byte
		err     error
	}
	replies := make(chan reply, 1)
	go func() {
		h, p, err := protocol.ReadMessage(s)
		replies <- reply{h, p, err}
	}()

	var r reply
	select {
	case r = <-replies:
	case <-ctx.Done():
		s.Reset()
		return 0, protocol.Stats{}, ctx.Err()
	}
	if r.err != nil {
		return 0, protocol.Stats{}, errors.Wrap(r.err, "failed to read pong")
	}
	var pong protocol.PongResponse
	if r.header.Type != protocol.MsgPong || protocol.DecodePayload(r.payload, &pong) != nil {
		return 0, protocol.Stats{}, errors.Errorf("unexpected %s reply to ping", r.header.Type)
	}
	rtt := time.Since(start)

	n.peersMu.Lock()
	if p, ok := n.peers[pid]; ok {
		p.LastSeen = time.Now()
		p.Stats = pong.Stats
	}
	n.peersMu.Unlock()
	return rtt, pong.Stats, nil
}

// Stats sums the counters of the node's live regions.
func (n *P2PNode) Stats() protocol.Stats {
	n.regionsMu.Lock()
	defer n.regionsMu.Unlock()

	out := protocol.Stats{Regions: int64(len(n.regions))}
	for st := range n.regions {
		s := st.Stats()
		out.BytesReceived += s.BytesReceived
		out.BytesSent += s.BytesSent
	}
	return out
}

// Peers returns list of connected peers.
func (n *P2PNode) Peers() []PeerState {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]PeerState, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, *p)
	}
	return peers
}

// Close shuts down the node and waits for segment readers to exit.
func (n *P2PNode) Close() error {
	n.cancel()
	err := n.host.Close()
	n.wg.Wait()
	return err
}

// Constructor returns a pool constructor that opens a region on pid for
// every allocation.
func (n *P2PNode) Constructor(ctx context.Context, pid peer.ID) pool.Constructor {
	return pool.As(func(size uint64) (*nic.Stream, error) {
		return n.OpenRegion(ctx, pid, size)
	})
}

// Host returns the underlying libp2p host.
func (n *P2PNode) Host() host.Host {
	return n.host
}

// Addr returns the first dialable address of the node including its peer id.
func (n *P2PNode) Addr() string {
	addrs := n.host.Addrs()
	if len(addrs) == 0 {
		return ""
	}
	return fmt.Sprintf("%s/p2p/%s", addrs[0], n.host.ID())
}

// discoveryNotifee handles mDNS discovery.
type discoveryNotifee struct {
	node *P2PNode
}

func (d *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == d.node.host.ID() {
		return
	}
	level.Debug(d.node.logger).Log("msg", "discovered peer", "remote", pi.ID)

	if err := d.node.host.Connect(d.node.ctx, pi); err != nil {
		level.Warn(d.node.logger).Log("msg", "failed to connect to discovered peer", "remote", pi.ID, "err", err)
		return
	}
	d.node.addPeer(pi)
}

// endpointOfPeer describes the remote side of s. The address is the peer id
// since libp2p connections may migrate between transports.
func endpointOfPeer(s network.Stream) nic.Endpoint {
	return nic.Endpoint{Protocol: nic.P2P, Address: s.Conn().RemotePeer().String()}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, network.ErrReset)
}
