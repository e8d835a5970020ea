package dht

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/kjartan-berg/dhtcrawl/ratelimit"
)

// BootstrapRounds is the number of find_node rounds sent to the well-known
// bootstrap nodes before the engine settles into purely reactive behaviour.
const BootstrapRounds = 6

// bootstrapAddrs are the well-known routers that seed the Sybil node into
// the swarm. Once real nodes start pushing traffic our way, bootstrapping
// further is unnecessary: we never maintain a routing table to refresh.
var bootstrapAddrs = []string{
	"router.bittorrent.com:6881",
	"dht.transmissionbt.com:6881",
	"router.utorrent.com:6881",
}

// Announcement is a (peer, infohash) pair extracted from a validated
// announce_peer query (§4.E).
type Announcement struct {
	Peer     *net.UDPAddr
	InfoHash [20]byte
}

// Engine is the listening half of the Mainline DHT: a single UDP socket, a
// Sybil identity, and a dispatch table with no Kademlia routing table
// behind it.
type Engine struct {
	conn    *net.UDPConn
	localID NodeID
	secret  [20]byte

	outbound *ratelimit.Limiter
	log      zerolog.Logger

	announce chan Announcement

	wg sync.WaitGroup
}

// New creates an Engine bound to conn, rate-limiting every find_node it
// sends in reaction to an inbound nodes list through outbound.
func New(conn *net.UDPConn, outbound *ratelimit.Limiter, log zerolog.Logger) (*Engine, error) {
	id, err := GenerateNodeID()
	if err != nil {
		return nil, errors.Wrap(err, "dht: generating local node id")
	}
	var secret [20]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, errors.Wrap(err, "dht: generating token secret")
	}
	return &Engine{
		conn:     conn,
		localID:  id,
		secret:   secret,
		outbound: outbound,
		log:      log.With().Str("component", "dht").Logger(),
		announce: make(chan Announcement, 2),
	}, nil
}

// Announcements returns the channel of validated announce_peer events. It is
// closed once Run returns.
func (e *Engine) Announcements() <-chan Announcement {
	return e.announce
}

// Run drives the receive loop and the bootstrap loop until ctx is cancelled
// or the socket fails. It blocks until both loops exit.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.announce)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		readErr <- e.readLoop(ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.bootstrapLoop(ctx)
	}()

	select {
	case <-ctx.Done():
		e.conn.Close()
		e.wg.Wait()
		return nil
	case err := <-readErr:
		cancel()
		e.wg.Wait()
		return err
	}
}

// Close releases the underlying socket.
func (e *Engine) Close() error {
	return e.conn.Close()
}

func (e *Engine) readLoop(ctx context.Context) error {
	buf := make([]byte, 2048)
	for {
		if err := e.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return errors.Wrap(err, "dht: setting read deadline")
		}
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return errors.Wrap(err, "dht: reading from socket")
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		go e.handlePacket(packet, addr)
	}
}

func (e *Engine) handlePacket(packet []byte, addr *net.UDPAddr) {
	msg, err := DecodeMessage(packet)
	if err != nil {
		e.log.Debug().Err(err).Str("addr", addr.String()).Msg("dropping malformed krpc packet")
		return
	}

	switch msg.Type {
	case TypeQuery:
		e.handleQuery(msg, addr)
	case TypeResponse:
		e.handleResponse(msg)
	case TypeError:
		e.log.Debug().Str("addr", addr.String()).Int64("code", msg.ErrorCode).Str("message", msg.ErrorMessage).Msg("peer returned krpc error")
	}
}

func (e *Engine) handleQuery(msg *Message, addr *net.UDPAddr) {
	switch msg.Query {
	case MethodPing:
		senderID, err := msg.ExtractNodeID()
		if err != nil {
			return
		}
		e.send(EncodePingResponse(msg.TransactionID, NeighborID(senderID, e.localID)), addr)

	case MethodFindNode:
		senderID, err := msg.ExtractNodeID()
		if err != nil {
			return
		}
		e.send(EncodeFindNodeResponse(msg.TransactionID, NeighborID(senderID, e.localID), nil), addr)

	case MethodGetPeers:
		infohash, ok := e.argBytes(msg, "info_hash", 20)
		if !ok {
			return
		}
		var hash NodeID
		copy(hash[:], infohash)
		token := e.makeToken(addr)
		e.send(EncodeGetPeersResponse(msg.TransactionID, NeighborID(hash, e.localID), token, nil), addr)

	case MethodAnnouncePeer:
		e.handleAnnounce(msg, addr)

	default:
		// Unrecognised queries are ignored silently (§4.E).
	}
}

func (e *Engine) handleAnnounce(msg *Message, addr *net.UDPAddr) {
	tokenVal, ok := msg.Args["token"]
	if !ok || tokenVal.Text() != e.makeToken(addr) {
		e.log.Debug().Str("addr", addr.String()).Msg("announce_peer with invalid token")
		return
	}

	infohashBytes, ok := e.argBytes(msg, "info_hash", 20)
	if !ok {
		return
	}
	var infohash [20]byte
	copy(infohash[:], infohashBytes)

	port := addr.Port
	if impliedPort, ok := msg.Args["implied_port"]; ok && impliedPort.Int == 0 {
		if portArg, ok := msg.Args["port"]; ok {
			port = int(portArg.Int)
		}
	}

	peer := &net.UDPAddr{IP: addr.IP, Port: port}
	select {
	case e.announce <- Announcement{Peer: peer, InfoHash: infohash}:
	default:
		e.log.Warn().Str("addr", addr.String()).Msg("announcement channel full, dropping event")
	}
}

func (e *Engine) handleResponse(msg *Message) {
	nodes, err := msg.ExtractNodes()
	if err != nil || len(nodes) == 0 {
		return
	}
	for _, node := range nodes {
		if !e.outbound.Allow() {
			continue
		}
		target, err := GenerateNodeID()
		if err != nil {
			continue
		}
		txID, err := NewTransactionID()
		if err != nil {
			continue
		}
		e.send(EncodeFindNode(txID, NeighborID(node.ID, e.localID), target), node.Addr)
	}
}

func (e *Engine) argBytes(msg *Message, key string, length int) ([]byte, bool) {
	v, ok := msg.Args[key]
	if !ok || len(v.Str) != length {
		return nil, false
	}
	return v.Str, true
}

func (e *Engine) send(payload []byte, addr *net.UDPAddr) {
	if _, err := e.conn.WriteToUDP(payload, addr); err != nil {
		e.log.Debug().Err(err).Str("addr", addr.String()).Msg("failed to send krpc packet")
	}
}

// makeToken derives the get_peers/announce_peer token for addr: the first
// 20 bytes of SHA1(addr ‖ secret). The secret is never rotated (§4.E), so a
// token stays valid for the lifetime of the process.
func (e *Engine) makeToken(addr *net.UDPAddr) string {
	h := sha1.New()
	h.Write([]byte(addr.String()))
	h.Write(e.secret[:])
	return string(h.Sum(nil))
}

func (e *Engine) bootstrapLoop(ctx context.Context) {
	for round := 0; round < BootstrapRounds; round++ {
		for _, hostport := range bootstrapAddrs {
			addr, err := net.ResolveUDPAddr("udp", hostport)
			if err != nil {
				e.log.Debug().Err(err).Str("addr", hostport).Msg("failed to resolve bootstrap node")
				continue
			}
			target, err := GenerateNodeID()
			if err != nil {
				continue
			}
			txID, err := NewTransactionID()
			if err != nil {
				continue
			}
			e.send(EncodeFindNode(txID, e.localID, target), addr)
		}

		wait, err := randomDuration(2*time.Second, 5*time.Second)
		if err != nil {
			wait = 3 * time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	e.log.Info().Int("rounds", BootstrapRounds).Msg("bootstrap complete, continuing reactively")
}

func randomDuration(min, max time.Duration) (time.Duration, error) {
	span := int64(max - min)
	if span <= 0 {
		return min, nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return 0, fmt.Errorf("dht: generating bootstrap spacing: %w", err)
	}
	return min + time.Duration(n.Int64()), nil
}
