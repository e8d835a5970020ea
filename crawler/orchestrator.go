// Package crawler wires the DHT engine's announcement stream to per-peer
// MetaWire fetches, deduplicating against what is already stored on disk and
// bounding concurrency with a semaphore (§4.H).
package crawler

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/kjartan-berg/dhtcrawl/bencode"
	"github.com/kjartan-berg/dhtcrawl/blacklist"
	"github.com/kjartan-berg/dhtcrawl/dht"
	"github.com/kjartan-berg/dhtcrawl/metainfo"
	"github.com/kjartan-berg/dhtcrawl/metawire"
)

// Result is a successfully fetched and parsed torrent, as delivered on the
// Orchestrator's Results channel for library callers.
type Result struct {
	InfoHash [20]byte
	Torrent  *metainfo.Torrent
}

// torrentLine mirrors the one-line-per-torrent JSON object written to
// stdout (§6).
type torrentLine struct {
	Name     string       `json:"name"`
	Length   int64        `json:"length"`
	Files    []fileLine   `json:"files"`
	InfoHash string       `json:"infohash"`
}

type fileLine struct {
	Name   string `json:"name"`
	Length int64  `json:"length"`
}

// Orchestrator receives announcements from a dht.Engine, deduplicates
// against files already on disk, and spawns a bounded number of concurrent
// MetaWire fetches.
type Orchestrator struct {
	dir     string
	timeout time.Duration

	blacklist *blacklist.Blacklist
	sem       *semaphore.Weighted
	wg        sync.WaitGroup

	log zerolog.Logger

	Results chan Result
}

// New creates an Orchestrator writing fetched torrents under dir, bounding
// concurrent MetaWire sessions to maxPeers and each session to timeout.
func New(dir string, maxPeers int64, timeout time.Duration, bl *blacklist.Blacklist, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		dir:       dir,
		timeout:   timeout,
		blacklist: bl,
		sem:       semaphore.NewWeighted(maxPeers),
		log:       log.With().Str("component", "crawler").Logger(),
		Results:   make(chan Result, 2),
	}
}

// Run consumes announcements until the channel closes (engine shutdown) or
// ctx is cancelled. It returns once every in-flight MetaWire session has
// finished.
func (o *Orchestrator) Run(ctx context.Context, announcements <-chan dht.Announcement) {
	defer close(o.Results)
	defer o.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-announcements:
			if !ok {
				return
			}
			o.handle(ctx, a)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, a dht.Announcement) {
	if o.blacklist.Contains(a.Peer) {
		return
	}

	path := o.torrentPath(a.InfoHash)
	if _, err := os.Stat(path); err == nil {
		return
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return // context cancelled while waiting for a slot
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.sem.Release(1)
		o.fetch(a, path)
	}()
}

func (o *Orchestrator) fetch(a dht.Announcement, path string) {
	logger := o.log.With().Str("peer", a.Peer.String()).Str("infohash", hex.EncodeToString(a.InfoHash[:])).Logger()

	peerAddr := &net.TCPAddr{IP: a.Peer.IP, Port: a.Peer.Port}
	sess, err := metawire.New(peerAddr, a.InfoHash, o.timeout)
	if err != nil {
		logger.Debug().Err(err).Msg("metawire session failed to start")
		o.blacklist.Insert(a.Peer)
		return
	}
	defer sess.Close()

	raw, err := sess.FetchMetadata()
	if err != nil {
		logger.Debug().Err(err).Msg("metadata fetch failed")
		o.blacklist.Insert(a.Peer)
		return
	}

	torrent, err := metainfo.Parse(raw)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to parse fetched metadata")
		o.blacklist.Insert(a.Peer)
		return
	}

	if err := o.persist(path, raw); err != nil {
		logger.Warn().Err(errors.Wrap(err, "persisting torrent file")).Msg("disk write failed")
	}

	o.emit(a.InfoHash, torrent, logger)

	select {
	case o.Results <- Result{InfoHash: a.InfoHash, Torrent: torrent}:
	default:
		logger.Warn().Msg("results channel full, dropping event")
	}
}

func (o *Orchestrator) torrentPath(infohash [20]byte) string {
	h := hex.EncodeToString(infohash[:])
	return filepath.Join(o.dir, h[0:2], h[2:4], h+".torrent")
}

func (o *Orchestrator) persist(path string, rawInfoDict []byte) error {
	infoVal, err := bencode.Decode(rawInfoDict)
	if err != nil {
		return errors.Wrap(err, "decoding fetched info dictionary")
	}

	wrapped := bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"info": infoVal,
	}))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "creating torrent directory")
	}
	return os.WriteFile(path, wrapped, 0o644)
}

func (o *Orchestrator) emit(infohash [20]byte, t *metainfo.Torrent, logger zerolog.Logger) {
	line := torrentLine{
		Name:     t.Name,
		Length:   t.Length,
		InfoHash: hex.EncodeToString(infohash[:]),
	}
	for _, f := range t.Files {
		line.Files = append(line.Files, fileLine{Name: f.Path, Length: f.Length})
	}

	encoded, err := json.Marshal(line)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to marshal torrent for stdout")
		return
	}
	fmt.Println(string(encoded))
}
