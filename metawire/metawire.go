// Package metawire implements the per-peer side of the exercise: a single
// TCP session that performs the BitTorrent handshake, negotiates the BEP 10
// extension protocol, and pulls a torrent's info dictionary over BEP 9
// ut_metadata before checking it against the infohash it was sent for.
package metawire

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/kjartan-berg/dhtcrawl/bencode"
)

// Protocol is the identifier string sent in the handshake header.
const Protocol = "BitTorrent protocol"

// HandshakeSize is the length in bytes of the fixed handshake header:
// 1 (protocol name length) + 19 (protocol name) + 8 (reserved/extension
// bits) + 20 (infohash) + 20 (peer id).
const HandshakeSize = 1 + len(Protocol) + 8 + 20 + 20

// MaxMetadataSize bounds metadata_size: 16 MiB, matching the teacher's
// implicit assumption and the spec's explicit ceiling (§4.F).
const MaxMetadataSize = 16384 * 1024

const (
	msgExtended      = 20
	extHandshakeID   = 0
	pieceLength      = 1 << 14 // 16 KiB, also BEP 9's fixed request size
	extMsgTypeReq    = 0
	extMsgTypeData   = 1
	extMsgTypeReject = 2
)

// Session owns one TCP connection to one peer for the duration of a single
// metadata fetch. It is not reused across announcements (§4.F).
type Session struct {
	conn    net.Conn
	timeout time.Duration

	peerID     [20]byte
	infoHash   [20]byte
	utMetadata uint8

	pieces [][]byte
	filled int
}

// New dials peer with the given per-operation timeout (default 15s when
// zero), performs the BitTorrent handshake and sends our extension
// handshake. The returned Session is ready to have FetchMetadata called on
// it, which processes the peer's extension handshake.
func New(peer *net.TCPAddr, infoHash [20]byte, timeout time.Duration) (*Session, error) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	conn, err := net.DialTimeout("tcp", peer.String(), timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "metawire: dialing %s", peer)
	}

	var peerID [20]byte
	if _, err := rand.Read(peerID[:]); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "metawire: generating peer id")
	}

	s := &Session{
		conn:     conn,
		timeout:  timeout,
		peerID:   peerID,
		infoHash: infoHash,
	}

	if err := s.handshake(); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

func (s *Session) deadline() time.Time {
	return time.Now().Add(s.timeout)
}

// handshake sends our 68-byte header, validates the peer's reply, and sends
// our BEP 10 extension handshake. The peer's extension handshake, which
// supplies utMetadata, is read later by FetchMetadata.
func (s *Session) handshake() error {
	if err := s.conn.SetDeadline(s.deadline()); err != nil {
		return errors.Wrap(err, "metawire: setting handshake deadline")
	}

	out := buildHandshake(s.infoHash, s.peerID)
	if _, err := s.conn.Write(out); err != nil {
		return errors.Wrap(err, "metawire: sending handshake")
	}

	in := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(s.conn, in); err != nil {
		return errors.Wrap(err, "metawire: reading handshake reply")
	}

	protoLen := 1 + len(Protocol)
	if string(in[:protoLen]) != string(out[:protoLen]) {
		return errors.New("metawire: peer replied with the wrong protocol identifier")
	}
	if in[1+len(Protocol)+5]&0x10 == 0 {
		return errors.New("metawire: peer does not support the extension protocol")
	}
	if !bytesEqual(in[protoLen+8:protoLen+8+20], s.infoHash[:]) {
		return errors.New("metawire: peer replied with a mismatched infohash")
	}

	return s.sendExtensionHandshake()
}

func buildHandshake(infoHash, peerID [20]byte) []byte {
	buf := make([]byte, HandshakeSize)
	buf[0] = byte(len(Protocol))
	copy(buf[1:], Protocol)
	// bit 0x10 of byte 5 of the reserved block signals extension protocol
	// support (BEP 10); bit 0x01 of byte 7 signals DHT support, giving the
	// reserved value 0x0000000000100001.
	buf[1+len(Protocol)+5] = 0x10
	buf[1+len(Protocol)+7] = 0x01
	copy(buf[1+len(Protocol)+8:], infoHash[:])
	copy(buf[1+len(Protocol)+8+20:], peerID[:])
	return buf
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Session) sendExtensionHandshake() error {
	body := bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"m": bencode.Dict(map[string]bencode.Value{
			"ut_metadata": bencode.Int(1),
		}),
	}))
	payload := make([]byte, 2+len(body))
	payload[0] = msgExtended
	payload[1] = extHandshakeID
	copy(payload[2:], body)
	return s.writeFramed(payload)
}

func (s *Session) writeFramed(payload []byte) error {
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	if _, err := s.conn.Write(frame); err != nil {
		return errors.Wrap(err, "metawire: writing message")
	}
	return nil
}

func (s *Session) readFrame() ([]byte, error) {
	lenBuf := make([]byte, 4)
	for {
		if _, err := io.ReadFull(s.conn, lenBuf); err != nil {
			return nil, errors.Wrap(err, "metawire: reading message length")
		}
		n := binary.BigEndian.Uint32(lenBuf)
		if n == 0 {
			continue // keepalive
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(s.conn, payload); err != nil {
			return nil, errors.Wrap(err, "metawire: reading message body")
		}
		return payload, nil
	}
}

// FetchMetadata drives the full ut_metadata exchange to completion: it
// waits for the peer's extension handshake, requests every piece, reassembles
// them in order, and verifies the SHA-1 of the result against infoHash.
func (s *Session) FetchMetadata() ([]byte, error) {
	if err := s.conn.SetDeadline(s.deadline()); err != nil {
		return nil, errors.Wrap(err, "metawire: setting metadata deadline")
	}

	for {
		payload, err := s.readFrame()
		if err != nil {
			return nil, err
		}
		if len(payload) < 2 || payload[0] != msgExtended {
			continue
		}
		extID := payload[1]
		body := payload[2:]

		if extID == extHandshakeID {
			if err := s.handleExtensionHandshake(body); err != nil {
				return nil, err
			}
			continue
		}

		done, err := s.handlePiece(body)
		if err != nil {
			return nil, err
		}
		if done {
			return s.assemble()
		}
	}
}

func (s *Session) handleExtensionHandshake(body []byte) error {
	v, err := bencode.Decode(body)
	if err != nil || v.Kind != bencode.KindDict {
		return errors.New("metawire: malformed extension handshake")
	}

	sizeVal, ok := bencode.Get(v, "metadata_size")
	if !ok || sizeVal.Kind != bencode.KindInt || sizeVal.Int < 0 || sizeVal.Int > MaxMetadataSize {
		return errors.New("metawire: metadata_size out of range")
	}

	mVal, ok := bencode.Get(v, "m")
	if !ok || mVal.Kind != bencode.KindDict {
		return errors.New("metawire: extension handshake missing \"m\" dictionary")
	}
	utVal, ok := bencode.Get(mVal, "ut_metadata")
	if !ok || utVal.Kind != bencode.KindInt {
		return errors.New("metawire: peer does not advertise ut_metadata")
	}
	s.utMetadata = uint8(utVal.Int)

	numPieces := (sizeVal.Int + pieceLength - 1) / pieceLength
	if numPieces == 0 {
		numPieces = 1
	}
	s.pieces = make([][]byte, numPieces)

	for i := int64(0); i < numPieces; i++ {
		if err := s.requestPiece(int(i)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) requestPiece(index int) error {
	body := bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"msg_type": bencode.Int(extMsgTypeReq),
		"piece":    bencode.Int(int64(index)),
	}))
	payload := make([]byte, 2+len(body))
	payload[0] = msgExtended
	payload[1] = s.utMetadata
	copy(payload[2:], body)
	return s.writeFramed(payload)
}

// handlePiece parses a ut_metadata data message using the bencode package's
// length-tracking decoder, so the dictionary/raw-bytes boundary never needs
// to be found by scanning for a literal "ee" terminator.
func (s *Session) handlePiece(body []byte) (bool, error) {
	r := bufio.NewReader(bytes.NewReader(body))
	v, err := bencode.DecodeFrom(r)
	if err != nil || v.Kind != bencode.KindDict {
		return false, errors.New("metawire: malformed piece message")
	}

	typeVal, ok := bencode.Get(v, "msg_type")
	if !ok || typeVal.Kind != bencode.KindInt {
		return false, errors.New("metawire: piece message missing msg_type")
	}
	if typeVal.Int != extMsgTypeData {
		return false, errors.Errorf("metawire: peer rejected piece request (msg_type=%d)", typeVal.Int)
	}

	indexVal, ok := bencode.Get(v, "piece")
	if !ok || indexVal.Kind != bencode.KindInt {
		return false, errors.New("metawire: piece message missing piece index")
	}
	index := int(indexVal.Int)
	if index < 0 || index >= len(s.pieces) {
		return false, errors.Errorf("metawire: piece index %d out of range", index)
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return false, errors.Wrap(err, "metawire: reading piece payload")
	}
	if s.pieces[index] == nil {
		s.filled++
	}
	s.pieces[index] = raw

	return s.filled == len(s.pieces), nil
}

func (s *Session) assemble() ([]byte, error) {
	var total int
	for _, p := range s.pieces {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range s.pieces {
		out = append(out, p...)
	}

	sum := sha1.Sum(out)
	if sum != s.infoHash {
		return nil, fmt.Errorf("metawire: checksum mismatch: got %x want %x", sum, s.infoHash)
	}
	return out, nil
}
