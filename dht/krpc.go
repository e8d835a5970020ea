package dht

import (
	"crypto/rand"
	"fmt"

	"github.com/kjartan-berg/dhtcrawl/bencode"
)

// KRPC message types ("y" field).
const (
	TypeQuery    = "q"
	TypeResponse = "r"
	TypeError    = "e"
)

// KRPC query methods ("q" field).
const (
	MethodPing         = "ping"
	MethodFindNode     = "find_node"
	MethodGetPeers     = "get_peers"
	MethodAnnouncePeer = "announce_peer"
)

// KRPC error codes.
const (
	ErrorGeneric       = 201
	ErrorServer        = 202
	ErrorProtocol      = 203
	ErrorMethodUnknown = 204
)

// Message is a parsed KRPC packet: a query, a response, or an error.
type Message struct {
	TransactionID string
	Type          string
	Query         string
	Args          map[string]bencode.Value
	Response      map[string]bencode.Value
	ErrorCode     int64
	ErrorMessage  string
}

// NewTransactionID returns 2 random bytes to use as a query's "t" field.
// Replies are matched to requests structurally, not by tracking in-flight
// transactions, so the ID only needs to look plausible to the remote peer.
func NewTransactionID() (string, error) {
	buf := make([]byte, 2)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// EncodePing builds a ping query.
func EncodePing(txID string, id NodeID) []byte {
	return encodeQuery(txID, MethodPing, map[string]bencode.Value{
		"id": bencode.Bytes(id[:]),
	})
}

// EncodeFindNode builds a find_node query for target, claiming id as our own.
func EncodeFindNode(txID string, id, target NodeID) []byte {
	return encodeQuery(txID, MethodFindNode, map[string]bencode.Value{
		"id":     bencode.Bytes(id[:]),
		"target": bencode.Bytes(target[:]),
	})
}

func encodeQuery(txID, method string, args map[string]bencode.Value) []byte {
	return bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"t": bencode.String(txID),
		"y": bencode.String(TypeQuery),
		"q": bencode.String(method),
		"a": bencode.Dict(args),
	}))
}

// EncodePingResponse builds a reply to a ping, reporting id as our identity.
func EncodePingResponse(txID string, id NodeID) []byte {
	return encodeResponse(txID, map[string]bencode.Value{
		"id": bencode.Bytes(id[:]),
	})
}

// EncodeFindNodeResponse builds a find_node reply carrying a (possibly
// empty) compact nodes payload.
func EncodeFindNodeResponse(txID string, id NodeID, nodes []byte) []byte {
	return encodeResponse(txID, map[string]bencode.Value{
		"id":    bencode.Bytes(id[:]),
		"nodes": bencode.Bytes(nodes),
	})
}

// EncodeGetPeersResponse builds a get_peers reply. This engine never has
// peers of its own to hand back, so nodes is always the empty string, per
// §4.E: the reply exists purely to hand the querier a token it can later
// redeem with announce_peer.
func EncodeGetPeersResponse(txID string, id NodeID, token string, nodes []byte) []byte {
	return encodeResponse(txID, map[string]bencode.Value{
		"id":    bencode.Bytes(id[:]),
		"token": bencode.String(token),
		"nodes": bencode.Bytes(nodes),
	})
}

func encodeResponse(txID string, r map[string]bencode.Value) []byte {
	return bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"t": bencode.String(txID),
		"y": bencode.String(TypeResponse),
		"r": bencode.Dict(r),
	}))
}

// EncodeError builds an error reply.
func EncodeError(txID string, code int, message string) []byte {
	return bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"t": bencode.String(txID),
		"y": bencode.String(TypeError),
		"e": bencode.List(bencode.Int(int64(code)), bencode.String(message)),
	}))
}

// DecodeMessage parses a bencoded KRPC packet.
func DecodeMessage(data []byte) (*Message, error) {
	v, err := bencode.Decode(data)
	if err != nil {
		return nil, err
	}
	if v.Kind != bencode.KindDict {
		return nil, fmt.Errorf("dht: KRPC message must be a dictionary")
	}

	t, ok := bencode.Get(v, "t")
	if !ok || t.Kind != bencode.KindString {
		return nil, fmt.Errorf("dht: KRPC message missing transaction id")
	}
	y, ok := bencode.Get(v, "y")
	if !ok || y.Kind != bencode.KindString {
		return nil, fmt.Errorf("dht: KRPC message missing type")
	}

	msg := &Message{
		TransactionID: t.Text(),
		Type:          y.Text(),
	}

	switch msg.Type {
	case TypeQuery:
		if q, ok := bencode.Get(v, "q"); ok {
			msg.Query = q.Text()
		}
		if a, ok := bencode.Get(v, "a"); ok && a.Kind == bencode.KindDict {
			msg.Args = a.Dict
		}
	case TypeResponse:
		if r, ok := bencode.Get(v, "r"); ok && r.Kind == bencode.KindDict {
			msg.Response = r.Dict
		}
	case TypeError:
		if e, ok := bencode.Get(v, "e"); ok && e.Kind == bencode.KindList && len(e.List) == 2 {
			msg.ErrorCode = e.List[0].Int
			msg.ErrorMessage = e.List[1].Text()
		}
	default:
		return nil, fmt.Errorf("dht: unknown KRPC message type %q", msg.Type)
	}

	return msg, nil
}

// ExtractNodeID reads the "id" field out of a query's args or a response's r
// dict; it must be exactly 20 bytes.
func (m *Message) ExtractNodeID() (NodeID, error) {
	var id NodeID
	var src map[string]bencode.Value
	switch m.Type {
	case TypeQuery:
		src = m.Args
	case TypeResponse:
		src = m.Response
	}
	if src == nil {
		return id, fmt.Errorf("dht: no id field available")
	}
	v, ok := src["id"]
	if !ok || len(v.Str) != 20 {
		return id, fmt.Errorf("dht: invalid node id length %d", len(v.Str))
	}
	copy(id[:], v.Str)
	return id, nil
}

// ExtractNodes parses the response's "nodes" compact payload, if present.
func (m *Message) ExtractNodes() ([]CompactNode, error) {
	if m.Response == nil {
		return nil, nil
	}
	v, ok := m.Response["nodes"]
	if !ok || len(v.Str) == 0 {
		return nil, nil
	}
	return ParseCompactNodes(v.Str)
}
