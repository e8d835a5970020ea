package dht

import (
	"bytes"
	"testing"

	"github.com/kjartan-berg/dhtcrawl/bencode"
)

func TestEncodePing(t *testing.T) {
	var nodeID NodeID
	copy(nodeID[:], "abcdefghij0123456789")

	encoded := EncodePing("aa", nodeID)
	if encoded[0] != 'd' || encoded[len(encoded)-1] != 'e' {
		t.Error("should be a bencoded dictionary")
	}

	msg, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if msg.TransactionID != "aa" {
		t.Errorf("expected txID 'aa', got '%s'", msg.TransactionID)
	}
	if msg.Type != TypeQuery {
		t.Errorf("expected type 'q', got '%s'", msg.Type)
	}
	if msg.Query != MethodPing {
		t.Errorf("expected query 'ping', got '%s'", msg.Query)
	}
	if string(msg.Args["id"].Str) != string(nodeID[:]) {
		t.Error("node id mismatch")
	}
}

func TestEncodePingResponse(t *testing.T) {
	var nodeID NodeID
	copy(nodeID[:], "abcdefghij0123456789")

	encoded := EncodePingResponse("aa", nodeID)
	msg, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if msg.Type != TypeResponse {
		t.Errorf("expected type 'r', got '%s'", msg.Type)
	}
	if string(msg.Response["id"].Str) != string(nodeID[:]) {
		t.Error("node id mismatch")
	}
}

func TestEncodeFindNode(t *testing.T) {
	var nodeID, target NodeID
	copy(nodeID[:], "abcdefghij0123456789")
	copy(target[:], "01234567890123456789")

	encoded := EncodeFindNode("bb", nodeID, target)
	msg, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if msg.Query != MethodFindNode {
		t.Errorf("expected query 'find_node', got '%s'", msg.Query)
	}
	if string(msg.Args["id"].Str) != string(nodeID[:]) {
		t.Error("node id mismatch")
	}
	if string(msg.Args["target"].Str) != string(target[:]) {
		t.Error("target mismatch")
	}
}

func TestEncodeGetPeersResponse(t *testing.T) {
	var nodeID NodeID
	copy(nodeID[:], "abcdefghij0123456789")

	encoded := EncodeGetPeersResponse("cc", nodeID, "tok12345", nil)
	msg, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if msg.Type != TypeResponse {
		t.Errorf("expected type 'r', got '%s'", msg.Type)
	}
	if msg.Response["token"].Text() != "tok12345" {
		t.Errorf("expected token 'tok12345', got '%s'", msg.Response["token"].Text())
	}
}

func TestEncodeError(t *testing.T) {
	encoded := EncodeError("dd", ErrorGeneric, "test error")
	msg, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if msg.Type != TypeError {
		t.Errorf("expected type 'e', got '%s'", msg.Type)
	}
	if msg.ErrorCode != ErrorGeneric {
		t.Errorf("expected error code %d, got %d", ErrorGeneric, msg.ErrorCode)
	}
	if msg.ErrorMessage != "test error" {
		t.Errorf("expected error message 'test error', got '%s'", msg.ErrorMessage)
	}
}

func TestNewTransactionIDIsUnique(t *testing.T) {
	id1, err := NewTransactionID()
	if err != nil {
		t.Fatalf("NewTransactionID: %v", err)
	}
	id2, err := NewTransactionID()
	if err != nil {
		t.Fatalf("NewTransactionID: %v", err)
	}
	if len(id1) != 2 {
		t.Errorf("expected a 2-byte transaction id, got %d bytes", len(id1))
	}
	if id1 == id2 {
		t.Error("expected distinct transaction ids across calls (not guaranteed, but overwhelmingly likely)")
	}
}

func TestDecodeMessagePingQuery(t *testing.T) {
	data := []byte("d1:ad2:id20:abcdefghij0123456789e1:q4:ping1:t2:aa1:y1:qe")
	msg, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if msg.TransactionID != "aa" {
		t.Errorf("expected txID 'aa', got '%s'", msg.TransactionID)
	}
	if msg.Type != TypeQuery {
		t.Errorf("expected type 'q', got '%s'", msg.Type)
	}
	if msg.Query != "ping" {
		t.Errorf("expected query 'ping', got '%s'", msg.Query)
	}
}

func TestDecodeMessageUnknownTypeErrors(t *testing.T) {
	data := []byte("d1:t2:aa1:y1:ze")
	if _, err := DecodeMessage(data); err == nil {
		t.Error("expected an error for an unknown message type")
	}
}

func TestExtractNodeID(t *testing.T) {
	var nodeID NodeID
	copy(nodeID[:], "abcdefghij0123456789")

	encoded := EncodePing("aa", nodeID)
	msg, _ := DecodeMessage(encoded)

	extracted, err := msg.ExtractNodeID()
	if err != nil {
		t.Fatalf("failed to extract: %v", err)
	}
	if extracted != nodeID {
		t.Error("extracted node id mismatch")
	}
}

func TestExtractNodeIDRejectsWrongLength(t *testing.T) {
	msg := &Message{
		Type: TypeQuery,
		Args: map[string]bencode.Value{"id": bencode.String("tooshort")},
	}
	if _, err := msg.ExtractNodeID(); err == nil {
		t.Error("expected an error for a short node id")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var nodeID NodeID
	copy(nodeID[:], "abcdefghij0123456789")

	tests := []struct {
		name    string
		encoded []byte
	}{
		{"ping", EncodePing("aa", nodeID)},
		{"ping_response", EncodePingResponse("bb", nodeID)},
		{"find_node", EncodeFindNode("cc", nodeID, nodeID)},
		{"error", EncodeError("dd", 201, "error")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := DecodeMessage(tc.encoded)
			if err != nil {
				t.Fatalf("failed to decode %s: %v", tc.name, err)
			}
			if msg.TransactionID == "" {
				t.Errorf("%s: missing transaction id", tc.name)
			}
		})
	}
}

func TestExtractNodes(t *testing.T) {
	var nodeID NodeID
	copy(nodeID[:], "abcdefghij0123456789")

	nodesData := make([]byte, 52)
	copy(nodesData[0:20], nodeID[:])
	nodesData[20] = 192
	nodesData[21] = 168
	nodesData[22] = 1
	nodesData[23] = 1
	nodesData[24] = 0x1A
	nodesData[25] = 0xE1

	copy(nodesData[26:46], nodeID[:])
	nodesData[46] = 10
	nodesData[47] = 0
	nodesData[48] = 0
	nodesData[49] = 1
	nodesData[50] = 0x1A
	nodesData[51] = 0xE2

	encoded := EncodeFindNodeResponse("aa", nodeID, nodesData)
	msg, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	nodes, err := msg.ExtractNodes()
	if err != nil {
		t.Fatalf("failed to extract nodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(nodes))
	}
	if !bytes.Equal(nodes[0].ID[:], nodeID[:]) {
		t.Error("first node id mismatch")
	}
	if nodes[0].Addr.Port != 6881 {
		t.Errorf("expected port 6881, got %d", nodes[0].Addr.Port)
	}
	if nodes[1].Addr.Port != 6882 {
		t.Errorf("expected port 6882, got %d", nodes[1].Addr.Port)
	}
}

func TestExtractNodesEmptyResponseIsNilNotError(t *testing.T) {
	var nodeID NodeID
	copy(nodeID[:], "abcdefghij0123456789")

	encoded := EncodeFindNodeResponse("aa", nodeID, nil)
	msg, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	nodes, err := msg.ExtractNodes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nodes) != 0 {
		t.Errorf("expected no nodes, got %d", len(nodes))
	}
}
