// Package dht implements the listening half of the Mainline DHT (BEP 5):
// a Sybil-style node that attracts announce_peer traffic without ever
// performing real Kademlia routing of its own.
package dht

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
)

// NodeSize is the length in bytes of one compact node record: a 20-byte
// node ID, a 4-byte IPv4 address, and a 2-byte big-endian port.
const NodeSize = 26

// NodeID is a 160-bit identifier, shared between DHT nodes and infohashes.
type NodeID [20]byte

// GenerateNodeID creates a random 160-bit node ID.
func GenerateNodeID() (NodeID, error) {
	var id NodeID
	_, err := rand.Read(id[:])
	return id, err
}

// CompactNode is a single entry of a "nodes" payload: a node's ID and its
// UDP socket address.
type CompactNode struct {
	ID   NodeID
	Addr *net.UDPAddr
}

// ParseCompactNodes decodes a concatenated "nodes" payload into its
// component records. It fails if the payload length is not a positive
// multiple of NodeSize.
func ParseCompactNodes(data []byte) ([]CompactNode, error) {
	if len(data) == 0 || len(data)%NodeSize != 0 {
		return nil, fmt.Errorf("dht: nodes payload length %d is not a positive multiple of %d", len(data), NodeSize)
	}
	nodes := make([]CompactNode, len(data)/NodeSize)
	for i := range nodes {
		chunk := data[i*NodeSize : (i+1)*NodeSize]
		var id NodeID
		copy(id[:], chunk[:20])
		ip := net.IP(append([]byte(nil), chunk[20:24]...))
		port := binary.BigEndian.Uint16(chunk[24:26])
		nodes[i] = CompactNode{
			ID:   id,
			Addr: &net.UDPAddr{IP: ip, Port: int(port)},
		}
	}
	return nodes, nil
}

// EncodeCompactNode packs a single node into its 26-byte compact form. This
// engine never has real peers of its own to advertise, so in practice its
// get_peers/find_node replies always carry an empty nodes string; the
// encoder exists to round-trip ParseCompactNodes and is exercised by tests.
func EncodeCompactNode(n CompactNode) ([]byte, error) {
	ip4 := n.Addr.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("dht: not an IPv4 address: %s", n.Addr.IP)
	}
	buf := make([]byte, NodeSize)
	copy(buf[:20], n.ID[:])
	copy(buf[20:24], ip4)
	binary.BigEndian.PutUint16(buf[24:26], uint16(n.Addr.Port))
	return buf, nil
}

// NeighborID implements the Sybil-neighbor trick (§4.E): the identity
// presented to a peer whose own ID (or queried target/infohash) is target is
// target's first 15 bytes followed by our own local ID's last 5 bytes. This
// makes our claimed Kademlia XOR-distance to target trivially small, so a
// correctly-routing peer believes we are one of its closest neighbors.
func NeighborID(target, local NodeID) NodeID {
	var id NodeID
	copy(id[:15], target[:15])
	copy(id[15:], local[15:])
	return id
}
