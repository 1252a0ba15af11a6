// Package bittorrent implements all of the abstractions used to decouple the
// protocol of a BitTorrent tracker from the logic of handling announces and
// scrapes.
package bittorrent

import (
	"encoding/hex"
	"net"
	"time"

	"github.com/kasumi/kasumi/pkg/log"
)

// PeerID represents a peer ID.
type PeerID [20]byte

// PeerIDFromBytes creates a PeerID from a byte slice.
//
// It panics if b is not 20 bytes long.
func PeerIDFromBytes(b []byte) PeerID {
	if len(b) != 20 {
		panic("peer ID must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], b)
	return PeerID(buf)
}

// PeerIDFromString creates a PeerID from a string.
//
// It panics if s is not 20 bytes long.
func PeerIDFromString(s string) PeerID {
	if len(s) != 20 {
		panic("peer ID must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], s)
	return PeerID(buf)
}

// String implements fmt.Stringer, returning the base16 encoded PeerID.
func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// InfoHash represents an infohash.
type InfoHash [20]byte

// InfoHashFromBytes creates an InfoHash from a byte slice.
//
// It panics if b is not 20 bytes long.
func InfoHashFromBytes(b []byte) InfoHash {
	if len(b) != 20 {
		panic("infohash must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], b)
	return InfoHash(buf)
}

// InfoHashFromString creates an InfoHash from a string.
//
// It panics if s is not 20 bytes long.
func InfoHashFromString(s string) InfoHash {
	if len(s) != 20 {
		panic("infohash must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], s)
	return InfoHash(buf)
}

// String implements fmt.Stringer, returning the base16 encoded InfoHash.
func (i InfoHash) String() string {
	return hex.EncodeToString(i[:])
}

// AnnounceRequest represents the parsed parameters from an announce request.
//
// RemoteIP is always the address the datagram arrived from. ProvidedIP is the
// optional self-declared address of the client; whether it is honored is the
// tracker's trust-ip policy decision, not the parser's.
type AnnounceRequest struct {
	InfoHash   InfoHash
	PeerID     PeerID
	RemoteIP   net.IP
	ProvidedIP net.IP
	Port       uint16
	Downloaded int64
	Uploaded   int64
	Left       int64
	Event      Event
	NumWant    int32
	Key        uint32
	// KeyProvided reports whether the announce carried a key at all; a key
	// of zero is a valid key.
	KeyProvided bool
	// Timestamp is the wall-clock second the announce arrived at.
	Timestamp int64
}

// LogFields renders the current request as a set of Logrus fields.
func (r AnnounceRequest) LogFields() log.Fields {
	return log.Fields{
		"infoHash": r.InfoHash.String(),
		"peerID":   r.PeerID.String(),
		"remoteIP": r.RemoteIP.String(),
		"port":     r.Port,
		"left":     r.Left,
		"event":    r.Event.String(),
		"numWant":  r.NumWant,
	}
}

// Peer represents the connection details of a peer that is returned in an
// announce response.
type Peer struct {
	IP   net.IP
	Port uint16
}

// Equal reports whether p and x have the same endpoint.
func (p Peer) Equal(x Peer) bool { return p.Port == x.Port && p.IP.Equal(x.IP) }

// AnnounceResponse represents the parameters used to create an announce
// response.
type AnnounceResponse struct {
	Interval   time.Duration
	Complete   int32
	Incomplete int32
	Peers      []Peer
}

// ScrapeRequest represents the parsed parameters from a scrape request.
type ScrapeRequest struct {
	InfoHashes []InfoHash
}

// ScrapeResponse represents the parameters used to create a scrape response.
//
// Files holds one entry per requested InfoHash, in request order. Unknown
// torrents yield a zero Scrape.
type ScrapeResponse struct {
	Files []Scrape
}

// Scrape represents the state of a swarm that is returned in a scrape
// response.
type Scrape struct {
	Complete   uint32
	Snatches   uint32
	Incomplete uint32
}
