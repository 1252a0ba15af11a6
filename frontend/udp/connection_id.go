package udp

import (
	"crypto/hmac"
	"encoding/binary"
	"net"
	"time"

	sha256 "github.com/minio/sha256-simd"
)

// connectionIDWindow is the granularity connection IDs are derived at. An ID
// stays trivially valid for the rest of its window and is still accepted for
// the whole following window, giving clients the two minutes BEP 15 promises
// without the server remembering anything per client.
const connectionIDWindow = 2 * time.Minute

// A ConnectionIDGenerator derives and validates connection IDs from the
// server secret.
//
// A connection ID is the first 8 bytes of
// SHA-256(secret || window || client IP), where window is the big-endian
// count of two-minute intervals since the Unix epoch and the IP is in its
// 16-byte form (IPv4 addresses are IPv4-mapped).
//
// It is not thread safe, but is safe to be pooled and reused by other
// goroutines. After initial creation, it can generate connection IDs without
// allocating.
type ConnectionIDGenerator struct {
	// data is the staging buffer for the hash input:
	// secret (8) || window (8) || IP (16).
	data   [32]byte
	connID [8]byte
}

// NewConnectionIDGenerator creates a new connection ID generator for the
// given server secret.
func NewConnectionIDGenerator(secret [8]byte) *ConnectionIDGenerator {
	g := &ConnectionIDGenerator{}
	copy(g.data[0:8], secret[:])
	return g
}

// derive computes the connection ID for one window and IP.
// The returned slice aliases the generator and is overwritten by the next
// call.
func (g *ConnectionIDGenerator) derive(ip net.IP, window uint64) []byte {
	binary.BigEndian.PutUint64(g.data[8:16], window)
	copy(g.data[16:32], ip.To16())

	sum := sha256.Sum256(g.data[:])
	copy(g.connID[:], sum[:8])
	return g.connID[:]
}

// Generate generates the connection ID for the given IP at the given time.
//
// The returned slice is reused by subsequent calls; it must be copied to be
// retained and must not be referenced after the generator is returned to a
// pool.
func (g *ConnectionIDGenerator) Generate(ip net.IP, now time.Time) []byte {
	return g.derive(ip, uint64(now.Unix())/uint64(connectionIDWindow/time.Second))
}

// Validate reports whether connectionID was issued to ip during the current
// or the previous window. Accepting the previous window avoids rejecting
// clients that connected right before a window boundary.
func (g *ConnectionIDGenerator) Validate(connectionID []byte, ip net.IP, now time.Time) bool {
	if len(connectionID) != 8 {
		return false
	}

	window := uint64(now.Unix()) / uint64(connectionIDWindow/time.Second)
	if hmac.Equal(connectionID, g.derive(ip, window)) {
		return true
	}
	return window > 0 && hmac.Equal(connectionID, g.derive(ip, window-1))
}

// NewConnectionID creates an 8-byte connection identifier for UDP packets.
// This is a wrapper around creating a new ConnectionIDGenerator and
// generating an ID. It is recommended to use the generator for performance.
func NewConnectionID(ip net.IP, now time.Time, secret [8]byte) []byte {
	id := make([]byte, 8)
	copy(id, NewConnectionIDGenerator(secret).Generate(ip, now))
	return id
}

// ValidConnectionID determines whether a connection identifier is legitimate.
// This is a wrapper around creating a new ConnectionIDGenerator and
// validating the ID. It is recommended to use the generator for performance.
func ValidConnectionID(connectionID []byte, ip net.IP, now time.Time, secret [8]byte) bool {
	return NewConnectionIDGenerator(secret).Validate(connectionID, ip, now)
}
