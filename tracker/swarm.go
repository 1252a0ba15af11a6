// Package tracker implements the in-memory swarm store and the tracker
// engine that mediates concurrent access to it.
package tracker

import (
	"math/rand"
	"net"
	"sync"

	"github.com/kasumi/kasumi/bittorrent"
)

// Peer is the stored state of one participant in a swarm.
type Peer struct {
	Downloaded int64
	Uploaded   int64
	Left       int64
	IP         net.IP
	Port       uint16
	Key        uint32
	HasKey     bool
	Paused     bool
	// LastAnnounce is the wall-clock second of the most recent announce.
	LastAnnounce int64
}

// Seeder reports whether the peer has nothing left to download.
func (p *Peer) Seeder() bool { return p.Left == 0 }

// selectableSeeder reports whether the peer should be treated as a seeder by
// the selection filters. Paused peers keep uploading what they have, so
// handing them to another seeder carries no value either.
func (p *Peer) selectableSeeder() bool { return p.Left == 0 || p.Paused }

// Swarm is the set of peers exchanging one torrent plus aggregate statistics
// about it.
//
// A Swarm carries its own lock but never acquires it; locking is the
// Tracker's responsibility. Every mutating method requires the write lock,
// every reading method at least the read lock.
type Swarm struct {
	sync.RWMutex

	complete   int32
	incomplete int32
	snatches   uint32
	peers      map[bittorrent.PeerID]*Peer
}

// NewSwarm allocates an empty Swarm.
func NewSwarm() *Swarm {
	return &Swarm{peers: make(map[bittorrent.PeerID]*Peer)}
}

// Peer returns the stored record for the given peer ID, or nil.
func (s *Swarm) Peer(id bittorrent.PeerID) *Peer {
	return s.peers[id]
}

// Empty reports whether the swarm has no peers left.
func (s *Swarm) Empty() bool { return len(s.peers) == 0 }

// Validate checks an announce against the stored identity of its peer ID.
//
// A peer announcing from a new address must prove its identity: the stored
// peer must have a key and the announce must carry the same key. The
// denyAllIPChanges policy rejects every address change regardless of keys.
func (s *Swarm) Validate(req *bittorrent.AnnounceRequest, ip net.IP, denyAllIPChanges bool) error {
	peer, ok := s.peers[req.PeerID]
	if !ok {
		return nil
	}

	if !peer.IP.Equal(ip) {
		if denyAllIPChanges || !peer.HasKey || !req.KeyProvided || peer.Key != req.Key {
			return bittorrent.ErrIPAddressChanged
		}
	}

	return nil
}

// Select draws a uniformly random sample of up to n peers eligible to be
// handed to the requester:
//
//   - never the requester itself;
//   - no seeders when the requester is seeding;
//   - no IPv6-only peers when the requester connected over IPv4. IPv4 peers
//     are handed to IPv6 requesters for dual-stack compatibility.
func (s *Swarm) Select(peerID bittorrent.PeerID, ip net.IP, seeding bool, n int) []bittorrent.Peer {
	if n <= 0 {
		return nil
	}

	requesterIsIPv4 := ip.To4() != nil

	// Algorithm R reservoir sampling over the eligible peers.
	sample := make([]bittorrent.Peer, 0, n)
	eligible := 0
	for id, peer := range s.peers {
		if id == peerID {
			continue
		}
		if seeding && peer.selectableSeeder() {
			continue
		}
		if requesterIsIPv4 && peer.IP.To4() == nil {
			continue
		}

		if eligible < n {
			sample = append(sample, bittorrent.Peer{IP: peer.IP, Port: peer.Port})
		} else if j := rand.Intn(eligible + 1); j < n {
			sample[j] = bittorrent.Peer{IP: peer.IP, Port: peer.Port}
		}
		eligible++
	}

	rand.Shuffle(len(sample), func(i, j int) {
		sample[i], sample[j] = sample[j], sample[i]
	})

	return sample
}

// Apply runs the announce state machine against the swarm.
//
// The caller must have validated the announce first; Apply itself never
// fails, so a rejected announce can not leave counters half-updated.
func (s *Swarm) Apply(req *bittorrent.AnnounceRequest, ip net.IP) {
	switch req.Event {
	case bittorrent.Completed:
		s.snatches++
	case bittorrent.Stopped:
		if peer, ok := s.peers[req.PeerID]; ok {
			if peer.Seeder() {
				s.complete--
			} else {
				s.incomplete--
			}
			delete(s.peers, req.PeerID)
		}
		return
	}

	seeder := req.Left == 0
	if peer, ok := s.peers[req.PeerID]; ok {
		// Keep the counters in sync when a peer crosses the seeder
		// boundary without sending a completed event.
		if peer.Seeder() != seeder {
			if seeder {
				s.incomplete--
				s.complete++
			} else {
				s.complete--
				s.incomplete++
			}
		}
		peer.Downloaded = req.Downloaded
		peer.Uploaded = req.Uploaded
		peer.Left = req.Left
		peer.IP = ip
		peer.Port = req.Port
		peer.Key = req.Key
		peer.HasKey = req.KeyProvided
		peer.Paused = req.Event == bittorrent.Paused
		peer.LastAnnounce = req.Timestamp
		return
	}

	if seeder {
		s.complete++
	} else {
		s.incomplete++
	}
	s.peers[req.PeerID] = &Peer{
		Downloaded:   req.Downloaded,
		Uploaded:     req.Uploaded,
		Left:         req.Left,
		IP:           ip,
		Port:         req.Port,
		Key:          req.Key,
		HasKey:       req.KeyProvided,
		Paused:       req.Event == bittorrent.Paused,
		LastAnnounce: req.Timestamp,
	}
}

// Evict removes every peer whose last announce is at least threshold seconds
// old and reports whether the swarm is empty afterwards.
func (s *Swarm) Evict(now, threshold int64) bool {
	for id, peer := range s.peers {
		if now-peer.LastAnnounce < threshold {
			continue
		}
		if peer.Seeder() {
			s.complete--
		} else {
			s.incomplete--
		}
		delete(s.peers, id)
	}
	return len(s.peers) == 0
}

// Scrape reads the aggregate counters.
func (s *Swarm) Scrape() bittorrent.Scrape {
	return bittorrent.Scrape{
		Complete:   uint32(s.complete),
		Snatches:   s.snatches,
		Incomplete: uint32(s.incomplete),
	}
}
