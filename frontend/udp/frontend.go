// Package udp implements a BitTorrent tracker via the UDP protocol as
// described in BEP 15, with the BEP 41 option chain on announces.
package udp

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/kasumi/kasumi/bittorrent"
	"github.com/kasumi/kasumi/frontend/udp/bytepool"
	"github.com/kasumi/kasumi/pkg/log"
	"github.com/kasumi/kasumi/pkg/stop"
	"github.com/kasumi/kasumi/pkg/timecache"
	"github.com/kasumi/kasumi/tracker"
)

// Config represents all of the configurable options for a UDP BitTorrent
// Tracker.
type Config struct {
	Addr                string `yaml:"addr"`
	IPv6Only            bool   `yaml:"ipv6_only"`
	EnableRequestTiming bool   `yaml:"enable_request_timing"`
	ParseOptions        `yaml:",inline"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"addr":                cfg.Addr,
		"ipv6Only":            cfg.IPv6Only,
		"enableRequestTiming": cfg.EnableRequestTiming,
		"maxScrapeInfoHashes": cfg.MaxScrapeInfoHashes,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.MaxScrapeInfoHashes <= 0 {
		validcfg.MaxScrapeInfoHashes = defaultMaxScrapeInfoHashes
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "udp.MaxScrapeInfoHashes",
			"provided": cfg.MaxScrapeInfoHashes,
			"default":  validcfg.MaxScrapeInfoHashes,
		})
	}

	return validcfg
}

// Frontend holds the state of a UDP BitTorrent Frontend.
type Frontend struct {
	socket  *net.UDPConn
	closing chan struct{}
	wg      sync.WaitGroup

	genPool *sync.Pool

	tracker *tracker.Tracker
	Config
}

// NewFrontend binds a socket and creates a new instance of a UDP Frontend
// that asynchronously serves requests.
//
// The 8-byte secret every connection ID is derived from is drawn from
// crypto/rand at bind and held for the lifetime of the Frontend.
func NewFrontend(tkr *tracker.Tracker, provided Config) (*Frontend, error) {
	cfg := provided.Validate()

	var secret [8]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, err
	}

	f := &Frontend{
		closing: make(chan struct{}),
		tracker: tkr,
		Config:  cfg,
		genPool: &sync.Pool{
			New: func() interface{} {
				return NewConnectionIDGenerator(secret)
			},
		},
	}

	if err := f.listen(); err != nil {
		return nil, err
	}
	log.Info("udp tracker listening", log.Fields{"addr": f.socket.LocalAddr().String()})

	go func() {
		if err := f.serve(); err != nil {
			log.Fatal("failed while serving udp", log.Err(err))
		}
	}()

	return f, nil
}

// Stop provides a thread-safe way to shutdown a currently running Frontend.
func (t *Frontend) Stop() stop.Result {
	select {
	case <-t.closing:
		return stop.AlreadyStopped
	default:
	}

	c := make(stop.Channel)
	go func() {
		close(t.closing)
		_ = t.socket.SetReadDeadline(time.Now())
		t.wg.Wait()
		c.Done(t.socket.Close())
	}()

	return c.Result()
}

// listen resolves the address and binds the server socket.
func (t *Frontend) listen() error {
	network := "udp"
	if t.IPv6Only {
		network = "udp6"
	}

	udpAddr, err := net.ResolveUDPAddr(network, t.Addr)
	if err != nil {
		return err
	}
	t.socket, err = net.ListenUDP(network, udpAddr)
	return err
}

// serve blocks while listening and serving UDP BitTorrent requests
// until Stop() is called or an error is returned.
func (t *Frontend) serve() error {
	// One spare byte past maxPacketSize reveals oversized datagrams, which
	// the read would otherwise truncate silently.
	pool := bytepool.New(maxPacketSize + 1)

	t.wg.Add(1)
	defer t.wg.Done()

	for {
		// Check to see if we need to shutdown.
		select {
		case <-t.closing:
			log.Debug("udp serve() received shutdown signal")
			return nil
		default:
		}

		// Read a UDP packet into a reusable buffer.
		buffer := pool.Get()
		n, addr, err := t.socket.ReadFromUDP(*buffer)
		if err != nil {
			pool.Put(buffer)
			if netErr, ok := err.(net.Error); ok && netErr.Temporary() {
				// A temporary failure is not fatal; just pretend it never happened.
				continue
			}
			select {
			case <-t.closing:
				// The deadline set by Stop unblocked us.
				return nil
			default:
			}
			return err
		}

		// Undersized packets are noise or probes and oversized ones are
		// outside the protocol; drop both without a reply.
		if n < minPacketSize || n > maxPacketSize {
			pool.Put(buffer)
			continue
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer pool.Put(buffer)
			defer func() {
				// A panicking request must not bring down the accept loop.
				if r := recover(); r != nil {
					log.Error("udp: recovered from panic in request handler", log.Fields{"panic": r})
				}
			}()

			if ip := addr.IP.To4(); ip != nil {
				addr.IP = ip
			}

			// Handle the request.
			var start time.Time
			if t.EnableRequestTiming {
				start = time.Now()
			}
			action, af, err := t.handleRequest(
				// Make sure the IP is copied, not referenced.
				Request{(*buffer)[:n], append([]byte{}, addr.IP...)},
				ResponseWriter{t.socket, addr},
			)
			if t.EnableRequestTiming {
				recordResponseDuration(action, af, err, time.Since(start))
			} else {
				recordResponseDuration(action, af, err, time.Duration(0))
			}
		}()
	}
}

// Request represents a UDP payload received by a Tracker.
type Request struct {
	Packet []byte
	IP     net.IP
}

// ResponseWriter implements the ability to respond to a Request via the
// io.Writer interface.
type ResponseWriter struct {
	socket *net.UDPConn
	addr   *net.UDPAddr
}

// Write implements the io.Writer interface for a ResponseWriter.
// Socket errors are swallowed; UDP is best-effort and the client will retry.
func (w ResponseWriter) Write(b []byte) (int, error) {
	if _, err := w.socket.WriteToUDP(b, w.addr); err != nil {
		log.Debug("udp: failed to write response", log.Err(err))
	}
	return len(b), nil
}

// handleRequest parses and responds to a UDP Request.
func (t *Frontend) handleRequest(r Request, w ResponseWriter) (actionName string, ip net.IP, err error) {
	ip = r.IP

	// Parse the headers of the UDP packet.
	connID := r.Packet[0:8]
	actionID := binary.BigEndian.Uint32(r.Packet[8:12])
	txID := r.Packet[12:16]

	// Get a connection ID generator/validator from the pool.
	gen := t.genPool.Get().(*ConnectionIDGenerator)
	defer t.genPool.Put(gen)

	// If this isn't requesting a new connection ID and the connection ID is
	// invalid, then fail.
	if actionID != connectActionID && !gen.Validate(connID, r.IP, timecache.Now()) {
		err = bittorrent.ErrAccessDenied
		WriteError(w, txID, err)
		return
	}

	// Handle the requested action.
	switch actionID {
	case connectActionID:
		actionName = "connect"

		if !bytes.Equal(connID, initialConnectionID) {
			// Not a BitTorrent handshake; drop it like any other noise.
			err = errMalformedPacket
			return
		}

		WriteConnectionID(w, txID, gen.Generate(r.IP, timecache.Now()))

	case announceActionID:
		actionName = "announce"

		var req *bittorrent.AnnounceRequest
		var extData interface{}
		req, extData, err = ParseAnnounce(r, timecache.NowUnix(), t.tracker.Extension().ParamsParser())
		if err != nil {
			WriteError(w, txID, err)
			return
		}

		var resp *bittorrent.AnnounceResponse
		resp, err = t.tracker.Announce(req, extData)
		if err != nil {
			WriteError(w, txID, err)
			return
		}

		WriteAnnounce(w, txID, resp, r.IP.To4() == nil)

	case scrapeActionID:
		actionName = "scrape"

		var req *bittorrent.ScrapeRequest
		req, err = ParseScrape(r, t.ParseOptions)
		if err != nil {
			WriteError(w, txID, err)
			return
		}

		WriteScrape(w, txID, t.tracker.Scrape(req))

	default:
		actionName = "unknown"
		err = errUnknownAction
		WriteError(w, txID, err)
	}

	return
}
