package tracker

import (
	"net"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/kasumi/kasumi/bittorrent"
	"github.com/kasumi/kasumi/pkg/log"
	"github.com/kasumi/kasumi/pkg/stop"
	"github.com/kasumi/kasumi/pkg/timecache"
)

// Default config constants.
const (
	defaultAnnounceInterval            = 15 * time.Minute
	defaultMinAnnounceInterval         = time.Minute
	defaultPeerLifetime                = 30 * time.Minute
	defaultDefaultNumWant              = 32
	defaultMaxNumWant                  = 128
	defaultShardCount                  = 1024
	defaultGarbageCollectionInterval   = time.Minute
	defaultPrometheusReportingInterval = time.Second

	// hardMaxNumWant bounds the announce reply at the protocol level; no
	// configuration may raise it further.
	hardMaxNumWant = 256
)

// Config holds the configuration of a Tracker.
type Config struct {
	AnnounceInterval            time.Duration `yaml:"interval"`
	MinAnnounceInterval         time.Duration `yaml:"min_interval"`
	PeerLifetime                time.Duration `yaml:"max_interval"`
	DefaultNumWant              int32         `yaml:"default_num_want"`
	MaxNumWant                  int32         `yaml:"max_num_want"`
	TrackUnknownTorrents        bool          `yaml:"track_unknown_torrents"`
	UnsafeTrustIPParam          bool          `yaml:"unsafe_trust_ip_param"`
	TrustIPParamIfLocal         bool          `yaml:"trust_ip_param_if_local"`
	DenyAllIPChanges            bool          `yaml:"deny_all_ip_changes"`
	ShardCount                  int           `yaml:"shard_count"`
	GarbageCollectionInterval   time.Duration `yaml:"gc_interval"`
	PrometheusReportingInterval time.Duration `yaml:"prometheus_reporting_interval"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"interval":             cfg.AnnounceInterval,
		"minInterval":          cfg.MinAnnounceInterval,
		"peerLifetime":         cfg.PeerLifetime,
		"defaultNumWant":       cfg.DefaultNumWant,
		"maxNumWant":           cfg.MaxNumWant,
		"trackUnknownTorrents": cfg.TrackUnknownTorrents,
		"unsafeTrustIPParam":   cfg.UnsafeTrustIPParam,
		"trustIPParamIfLocal":  cfg.TrustIPParamIfLocal,
		"denyAllIPChanges":     cfg.DenyAllIPChanges,
		"shardCount":           cfg.ShardCount,
		"gcInterval":           cfg.GarbageCollectionInterval,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.AnnounceInterval <= 0 {
		validcfg.AnnounceInterval = defaultAnnounceInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "tracker.Interval",
			"provided": cfg.AnnounceInterval,
			"default":  validcfg.AnnounceInterval,
		})
	}

	if cfg.MinAnnounceInterval <= 0 {
		validcfg.MinAnnounceInterval = defaultMinAnnounceInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "tracker.MinInterval",
			"provided": cfg.MinAnnounceInterval,
			"default":  validcfg.MinAnnounceInterval,
		})
	}

	if cfg.PeerLifetime < 0 {
		validcfg.PeerLifetime = defaultPeerLifetime
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "tracker.MaxInterval",
			"provided": cfg.PeerLifetime,
			"default":  validcfg.PeerLifetime,
		})
	}

	if cfg.DefaultNumWant <= 0 {
		validcfg.DefaultNumWant = defaultDefaultNumWant
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "tracker.DefaultNumWant",
			"provided": cfg.DefaultNumWant,
			"default":  validcfg.DefaultNumWant,
		})
	}

	if cfg.MaxNumWant <= 0 {
		validcfg.MaxNumWant = defaultMaxNumWant
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "tracker.MaxNumWant",
			"provided": cfg.MaxNumWant,
			"default":  validcfg.MaxNumWant,
		})
	}

	if validcfg.MaxNumWant > hardMaxNumWant {
		validcfg.MaxNumWant = hardMaxNumWant
		log.Warn("lowering max_num_want to the protocol cap", log.Fields{
			"name":     "tracker.MaxNumWant",
			"provided": cfg.MaxNumWant,
			"default":  validcfg.MaxNumWant,
		})
	}

	if cfg.ShardCount <= 0 {
		validcfg.ShardCount = defaultShardCount
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "tracker.ShardCount",
			"provided": cfg.ShardCount,
			"default":  validcfg.ShardCount,
		})
	}

	if cfg.GarbageCollectionInterval <= 0 {
		validcfg.GarbageCollectionInterval = defaultGarbageCollectionInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "tracker.GarbageCollectionInterval",
			"provided": cfg.GarbageCollectionInterval,
			"default":  validcfg.GarbageCollectionInterval,
		})
	}

	if cfg.PrometheusReportingInterval <= 0 {
		validcfg.PrometheusReportingInterval = defaultPrometheusReportingInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "tracker.PrometheusReportingInterval",
			"provided": cfg.PrometheusReportingInterval,
			"default":  validcfg.PrometheusReportingInterval,
		})
	}

	return validcfg
}

// shard is one slice of the infohash keyspace.
type shard struct {
	swarms map[bittorrent.InfoHash]*Swarm
	sync.RWMutex
}

// Tracker maps infohashes to swarms and enforces the global announce
// invariants.
type Tracker struct {
	cfg    Config
	ext    Extension
	shards []*shard

	closed chan struct{}
	wg     sync.WaitGroup
}

// New creates a Tracker and starts its eviction and statistics goroutines.
//
// A nil ext falls back to NoopExtension.
func New(provided Config, ext Extension) *Tracker {
	cfg := provided.Validate()
	if ext == nil {
		ext = NoopExtension{}
	}

	t := &Tracker{
		cfg:    cfg,
		ext:    ext,
		shards: make([]*shard, cfg.ShardCount),
		closed: make(chan struct{}),
	}
	for i := range t.shards {
		t.shards[i] = &shard{swarms: make(map[bittorrent.InfoHash]*Swarm)}
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		tick := time.NewTicker(cfg.GarbageCollectionInterval)
		defer tick.Stop()
		for {
			select {
			case <-t.closed:
				return
			case <-tick.C:
				start := time.Now()
				t.EvictAll(timecache.NowUnix())
				recordGCDuration(time.Since(start))
				log.Debug("tracker: eviction sweep finished", log.Fields{"timeTaken": time.Since(start)})
			}
		}
	}()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		tick := time.NewTicker(cfg.PrometheusReportingInterval)
		defer tick.Stop()
		for {
			select {
			case <-t.closed:
				return
			case <-tick.C:
				t.populateProm()
			}
		}
	}()

	return t
}

// Config returns the validated configuration the tracker runs with.
func (t *Tracker) Config() Config { return t.cfg }

// Extension returns the extension strategy the tracker runs with.
func (t *Tracker) Extension() Extension { return t.ext }

// Stop shuts down the background goroutines.
func (t *Tracker) Stop() stop.Result {
	select {
	case <-t.closed:
		return stop.AlreadyStopped
	default:
	}

	c := make(stop.Channel)
	go func() {
		close(t.closed)
		t.wg.Wait()
		c.Done(nil)
	}()
	return c.Result()
}

// populateProm aggregates metrics over all shards and then posts them to
// prometheus.
func (t *Tracker) populateProm() {
	var numInfohashes, numSeeders, numLeechers int64

	for _, sh := range t.shards {
		sh.RLock()
		numInfohashes += int64(len(sh.swarms))
		for _, s := range sh.swarms {
			s.RLock()
			numSeeders += int64(s.complete)
			numLeechers += int64(s.incomplete)
			s.RUnlock()
		}
		sh.RUnlock()
	}

	promInfohashesCount.Set(float64(numInfohashes))
	promSeedersCount.Set(float64(numSeeders))
	promLeechersCount.Set(float64(numLeechers))
}

func (t *Tracker) shardOf(ih bittorrent.InfoHash) *shard {
	return t.shards[xxhash.Sum64(ih[:])%uint64(len(t.shards))]
}

// isLocal reports whether ip is an RFC 1918 private IPv4 address or an
// RFC 4193 unique local IPv6 address.
func isLocal(ip net.IP) bool {
	return ip.IsPrivate()
}

// trusted reports whether the trust-ip policy admits the self-declared IP of
// a request observed from remote.
func (t *Tracker) trusted(remote net.IP) bool {
	return t.cfg.UnsafeTrustIPParam || (t.cfg.TrustIPParamIfLocal && isLocal(remote))
}

// effectiveIP resolves the address a peer will be stored and compared under.
func (t *Tracker) effectiveIP(req *bittorrent.AnnounceRequest) net.IP {
	ip := req.RemoteIP
	if req.ProvidedIP != nil && t.trusted(req.RemoteIP) {
		ip = req.ProvidedIP
	}
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}

// Announce handles one announce request end to end: preconditions, swarm
// lookup or creation, identity validation, peer selection and the state
// machine, all while holding the swarm's write lock so the request sees one
// consistent snapshot.
func (t *Tracker) Announce(req *bittorrent.AnnounceRequest, extData interface{}) (*bittorrent.AnnounceResponse, error) {
	// No sane BitTorrent client listens for peer connections on a system
	// port; refusing them keeps the tracker out of amplification attacks.
	if req.Port < 1024 {
		return nil, bittorrent.ErrInvalidPort
	}

	numWant := req.NumWant
	if numWant < 0 {
		numWant = t.cfg.DefaultNumWant
	} else if numWant > t.cfg.MaxNumWant {
		numWant = t.cfg.MaxNumWant
	}

	ip := t.effectiveIP(req)

	sh := t.shardOf(req.InfoHash)
	sh.RLock()
	s, ok := sh.swarms[req.InfoHash]
	if ok {
		s.Lock()
		sh.RUnlock()
	} else {
		sh.RUnlock()
		if !t.cfg.TrackUnknownTorrents {
			return nil, bittorrent.ErrTorrentNotFound
		}
		sh.Lock()
		s, ok = sh.swarms[req.InfoHash]
		if !ok {
			s = NewSwarm()
			sh.swarms[req.InfoHash] = s
		}
		s.Lock()
		sh.Unlock()
	}
	defer s.Unlock()

	if err := s.Validate(req, ip, t.cfg.DenyAllIPChanges); err != nil {
		return nil, err
	}

	peer := s.Peer(req.PeerID)
	if err := t.ext.Validate(req, extData, peer); err != nil {
		return nil, err
	}

	// Peers re-announcing before the minimum interval still have their
	// state accepted, but are not served a peer list.
	wantPeers := req.Event != bittorrent.Stopped && numWant > 0
	if peer != nil && req.Timestamp-peer.LastAnnounce < int64(t.cfg.MinAnnounceInterval/time.Second) {
		wantPeers = false
	}

	scrape := s.Scrape()
	resp := &bittorrent.AnnounceResponse{
		Interval:   t.cfg.AnnounceInterval,
		Complete:   int32(scrape.Complete),
		Incomplete: int32(scrape.Incomplete),
	}
	if wantPeers {
		resp.Peers = s.Select(req.PeerID, ip, req.Left == 0, int(numWant))
	}

	s.Apply(req, ip)

	return resp, nil
}

// Scrape reads the aggregate counters for each requested torrent, in request
// order. Unknown torrents yield zeroes.
func (t *Tracker) Scrape(req *bittorrent.ScrapeRequest) *bittorrent.ScrapeResponse {
	resp := &bittorrent.ScrapeResponse{
		Files: make([]bittorrent.Scrape, 0, len(req.InfoHashes)),
	}

	for _, ih := range req.InfoHashes {
		sh := t.shardOf(ih)
		sh.RLock()
		s, ok := sh.swarms[ih]
		if !ok {
			sh.RUnlock()
			resp.Files = append(resp.Files, bittorrent.Scrape{})
			continue
		}
		s.RLock()
		sh.RUnlock()
		resp.Files = append(resp.Files, s.Scrape())
		s.RUnlock()
	}

	return resp
}

// EvictAll removes expired peers from every swarm and drops swarms that end
// up empty.
func (t *Tracker) EvictAll(now int64) {
	threshold := int64(t.cfg.PeerLifetime / time.Second)

	for _, sh := range t.shards {
		var empty []bittorrent.InfoHash

		sh.RLock()
		for ih, s := range sh.swarms {
			s.Lock()
			if s.Evict(now, threshold) {
				empty = append(empty, ih)
			}
			s.Unlock()
		}
		sh.RUnlock()

		if len(empty) == 0 {
			continue
		}

		sh.Lock()
		for _, ih := range empty {
			s, ok := sh.swarms[ih]
			if !ok {
				continue
			}
			// An announce may have raced the sweep and repopulated the
			// swarm; only drop it if it is still empty.
			s.RLock()
			if s.Empty() {
				delete(sh.swarms, ih)
			}
			s.RUnlock()
		}
		sh.Unlock()
	}
}
