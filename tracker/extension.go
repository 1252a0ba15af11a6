package tracker

import "github.com/kasumi/kasumi/bittorrent"

// Extension customizes announce handling without touching the engine.
//
// The UDP front-end obtains a fresh params parser per request to collect the
// query parameters the announce parser does not recognize; whatever that
// parser finalizes into is handed back to Validate together with the stored
// peer record, if any. Validate runs under the swarm's write lock, before
// any state change, so a rejection leaves the swarm untouched.
type Extension interface {
	// ParamsParser returns a parser for unrecognized query parameters.
	// It may return nil if the extension has no parameters of its own.
	ParamsParser() bittorrent.ParamsParser

	// Validate runs custom checks on an announce. peer is nil when the
	// peer ID is not in the swarm yet. Returning a bittorrent.ClientError
	// surfaces the message to the client; any other error is reported as
	// an internal fault.
	Validate(req *bittorrent.AnnounceRequest, extData interface{}, peer *Peer) error
}

// NoopExtension is the default Extension: no extra parameters, no extra
// checks.
type NoopExtension struct{}

// ParamsParser implements Extension.
func (NoopExtension) ParamsParser() bittorrent.ParamsParser { return nil }

// Validate implements Extension.
func (NoopExtension) Validate(_ *bittorrent.AnnounceRequest, _ interface{}, _ *Peer) error {
	return nil
}
