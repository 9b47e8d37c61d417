// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package zsync ties the control-file parser, the local matching
// engine, the zmap/receiver compressed-stream path, and the HTTP
// range-fetch client into the end-to-end delta-transfer driver: parse
// control file, feed seed data, fetch the remaining ranges, verify,
// rename into place.
package zsync

import (
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/zsync-go/zsync/internal/httpfetch"
)

// Config carries the in-process equivalent of the CLI front end's
// flags: everything that used to be a module-level global or a getopt
// flag is explicit configuration passed into a Session at
// construction.
type Config struct {
	// BlockSizeOverride, if non-zero, must equal the control file's own
	// Blocksize: Open rejects any other value, since zsync control
	// files always carry an authoritative Blocksize. In practice this
	// is rarely set.
	BlockSizeOverride int

	// SeedFiles are additional local files (-i) fed through the
	// matcher before the fetch phase, in the order given.
	SeedFiles []string

	// OutputPath overrides the control file's suggested Filename (-o).
	OutputPath string

	// Referer resolves relative URLs in the control file when it was
	// obtained out of band from its own URL (-u).
	Referer string

	// UserAgent is sent on every HTTP request.
	UserAgent string

	// Auth maps a hostname to Basic-auth credentials (-A). The cmd/zsync
	// front end accepts a single -A value, so it fills in at most one
	// entry.
	Auth map[string]httpfetch.Credential

	// ProxyFunc resolves the proxy to dial through for a given
	// request URL, e.g. httpproxy.FromEnvironment().ProxyFunc().
	ProxyFunc func(*url.URL) (*url.URL, error)

	// Quiet suppresses progress reporting (-s/-q). Progress rendering
	// itself is out of scope; this only silences the phase-transition
	// Info logs a caller might otherwise expect.
	Quiet bool

	// Logger is the base entry phase and diagnostic logs are derived
	// from. Defaults to logrus.StandardLogger() if nil.
	Logger *logrus.Entry
}

// Option mutates a Config at construction.
type Option func(*Config)

// WithBlockSizeOverride sets Config.BlockSizeOverride.
func WithBlockSizeOverride(n int) Option {
	return func(c *Config) { c.BlockSizeOverride = n }
}

// WithSeedFile appends a local seed file path.
func WithSeedFile(path string) Option {
	return func(c *Config) { c.SeedFiles = append(c.SeedFiles, path) }
}

// WithOutputPath sets the output filename, overriding the control
// file's Filename.
func WithOutputPath(path string) Option {
	return func(c *Config) { c.OutputPath = path }
}

// WithReferer sets the referer URL used to resolve relative control
// file URLs and sent on HTTP requests.
func WithReferer(r string) Option {
	return func(c *Config) { c.Referer = r }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Config) { c.UserAgent = ua }
}

// WithAuth registers Basic-auth credentials for host.
func WithAuth(host, user, pass string) Option {
	return func(c *Config) {
		if c.Auth == nil {
			c.Auth = make(map[string]httpfetch.Credential)
		}
		c.Auth[host] = httpfetch.Credential{User: user, Pass: pass}
	}
}

// WithProxyFunc sets the proxy resolution function.
func WithProxyFunc(f func(*url.URL) (*url.URL, error)) Option {
	return func(c *Config) { c.ProxyFunc = f }
}

// WithQuiet suppresses phase-transition progress logging.
func WithQuiet(q bool) Option {
	return func(c *Config) { c.Quiet = q }
}

// WithLogger overrides the default logger entry.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Config) { c.Logger = log }
}

// NewConfig builds a Config from functional options.
func NewConfig(opts ...Option) Config {
	var c Config
	for _, o := range opts {
		o(&c)
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return c
}
