// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package httpfetch implements the HTTP range-fetch client: at most
// one TCP connection at a time, pipelined range requests, single- and
// multipart-response parsing (spec §4.9).
package httpfetch

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http/httpproxy"
)

// Range is an inclusive byte range, [Start, End].
type Range struct {
	Start, End int64
}

// Credential is a Basic-auth username/password pair keyed by hostname
// in a Client's auth table.
type Credential struct {
	User, Pass string
}

// maxRangesPerRequest and maxRangeHeaderBytes bound a single pipelined
// request: once either limit is reached the request is sent and
// further ranges queue for the next one.
const (
	maxRangesPerRequest = 20
	maxRangeHeaderBytes = 1200
	ringBufferSize      = 4096
)

type connState int

const (
	disconnected connState = iota
	awaitingHeaders
	inMultipart
	inBlock
)

// BlockHandler receives one decoded chunk of body bytes tagged with
// its offset in the origin resource.
type BlockHandler func(offset int64, data []byte) error

// Client maintains the single logical connection used to fetch a
// sequence of byte ranges from one origin URL.
type Client struct {
	url       *url.URL
	userAgent string
	referer   string
	auth      map[string]Credential
	proxyFunc func(*url.URL) (*url.URL, error)
	log       *logrus.Entry
	dialer    net.Dialer

	conn net.Conn
	br   *bufio.Reader
	st   connState

	boundary    string
	blockOffset int64
	blockLeft   int64

	pending      []Range
	inFlight     []Range // ranges the server has not yet responded to
	serverClose  bool
	triedAuth    bool
	requestsSent int // requests sent on the current connection, for redirect-safety checks
}

// Option configures a Client at construction.
type Option func(*Client)

// WithUserAgent sets the User-Agent header sent on every request.
func WithUserAgent(ua string) Option { return func(c *Client) { c.userAgent = ua } }

// WithReferer sets the Referer header sent on every request.
func WithReferer(r string) Option { return func(c *Client) { c.referer = r } }

// WithAuth registers Basic-auth credentials for a hostname, used when
// the server answers with 401.
func WithAuth(host string, cred Credential) Option {
	return func(c *Client) {
		if c.auth == nil {
			c.auth = make(map[string]Credential)
		}
		c.auth[host] = cred
	}
}

// WithLogger overrides the default (standard logger) logrus entry.
func WithLogger(log *logrus.Entry) Option { return func(c *Client) { c.log = log } }

// WithProxyFromEnvironment wires golang.org/x/net/http/httpproxy so the
// client honors HTTP_PROXY/HTTPS_PROXY/NO_PROXY the way common Go
// tooling does.
func WithProxyFromEnvironment() Option {
	cfg := httpproxy.FromEnvironment()
	return func(c *Client) {
		c.proxyFunc = cfg.ProxyFunc()
	}
}

// WithProxyFunc sets an arbitrary proxy resolution function, e.g. one
// built from explicit configuration rather than the environment.
func WithProxyFunc(f func(*url.URL) (*url.URL, error)) Option {
	return func(c *Client) { c.proxyFunc = f }
}

// NewClient builds a client for rawURL. The connection is opened
// lazily on the first FetchRanges call.
func NewClient(rawURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "httpfetch: parse url")
	}
	c := &Client{url: u, st: disconnected}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = logrus.NewEntry(logrus.StandardLogger())
	}
	c.dialer.Timeout = 30 * time.Second
	return c, nil
}

// FetchRanges fetches every byte range in ranges (not necessarily
// sorted) from the origin, invoking handle with each decoded chunk of
// body bytes as it arrives. handle may be called more than once per
// range and with chunks narrower than the original range.
func (c *Client) FetchRanges(ranges []Range, handle BlockHandler) error {
	c.pending = append(c.pending, ranges...)

	for len(c.pending) > 0 || c.st != disconnected {
		if c.st == disconnected {
			if err := c.sendBatch(); err != nil {
				return err
			}
			if c.st == disconnected {
				// Nothing left to send and nothing in flight.
				break
			}
		}

		offset, data, err := c.getRangeBlock(64 * 1024)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if len(data) > 0 {
			if err := handle(offset, data); err != nil {
				return errors.Wrap(err, "httpfetch: block handler")
			}
		}
	}
	return nil
}

// Close tears down the connection unconditionally and discards any
// queued ranges. There is no mid-request cancellation short of this.
func (c *Client) Close() error {
	err := c.disconnectSocket()
	c.pending = nil
	c.inFlight = nil
	return err
}

// disconnectSocket closes the socket (if any) without touching the
// pending/inFlight range queues, so callers that need to requeue
// in-flight ranges (redirects, auth retries, normal completion) can do
// so afterwards.
func (c *Client) disconnectSocket() error {
	c.st = disconnected
	c.boundary = ""
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.br = nil
	return err
}

// sendBatch opens a connection if needed and writes the next pipelined
// request, containing up to maxRangesPerRequest ranges whose formatted
// Range header stays under maxRangeHeaderBytes.
func (c *Client) sendBatch() error {
	if len(c.pending) == 0 {
		return nil
	}

	if c.conn == nil {
		if err := c.connect(c.url); err != nil {
			return err
		}
		c.requestsSent = 0
	}

	batch, rest := c.takeBatch(c.pending)
	c.pending = rest
	c.serverClose = len(c.pending) == 0

	if err := c.writeRequest(batch, c.serverClose); err != nil {
		return err
	}
	c.inFlight = append(c.inFlight, batch...)
	c.requestsSent++
	c.st = awaitingHeaders
	return nil
}

// takeBatch splits off a prefix of ranges respecting the pipelining
// cap and request-line byte budget.
func (c *Client) takeBatch(ranges []Range) (batch, rest []Range) {
	var sb strings.Builder
	for i, r := range ranges {
		piece := fmt.Sprintf("%d-%d,", r.Start, r.End)
		if i >= maxRangesPerRequest || sb.Len()+len(piece) > maxRangeHeaderBytes {
			return ranges[:i], ranges[i:]
		}
		sb.WriteString(piece)
	}
	return ranges, nil
}

// connect dials the origin (or proxy) over plain HTTP. HTTPS is out of
// scope (spec Non-goals): the control file and range requests this
// client speaks are always plaintext HTTP.
func (c *Client) connect(u *url.URL) error {
	host := u.Host
	if !strings.Contains(host, ":") {
		host += ":80"
	}

	dialTarget := host
	if c.proxyFunc != nil {
		if p, err := c.proxyFunc(u); err == nil && p != nil {
			dialTarget = p.Host
		}
	}

	conn, err := c.dialer.Dial("tcp", dialTarget)
	if err != nil {
		return errors.Wrapf(err, "httpfetch: dial %s", dialTarget)
	}

	c.conn = conn
	c.br = bufio.NewReaderSize(conn, ringBufferSize)
	return nil
}

// writeRequest formats and sends a single pipelined GET with a
// multi-range Range header.
func (c *Client) writeRequest(ranges []Range, last bool) error {
	var sb strings.Builder
	sb.WriteString("GET ")
	sb.WriteString(c.url.RequestURI())
	sb.WriteString(" HTTP/1.1\r\nHost: ")
	sb.WriteString(c.url.Host)
	sb.WriteString("\r\nRange: bytes=")
	for i, r := range ranges {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatInt(r.Start, 10))
		sb.WriteByte('-')
		sb.WriteString(strconv.FormatInt(r.End, 10))
	}
	sb.WriteString("\r\n")
	if c.userAgent != "" {
		sb.WriteString("User-Agent: " + c.userAgent + "\r\n")
	}
	if c.referer != "" {
		sb.WriteString("Referer: " + c.referer + "\r\n")
	}
	if cred, ok := c.auth[c.url.Hostname()]; ok {
		token := base64.StdEncoding.EncodeToString([]byte(cred.User + ":" + cred.Pass))
		sb.WriteString("Authorization: Basic " + token + "\r\n")
	}
	if last {
		sb.WriteString("Connection: close\r\n")
	}
	sb.WriteString("\r\n")

	if sb.Len() > maxRangeHeaderBytes+512 {
		c.log.Warn("httpfetch: request line exceeded expected budget")
	}

	_, err := io.WriteString(c.conn, sb.String())
	return errors.Wrap(err, "httpfetch: write request")
}

// getRangeBlock returns up to maxlen bytes of the current block's
// body, along with the absolute offset of the first byte returned. It
// transitions the connection state machine as blocks and responses are
// exhausted, and drives pipelined request sends as needed.
func (c *Client) getRangeBlock(maxlen int) (int64, []byte, error) {
	for {
		switch c.st {
		case disconnected:
			return 0, nil, io.EOF

		case awaitingHeaders:
			if err := c.readHeaders(); err != nil {
				return 0, nil, err
			}

		case inMultipart:
			if err := c.readMultipartBoundary(); err != nil {
				return 0, nil, err
			}

		case inBlock:
			n := maxlen
			if int64(n) > c.blockLeft {
				n = int(c.blockLeft)
			}
			buf := make([]byte, n)
			read, err := io.ReadFull(c.br, buf)
			if err != nil && err != io.ErrUnexpectedEOF {
				return 0, nil, errors.Wrap(err, "httpfetch: read block body")
			}
			offset := c.blockOffset
			c.blockOffset += int64(read)
			c.blockLeft -= int64(read)
			if c.blockLeft == 0 {
				c.advanceAfterBlock()
			}
			return offset, buf[:read], nil
		}
	}
}

// advanceAfterBlock transitions out of inBlock once block_left hits
// zero: back into multipart boundary scanning, or to the next
// pipelined response, or disconnected if nothing remains. One
// in-flight range is retired here regardless of branch: a multipart
// response retires one entry per part, the same as a plain 206
// retires the one range it served.
func (c *Client) advanceAfterBlock() {
	if len(c.inFlight) > 0 {
		c.inFlight = c.inFlight[1:]
	}
	if c.boundary != "" {
		c.st = inMultipart
		return
	}
	if len(c.pending) > 0 && !c.serverClose {
		_ = c.sendBatch()
		return
	}
	if c.serverClose {
		_ = c.disconnectSocket()
		return
	}
	c.st = awaitingHeaders
}

func (c *Client) rfgets() (string, error) {
	line, err := c.br.ReadString('\n')
	if err != nil {
		return "", errors.Wrap(err, "httpfetch: read line")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readHeaders parses one HTTP response's status line and headers,
// handling redirects and auth challenges, then sets up the block or
// multipart state depending on Content-Type/Content-Range.
func (c *Client) readHeaders() error {
	status, err := c.rfgets()
	if err != nil {
		return err
	}
	parts := strings.SplitN(status, " ", 3)
	if len(parts) < 2 {
		return errors.Errorf("httpfetch: malformed status line %q", status)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return errors.Wrapf(err, "httpfetch: malformed status code %q", parts[1])
	}

	headers := map[string]string{}
	for {
		line, err := c.rfgets()
		if err != nil {
			return err
		}
		if line == "" {
			break
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			headers[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}

	switch {
	case code == 301 || code == 302:
		if c.requestsSent > 1 {
			return errors.Errorf("httpfetch: redirect %d received after pipelining began", code)
		}
		loc := headers["location"]
		if loc == "" {
			return errors.New("httpfetch: redirect without Location header")
		}
		u, err := c.url.Parse(loc)
		if err != nil {
			return errors.Wrap(err, "httpfetch: parse redirect location")
		}
		_ = c.disconnectSocket()
		c.url = u
		c.pending = append(c.inFlight, c.pending...)
		c.inFlight = nil
		return c.sendBatch()

	case code == 401:
		if c.triedAuth {
			return errors.New("httpfetch: authentication failed")
		}
		if _, ok := c.auth[c.url.Hostname()]; !ok {
			return errors.New("httpfetch: server requires authentication and none is configured")
		}
		c.triedAuth = true
		_ = c.disconnectSocket()
		c.pending = append(c.inFlight, c.pending...)
		c.inFlight = nil
		return c.sendBatch()

	case code == 206:
		return c.configureFromHeaders(headers)

	default:
		return errors.Errorf("httpfetch: unexpected status %d", code)
	}
}

func (c *Client) configureFromHeaders(headers map[string]string) error {
	if ct := headers["content-type"]; strings.HasPrefix(ct, "multipart/byteranges") {
		_, params, err := parseContentType(ct)
		if err != nil {
			return errors.Wrap(err, "httpfetch: parse multipart content-type")
		}
		c.boundary = params["boundary"]
		if c.boundary == "" {
			return errors.New("httpfetch: multipart response missing boundary")
		}
		c.st = inMultipart
		return nil
	}

	cr := headers["content-range"]
	start, end, err := parseContentRange(cr)
	if err != nil {
		return errors.Wrapf(err, "httpfetch: parse Content-Range %q", cr)
	}
	c.boundary = ""
	c.blockOffset = start
	c.blockLeft = end - start + 1
	c.st = inBlock
	return nil
}

// readMultipartBoundary scans forward to the next "--boundary" marker,
// ending the response on the terminal "--boundary--", then parses the
// part's own Content-Range header.
func (c *Client) readMultipartBoundary() error {
	for {
		line, err := c.rfgets()
		if err != nil {
			return err
		}
		if line == "--"+c.boundary+"--" {
			c.advanceAfterMultipartEnd()
			return nil
		}
		if line == "--"+c.boundary {
			break
		}
	}

	headers := map[string]string{}
	for {
		line, err := c.rfgets()
		if err != nil {
			return err
		}
		if line == "" {
			break
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			headers[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}

	start, end, err := parseContentRange(headers["content-range"])
	if err != nil {
		return errors.Wrap(err, "httpfetch: parse multipart part Content-Range")
	}
	c.blockOffset = start
	c.blockLeft = end - start + 1
	c.st = inBlock
	return nil
}

// advanceAfterMultipartEnd is reached when the terminal boundary ends
// the response body entirely. Every part already retired its own
// inFlight entry via advanceAfterBlock, so this only tears down the
// multipart state and moves on to the next batch or disconnects.
func (c *Client) advanceAfterMultipartEnd() {
	c.boundary = ""
	if len(c.pending) > 0 && !c.serverClose {
		_ = c.sendBatch()
		return
	}
	_ = c.disconnectSocket()
}

func parseContentRange(v string) (start, end int64, err error) {
	v = strings.TrimPrefix(v, "bytes ")
	dash := strings.IndexByte(v, '-')
	slash := strings.IndexByte(v, '/')
	if dash < 0 || slash < 0 || slash < dash {
		return 0, 0, errors.Errorf("malformed Content-Range %q", v)
	}
	start, err = strconv.ParseInt(v[:dash], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	end, err = strconv.ParseInt(v[dash+1:slash], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseContentType(v string) (mediaType string, params map[string]string, err error) {
	params = map[string]string{}
	parts := strings.Split(v, ";")
	mediaType = strings.TrimSpace(parts[0])
	for _, p := range parts[1:] {
		k, val, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		params[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(val), `"`)
	}
	return mediaType, params, nil
}

