// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"fmt"
	"io"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zsync-go/zsync/internal/control"
	"github.com/zsync-go/zsync/internal/httpfetch"
	"github.com/zsync-go/zsync/internal/matcher"
	"github.com/zsync-go/zsync/internal/rangeset"
	"github.com/zsync-go/zsync/internal/receiver"
	"github.com/zsync-go/zsync/internal/store"
	"github.com/zsync-go/zsync/internal/zmap"
)

// ErrNoURLsRemain is returned by Fetch when every URL in the relevant
// list (plain or compressed) has been eliminated by a transport error
// and blocks still remain outstanding.
var ErrNoURLsRemain = errors.New("zsync: no download URLs remain usable")

// Session drives one zsync transfer end to end: from a parsed control
// file through seed feeding, fetching, verification, and the final
// rename into place (spec §2, §5, §6.4).
type Session struct {
	cfg    Config
	log    *logrus.Entry
	cf     *control.File
	store  *store.Store
	engine *matcher.Engine

	outputPath string
	partPath   string
}

// Open allocates the scratch file for cf, feeds any local seed data —
// any explicitly configured seed files, an existing output file, and
// an existing ".part" from a previous attempt, in that order —
// through the matching engine, then claims the scratch as the durable
// "<output>.part" working file so a later failure preserves whatever
// progress was made.
//
// sourceRef is the control file's own URL or path, as given by the
// caller; it is used only to derive a default output filename when
// neither cfg.OutputPath nor the control file's own Filename apply.
func Open(cf *control.File, sourceRef string, cfg Config) (*Session, error) {
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Quiet {
		quiet := logrus.New()
		quiet.SetOutput(log.Logger.Out)
		quiet.SetFormatter(log.Logger.Formatter)
		quiet.Hooks = log.Logger.Hooks
		quiet.SetLevel(logrus.WarnLevel)
		log = quiet.WithFields(log.Data)
	}

	blockSize := cf.BlockSize
	if cfg.BlockSizeOverride != 0 && cfg.BlockSizeOverride != blockSize {
		return nil, errors.Errorf("zsync: configured block size %d does not match control file block size %d", cfg.BlockSizeOverride, blockSize)
	}

	outputPath := cfg.OutputPath
	if outputPath == "" {
		outputPath = defaultFilename(sourceRef, cf)
	}
	partPath := outputPath + ".part"

	dir := filepath.Dir(outputPath)
	st, err := store.New(dir, blockSize, cf.Blocks.Blocks())
	if err != nil {
		return nil, err
	}

	engine := matcher.New(cf.Blocks, st, st.Ranges(), log)

	s := &Session{
		cfg: cfg, log: log, cf: cf, store: st, engine: engine,
		outputPath: outputPath, partPath: partPath,
	}

	for _, seed := range cfg.SeedFiles {
		if err := s.submitSeedFile(seed); err != nil {
			st.Close()
			return nil, err
		}
	}
	if err := s.submitSeedFileIfExists(outputPath); err != nil {
		st.Close()
		return nil, err
	}
	if err := s.submitSeedFileIfExists(partPath); err != nil {
		st.Close()
		return nil, err
	}

	got := st.Ranges().GotBlocks() * uint64(blockSize)
	total := cf.Blocks.Blocks() * uint64(blockSize)
	log.WithFields(logrus.Fields{
		"used":  humanize.Bytes(got),
		"total": humanize.Bytes(total),
	}).Info("zsync: seed matching complete")
	if got == 0 {
		log.Warn("zsync: no usable local data found, downloading the whole file")
	}

	// Claim ownership of the scratch file now, before the fetch phase:
	// a later fatal error must leave this file on disk as the resumable
	// ".part", not unlink it as an abandoned temp file.
	st.TakeFilename()
	if err := st.Rename(partPath); err != nil {
		st.Close()
		return nil, err
	}

	return s, nil
}

// OutputPath returns the final destination path this session will
// rename the completed download to.
func (s *Session) OutputPath() string { return s.outputPath }

// PartPath returns the working file's current path on disk.
func (s *Session) PartPath() string { return s.partPath }

func (s *Session) submitSeedFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "zsync: open seed file %s", path)
	}
	defer f.Close()
	if err := s.feedSeed(f); err != nil {
		return errors.Wrapf(err, "zsync: seed file %s", path)
	}
	return nil
}

func (s *Session) submitSeedFileIfExists(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "zsync: open %s", path)
	}
	defer f.Close()
	if err := s.feedSeed(f); err != nil {
		return errors.Wrapf(err, "zsync: local data %s", path)
	}
	return nil
}

// feedSeed streams r through the matching engine, honoring
// matcher.Engine.SubmitSourceData's overlapping-buffer contract:
// a window of blockSize*seqMatches trailing context bytes from each
// call is carried over as the leading bytes of the next, and the
// final call is zero-padded to a full context's worth of trailing
// bytes.
func (s *Session) feedSeed(r io.Reader) error {
	blockSize := s.cf.BlockSize
	context := blockSize * s.cf.SeqMatches
	const chunk = 32 * 1024
	bufCap := chunk + context

	buf := make([]byte, 0, bufCap)
	var offset int64

	for {
		tmp := make([]byte, bufCap-len(buf))
		n, rerr := io.ReadFull(r, tmp)
		if rerr != nil && rerr != io.ErrUnexpectedEOF && rerr != io.EOF {
			return errors.Wrap(rerr, "zsync: read seed data")
		}
		eof := rerr == io.ErrUnexpectedEOF || rerr == io.EOF
		buf = append(buf, tmp[:n]...)
		if eof {
			buf = append(buf, make([]byte, context)...)
		}
		if len(buf) == 0 {
			return nil
		}

		if _, err := s.engine.SubmitSourceData(buf, offset); err != nil {
			return errors.Wrap(err, "zsync: submit seed data")
		}
		if eof {
			return nil
		}

		offset += int64(len(buf) - context)
		copy(buf[:context], buf[len(buf)-context:])
		buf = buf[:context]
	}
}

// Fetch retrieves whatever blocks the seed-feeding phase left
// outstanding, trying URLs from the control file at random and
// eliminating any that fail a transport check (spec §7). It prefers
// the compressed URL list when the control file declares both a zmap
// and at least one Z-URL.
func (s *Session) Fetch() error {
	total := s.cf.Blocks.Blocks()
	if total == 0 {
		return nil
	}

	compressed := s.cf.ZMap != nil && len(s.cf.ZURLs) > 0
	urls := s.cf.URLs
	if compressed {
		urls = s.cf.ZURLs
	}
	if len(urls) == 0 {
		return errors.New("zsync: no download URLs available in control file")
	}

	eliminated := make([]bool, len(urls))
	remaining := len(urls)

	for {
		needed := s.store.Ranges().NeededRanges(0, total-1)
		if len(needed) == 0 {
			return nil
		}
		if remaining == 0 {
			return errors.Wrap(ErrNoURLsRemain, "zsync: fetch")
		}

		idx := pickUneliminated(eliminated, remaining)
		rawURL := urls[idx]

		err := s.fetchFromURL(rawURL, needed, compressed)
		if err == nil {
			continue
		}
		s.log.WithError(err).WithField("url", rawURL).Warn("zsync: eliminating url after transport error")
		eliminated[idx] = true
		remaining--
	}
}

func pickUneliminated(eliminated []bool, remaining int) int {
	n := rand.Intn(remaining)
	for i, e := range eliminated {
		if e {
			continue
		}
		if n == 0 {
			return i
		}
		n--
	}
	panic("zsync: pickUneliminated: remaining count did not match eliminated slice")
}

func (s *Session) fetchFromURL(rawURL string, needed []rangeset.Range, compressed bool) error {
	absURL, err := resolveURL(s.cfg.Referer, rawURL)
	if err != nil {
		return err
	}

	userAgent := s.cfg.UserAgent
	if userAgent == "" {
		userAgent = fmt.Sprintf("zsync/%s", control.ConsumerVersion)
	}

	opts := []httpfetch.Option{
		httpfetch.WithUserAgent(userAgent),
		httpfetch.WithLogger(s.log),
	}
	if s.cfg.Referer != "" {
		opts = append(opts, httpfetch.WithReferer(s.cfg.Referer))
	}
	if s.cfg.ProxyFunc != nil {
		opts = append(opts, httpfetch.WithProxyFunc(s.cfg.ProxyFunc))
	}
	for host, cred := range s.cfg.Auth {
		opts = append(opts, httpfetch.WithAuth(host, cred))
	}

	client, err := httpfetch.NewClient(absURL, opts...)
	if err != nil {
		return err
	}
	defer client.Close()

	byteRanges := blockRangesToByteRanges(needed, s.cf.BlockSize, s.cf.Length)

	var fetchRanges []httpfetch.Range
	var finisher interface{ Finish() error }
	var handle httpfetch.BlockHandler

	vw := receiver.NewVerifyingWriter(s.cf.Blocks, s.cf.BlockSize, s.store, s.log)

	if compressed {
		zranges := make([]zmap.ByteRange, len(byteRanges))
		for i, r := range byteRanges {
			zranges[i] = zmap.ByteRange{Start: r.Start, End: r.End + 1}
		}
		compressedRanges, err := s.cf.ZMap.ToCompressedRanges(zranges)
		if err != nil {
			return errors.Wrap(err, "zsync: translate needed ranges to compressed stream")
		}
		fetchRanges = make([]httpfetch.Range, len(compressedRanges))
		for i, r := range compressedRanges {
			fetchRanges[i] = httpfetch.Range{Start: r.Start, End: r.End - 1}
		}

		rec := receiver.NewCompressedReceiver(s.cf.BlockSize, s.cf.ZMap, s.store, vw)
		finisher = rec
		handle = func(offset int64, data []byte) error { return rec.ReceiveData(data, offset) }
	} else {
		fetchRanges = byteRanges
		rec := receiver.NewPlainReceiver(s.cf.BlockSize, vw)
		finisher = rec
		handle = func(offset int64, data []byte) error { return rec.ReceiveData(data, offset) }
	}

	if err := client.FetchRanges(fetchRanges, handle); err != nil {
		return err
	}
	return finisher.Finish()
}

// blockRangesToByteRanges converts inclusive block-id ranges to
// inclusive byte ranges, capping the final block to the file's exact
// length (the last block is frequently short).
func blockRangesToByteRanges(blocks []rangeset.Range, blockSize int, length int64) []httpfetch.Range {
	out := make([]httpfetch.Range, len(blocks))
	for i, b := range blocks {
		start := int64(b.Lo) * int64(blockSize)
		end := (int64(b.Hi)+1)*int64(blockSize) - 1
		if end > length-1 {
			end = length - 1
		}
		out[i] = httpfetch.Range{Start: start, End: end}
	}
	return out
}

// resolveURL resolves a control-file URL (possibly relative) against
// referer, the URL the control file itself was retrieved from when
// known. A relative URL with no referer is a configuration error
// specific to this URL entry — the caller eliminates it and tries
// another (spec §7).
func resolveURL(referer, raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrapf(err, "zsync: parse url %q", raw)
	}
	if u.IsAbs() {
		return raw, nil
	}
	if referer == "" {
		return "", errors.Errorf("zsync: relative url %q given with no referer configured", raw)
	}
	base, err := url.Parse(referer)
	if err != nil {
		return "", errors.Wrapf(err, "zsync: parse referer %q", referer)
	}
	return base.ResolveReference(u).String(), nil
}

// defaultFilename derives the working filename the way the reference
// client does when -o is not given: the control file's declared
// Filename is trusted only if it shares an alphanumeric prefix with
// the basename of sourceRef (a defense against a control file
// redirecting a download to an unexpected path); otherwise that same
// prefix alone is used, falling back to a fixed name if even that is
// empty (spec §6.3's -o, supplemented from client.c's get_filename).
func defaultFilename(sourceRef string, cf *control.File) string {
	prefix := filenamePrefix(sourceRef)
	if cf.Filename != "" && prefix != "" && strings.HasPrefix(cf.Filename, prefix) {
		return cf.Filename
	}
	if prefix != "" {
		return prefix
	}
	return "zsync-download"
}

func filenamePrefix(sourceRef string) string {
	base := sourceRef
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	end := 0
	for end < len(base) && isAlnum(base[end]) {
		end++
	}
	return base[:end]
}

func isAlnum(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
