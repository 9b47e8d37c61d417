// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Command zsync fetches a file by reconstructing it from a local
// partial copy plus the byte ranges a .zsync control file says are
// still needed, instead of downloading the whole thing again.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/net/http/httpproxy"

	"github.com/zsync-go/zsync"
	"github.com/zsync-go/zsync/internal/control"
	"github.com/zsync-go/zsync/internal/httpfetch"
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	log := logrus.New()
	entry := logrus.NewEntry(log)

	app := &cli.App{
		Name:      "zsync",
		Usage:     "fetch a file using the zsync delta-transfer algorithm",
		ArgsUsage: "<.zsync URL or path>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "auth", Aliases: []string{"A"}, Usage: "hostname=user:password"},
			&cli.StringFlag{Name: "control-save-path", Aliases: []string{"k"}, Usage: "save the fetched control file here"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output filename"},
			&cli.StringSliceFlag{Name: "input", Aliases: []string{"i"}, Usage: "extra local seed file"},
			&cli.StringFlag{Name: "referer", Aliases: []string{"u"}, Usage: "referer URL for relative control-file URLs"},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q", "s"}, Usage: "suppress progress reporting"},
			&cli.BoolFlag{Name: "version", Aliases: []string{"V"}, Usage: "print version and exit"},
		},
		Action: func(c *cli.Context) error {
			if c.Bool("version") {
				fmt.Printf("zsync %s\n", control.ConsumerVersion)
				return nil
			}
			if c.Bool("quiet") {
				log.SetLevel(logrus.WarnLevel)
			}
			if c.Args().Len() != 1 {
				return cli.Exit("Usage: zsync http://example.com/some/filename.zsync", 3)
			}
			return runFetch(c, entry)
		},
	}

	if err := app.Run(args); err != nil {
		if exitErr, ok := err.(cli.ExitCoder); ok {
			fmt.Fprintln(os.Stderr, err)
			return exitErr.ExitCode()
		}
		entry.WithError(err).Error("zsync: failed")
		return 1
	}
	return 0
}

func runFetch(c *cli.Context, log *logrus.Entry) error {
	source := c.Args().First()
	proxyFunc := httpproxy.FromEnvironment().ProxyFunc()

	cfOpts := []httpfetch.ControlFileOption{
		httpfetch.WithControlFileUserAgent(fmt.Sprintf("zsync/%s", control.ConsumerVersion)),
		httpfetch.WithControlFileProxyFunc(proxyFunc),
		httpfetch.WithControlFileLogger(log),
	}
	if referer := c.String("referer"); referer != "" {
		cfOpts = append(cfOpts, httpfetch.WithControlFileReferer(referer))
	}
	if host, cred, ok := parseAuthFlag(c.String("auth")); ok {
		cfOpts = append(cfOpts, httpfetch.WithControlFileAuth(host, cred))
	}
	if save := c.String("control-save-path"); save != "" {
		cfOpts = append(cfOpts, httpfetch.WithControlFileCachePath(save))
	}

	body, fetchedReferer, err := openControlSource(source, cfOpts)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer body.Close()

	var tee io.Reader = body
	var savedBuf strings.Builder
	if save := c.String("control-save-path"); save != "" {
		tee = io.TeeReader(body, &savedBuf)
	}

	cf, err := control.Parse(tee)
	if err != nil {
		return cli.Exit(err, 1)
	}

	if save := c.String("control-save-path"); save != "" {
		if err := os.WriteFile(save, []byte(savedBuf.String()), 0o644); err != nil {
			log.WithError(err).Warn("zsync: failed to save control file")
		}
	}

	opts := []zsync.Option{
		zsync.WithLogger(log),
		zsync.WithProxyFunc(proxyFunc),
		zsync.WithQuiet(c.Bool("quiet")),
	}
	if out := c.String("output"); out != "" {
		opts = append(opts, zsync.WithOutputPath(out))
	}
	referer := c.String("referer")
	if referer == "" {
		referer = fetchedReferer
	}
	if referer != "" {
		opts = append(opts, zsync.WithReferer(referer))
	}
	for _, seed := range c.StringSlice("input") {
		opts = append(opts, zsync.WithSeedFile(seed))
	}
	if host, cred, ok := parseAuthFlag(c.String("auth")); ok {
		opts = append(opts, zsync.WithAuth(host, cred.User, cred.Pass))
	}

	cfg := zsync.NewConfig(opts...)

	sess, err := zsync.Open(cf, source, cfg)
	if err != nil {
		return cli.Exit(err, 1)
	}

	if err := sess.Fetch(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to retrieve all remaining blocks - no valid download URLs remain. Incomplete transfer left in %s.\n", sess.PartPath())
		return cli.Exit(err, 3)
	}

	if !c.Bool("quiet") {
		fmt.Println("verifying download...")
	}
	if err := sess.Finish(); err != nil {
		if err == zsync.ErrChecksumMismatch {
			fmt.Fprintf(os.Stderr, "Aborting, download available in %s\n", sess.PartPath())
			return cli.Exit(err, 2)
		}
		return cli.Exit(err, 1)
	}
	if !c.Bool("quiet") {
		fmt.Println("checksum matches OK")
	}

	return nil
}

// openControlSource opens the control file from a local path or, for
// anything that looks like a URL, fetches it over HTTP. The second
// return value is a referer to use for resolving relative URL/Z-URL
// entries inside the control file when the caller gave no explicit
// -u: the URL the control file was ultimately served from, or empty
// for a local path.
func openControlSource(source string, cfOpts []httpfetch.ControlFileOption) (io.ReadCloser, string, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		body, resolved, err := httpfetch.FetchControlFile(source, cfOpts...)
		if err != nil {
			return nil, "", err
		}
		return body, resolved, nil
	}
	f, err := os.Open(source)
	if err != nil {
		return nil, "", err
	}
	return f, "", nil
}

func parseAuthFlag(v string) (host string, cred httpfetch.Credential, ok bool) {
	if v == "" {
		return "", httpfetch.Credential{}, false
	}
	host, rest, found := strings.Cut(v, "=")
	if !found {
		return "", httpfetch.Credential{}, false
	}
	user, pass, _ := strings.Cut(rest, ":")
	return host, httpfetch.Credential{User: user, Pass: pass}, true
}
