package registry

import (
	"regexp"
	"strings"
)

// maxPartialLine bounds the unterminated tail carried between chunks.
const maxPartialLine = 4096

// ansiEscape matches SGR colour sequences in the server's log output.
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// Banner patterns. The first capture of each is the field value.
var (
	configFilePattern   = regexp.MustCompile(`--- config file\s+-\s+(.*config\.ya?ml)`)
	httpAddressPattern  = regexp.MustCompile(`--- http address - (\S+) - `)
	htpasswdFilePattern = regexp.MustCompile(`--- using htpasswd file: (.*htpasswd)`)
)

// scraper accumulates banner fields from streamed output. Fields may
// arrive in any order and lines may be split across chunks.
type scraper struct {
	cfg     Config
	partial string
}

// Feed scans chunk and reports whether every scraped field is now set.
func (sc *scraper) Feed(chunk []byte) bool {
	text := sc.partial + string(chunk)

	lines := strings.Split(text, "\n")
	sc.partial = lines[len(lines)-1]
	if len(sc.partial) > maxPartialLine {
		sc.partial = sc.partial[len(sc.partial)-maxPartialLine:]
	}

	for _, line := range lines[:len(lines)-1] {
		sc.scan(line)
	}
	// Banner lines are normally newline-terminated; an unterminated tail
	// still counts once it matches in full.
	sc.scan(sc.partial)

	return sc.done()
}

func (sc *scraper) scan(line string) {
	if line == "" {
		return
	}
	line = ansiEscape.ReplaceAllString(strings.TrimRight(line, "\r"), "")

	match(&sc.cfg.ConfigFile, configFilePattern, line)
	match(&sc.cfg.HTTPAddress, httpAddressPattern, line)
	match(&sc.cfg.HtpasswdFile, htpasswdFilePattern, line)
}

// match stores the first non-empty capture of re into dst if dst is unset.
func match(dst *string, re *regexp.Regexp, line string) {
	if *dst != "" {
		return
	}
	if m := re.FindStringSubmatch(line); len(m) > 1 {
		if v := strings.TrimSpace(m[1]); v != "" {
			*dst = v
		}
	}
}

func (sc *scraper) done() bool {
	return sc.cfg.ConfigFile != "" && sc.cfg.HTTPAddress != "" && sc.cfg.HtpasswdFile != ""
}

// Config returns the fields scraped so far.
func (sc *scraper) Config() Config {
	return sc.cfg
}
