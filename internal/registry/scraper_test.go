package registry

import (
	"strings"
	"testing"
)

const (
	bannerConfig   = " warn --- config file  - /home/dev/.config/verdaccio/config.yaml\n"
	bannerHtpasswd = " warn --- using htpasswd file: /home/dev/.config/verdaccio/htpasswd\n"
	bannerAddress  = " warn --- http address - http://localhost:4873/ - verdaccio/5.29.0\n"
)

func TestScraper_OrderIndependent(t *testing.T) {
	want := Config{
		ConfigFile:   "/home/dev/.config/verdaccio/config.yaml",
		HTTPAddress:  "http://localhost:4873/",
		HtpasswdFile: "/home/dev/.config/verdaccio/htpasswd",
	}

	orders := [][]string{
		{bannerConfig, bannerHtpasswd, bannerAddress},
		{bannerConfig, bannerAddress, bannerHtpasswd},
		{bannerHtpasswd, bannerConfig, bannerAddress},
		{bannerHtpasswd, bannerAddress, bannerConfig},
		{bannerAddress, bannerConfig, bannerHtpasswd},
		{bannerAddress, bannerHtpasswd, bannerConfig},
	}

	for _, order := range orders {
		var sc scraper
		for i, chunk := range order {
			done := sc.Feed([]byte(chunk))
			if last := i == len(order)-1; done != last {
				t.Fatalf("order %q: Feed() after chunk %d = %v, want %v", order, i, done, last)
			}
		}
		if got := sc.Config(); got != want {
			t.Errorf("order %q: Config() = %+v, want %+v", order, got, want)
		}
	}
}

func TestScraper_SplitAcrossChunks(t *testing.T) {
	stream := " info --- starting\n" + bannerConfig + bannerHtpasswd + bannerAddress

	for size := 1; size <= 17; size++ {
		var sc scraper
		done := false
		for i := 0; i < len(stream); i += size {
			end := min(i+size, len(stream))
			done = sc.Feed([]byte(stream[i:end]))
		}
		if !done {
			t.Errorf("chunk size %d: scraping incomplete: %+v", size, sc.Config())
			continue
		}
		if got := sc.Config().ConfigFile; got != "/home/dev/.config/verdaccio/config.yaml" {
			t.Errorf("chunk size %d: ConfigFile = %q", size, got)
		}
		if got := sc.Config().HTTPAddress; got != "http://localhost:4873/" {
			t.Errorf("chunk size %d: HTTPAddress = %q", size, got)
		}
	}
}

func TestScraper_Patterns(t *testing.T) {
	tests := []struct {
		name  string
		chunk string
		field func(Config) string
		want  string
	}{
		{"plain address", "--- http address - 127.0.0.1:4873 - registry", func(c Config) string { return c.HTTPAddress }, "127.0.0.1:4873"},
		{"single space config", "--- config file - /tmp/config.yaml", func(c Config) string { return c.ConfigFile }, "/tmp/config.yaml"},
		{"yml extension", "--- config file  - /etc/verdaccio/config.yml\n", func(c Config) string { return c.ConfigFile }, "/etc/verdaccio/config.yml"},
		{"coloured output", "\x1b[33mwarn\x1b[39m --- using htpasswd file: /srv/htpasswd\n", func(c Config) string { return c.HtpasswdFile }, "/srv/htpasswd"},
		{"crlf", "--- http address - http://[::1]:4873/ - verdaccio/6.0.0\r\n", func(c Config) string { return c.HTTPAddress }, "http://[::1]:4873/"},
		{"unrelated line", "--- plugin successfully loaded: verdaccio-htpasswd\n", func(c Config) string { return c.HtpasswdFile }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sc scraper
			sc.Feed([]byte(tt.chunk))
			if got := tt.field(sc.Config()); got != tt.want {
				t.Errorf("field = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestScraper_FirstMatchWins(t *testing.T) {
	var sc scraper
	sc.Feed([]byte(bannerAddress))
	sc.Feed([]byte(" warn --- http address - http://0.0.0.0:9999/ - verdaccio/5.29.0\n"))

	if got := sc.Config().HTTPAddress; got != "http://localhost:4873/" {
		t.Errorf("HTTPAddress = %q, want first match", got)
	}
}

func TestScraper_PartialLineBounded(t *testing.T) {
	var sc scraper
	sc.Feed([]byte(strings.Repeat("x", 3*maxPartialLine)))

	if len(sc.partial) > maxPartialLine {
		t.Errorf("partial line = %d bytes, want <= %d", len(sc.partial), maxPartialLine)
	}
}

func TestConfig_Missing(t *testing.T) {
	cfg := Config{HTTPAddress: "http://localhost:4873/"}

	got := strings.Join(cfg.Missing(), ",")
	if got != "config_file,htpasswd_file,username" {
		t.Errorf("Missing() = %s, want config_file,htpasswd_file,username", got)
	}
	if cfg.Complete() {
		t.Error("Complete() = true for partial config")
	}

	cfg.ConfigFile, cfg.HtpasswdFile, cfg.Username = "a", "b", "c"
	if !cfg.Complete() {
		t.Errorf("Complete() = false, missing %v", cfg.Missing())
	}
}
