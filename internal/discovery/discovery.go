// Package discovery advertises the coordinator on the LAN over mDNS so
// clients can find the web UI without typing an address.
package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

const (
	DefaultService = "_filedrop._tcp"
	DefaultDomain  = "local."
	Version        = 1
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)

type Config struct {
	Service  string
	Domain   string
	Instance string
	Port     int
	// Path is the URL path of the web UI advertised in the TXT record.
	Path string

	registerFn registerFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Path == "" {
		out.Path = "/"
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Instance) == "" {
		return errors.New("instance name is required")
	}
	if c.Port <= 0 {
		return errors.New("port must be > 0")
	}
	return nil
}

type Advertiser struct {
	server *zeroconf.Server
	log    zerolog.Logger
}

// Advertise registers the service and keeps answering queries until Stop.
func Advertise(config Config, log zerolog.Logger) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	txt := []string{
		"path=" + cfg.Path,
		"version=" + strconv.Itoa(Version),
	}
	server, err := cfg.registerFn(cfg.Instance, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	log = log.With().Str("component", "discovery").Logger()
	log.Info().
		Str("instance", cfg.Instance).
		Str("service", cfg.Service).
		Int("port", cfg.Port).
		Msg("advertising over mDNS")
	return &Advertiser{server: server, log: log}, nil
}

func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.log.Info().Msg("mDNS advertisement stopped")
}
