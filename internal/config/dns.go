package config

import (
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"github.com/miekg/dns"
)

const (
	DefaultResolvConf = "/etc/resolv.conf"
	DefaultCacheTTL   = 60
	fallbackDNSServer = "8.8.8.8:53"
	dnsPort           = 53
)

type DNS struct {
	// Server is the upstream resolver. Empty means the first IPv4 nameserver
	// listed in ResolvConf.
	Server_    string `yaml:"server"`
	ResolvConf string `yaml:"resolv_conf"`
	// CacheTTL caps, in seconds, how long answers are reused. Negative
	// disables the cache.
	CacheTTL int `yaml:"cache_ttl"`

	Server netip.AddrPort `yaml:"-"`
}

func (d *DNS) setDefaults() {
	if d.ResolvConf == "" {
		d.ResolvConf = DefaultResolvConf
	}
	if d.CacheTTL == 0 {
		d.CacheTTL = DefaultCacheTTL
	}
}

func (d *DNS) validate() []error {
	var errors []error

	server := d.Server_
	if server == "" {
		server = systemNameserver(d.ResolvConf)
	}
	addr, err := parseIPv4AddrPort(server, dnsPort)
	if err != nil {
		errors = append(errors, fmt.Errorf("dns server: %w", err))
	}
	d.Server = addr

	return errors
}

// CacheDuration is the answer cache cap; zero when caching is disabled.
func (d *DNS) CacheDuration() time.Duration {
	if d.CacheTTL < 0 {
		return 0
	}
	return seconds(d.CacheTTL)
}

func systemNameserver(path string) string {
	cc, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return fallbackDNSServer
	}
	for _, s := range cc.Servers {
		a, err := netip.ParseAddr(s)
		if err != nil || !a.Is4() {
			continue
		}
		port := uint16(dnsPort)
		if p, err := strconv.ParseUint(cc.Port, 10, 16); err == nil && p != 0 {
			port = uint16(p)
		}
		return netip.AddrPortFrom(a, port).String()
	}
	return fallbackDNSServer
}
