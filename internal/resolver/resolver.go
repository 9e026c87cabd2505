// Package resolver turns domain names into IPv4 addresses over one
// non-blocking UDP socket. Lookups are queued, sent one per writable event and
// matched back to their requester by DNS transaction ID. It is driven by the
// reactor and must only be used from the reactor goroutine.
package resolver

import (
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"socks-proxy/internal/domain"
	"socks-proxy/internal/infrastructure/network"
)

const (
	// MaxTransactionID is the ceiling after which the ID counter wraps to 0.
	MaxTransactionID = 0xFFFF

	// A plain UDP answer is capped at 512 bytes without EDNS0; leave room for
	// servers that send more anyway.
	datagramSize = 4096
)

var (
	ErrNoAddress = errors.New("no A record in answer")
	ErrIDSpace   = errors.New("all transaction IDs are in flight")
)

type lookup struct {
	domain string
	pair   domain.PairID
}

type Config struct {
	Server netip.AddrPort
	// CacheTTL bounds how long an answer is reused. Zero disables caching.
	CacheTTL time.Duration
}

type Resolver struct {
	log    *slog.Logger
	loop   domain.EventLoop
	fd     int
	server netip.AddrPort

	queue    []lookup
	inflight map[uint16]lookup
	nextID   int
	interest domain.EventType

	answers  *cache.Cache
	cacheTTL time.Duration
	done     []domain.Resolution
	buf      []byte
}

// New wraps an unbound UDP socket. The socket is registered with loop for
// reads immediately; write interest is enabled only while lookups are queued.
func New(fd int, loop domain.EventLoop, cfg Config, log *slog.Logger) (*Resolver, error) {
	r := &Resolver{
		log:      log,
		loop:     loop,
		fd:       fd,
		server:   cfg.Server,
		inflight: make(map[uint16]lookup),
		interest: domain.EventRead,
		buf:      make([]byte, datagramSize),
	}
	if cfg.CacheTTL > 0 {
		r.answers = cache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
		r.cacheTTL = cfg.CacheTTL
	}

	if err := loop.Register(fd, r.interest); err != nil {
		return nil, errors.Wrap(err, "register resolver socket")
	}
	return r, nil
}

func (r *Resolver) FD() int { return r.fd }

// Resolve queues a lookup for name on behalf of pair. The outcome is handed
// out by Completed, never delivered synchronously.
func (r *Resolver) Resolve(name string, pair domain.PairID) {
	if addr, ok := r.cached(name); ok {
		r.log.Debug("DNS cache hit", "domain", name, "ip", addr)
		r.done = append(r.done, domain.Resolution{Pair: pair, Domain: name, Addr: addr})
		return
	}

	r.queue = append(r.queue, lookup{domain: name, pair: pair})
	r.setInterest(r.interest | domain.EventWrite)
}

func (r *Resolver) Completed() []domain.Resolution {
	done := r.done
	r.done = nil
	return done
}

// Pending reports queued and in-flight lookups.
func (r *Resolver) Pending() (queued, inflight int) {
	return len(r.queue), len(r.inflight)
}

// HandleWritable sends exactly one queued lookup.
func (r *Resolver) HandleWritable() error {
	if len(r.queue) == 0 {
		r.setInterest(r.interest &^ domain.EventWrite)
		return nil
	}

	l := r.queue[0]
	r.queue[0] = lookup{}
	r.queue = r.queue[1:]
	if len(r.queue) == 0 {
		r.queue = nil
	}

	id, err := r.allocateID()
	if err != nil {
		r.fail(l, err)
		return err
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(l.domain), dns.TypeA)
	m.Id = id
	m.RecursionDesired = true

	packed, err := m.Pack()
	if err != nil {
		r.fail(l, err)
		return errors.Wrapf(err, "pack query for %q", l.domain)
	}

	if err := network.SendTo(r.fd, packed, r.server); err != nil {
		if network.IsTemporary(err) {
			// Put it back in front and retry on the next writable event.
			r.queue = append([]lookup{l}, r.queue...)
			return nil
		}
		r.fail(l, err)
		return errors.Wrapf(err, "send query for %q", l.domain)
	}

	r.inflight[id] = l
	r.log.Debug("DNS query sent", "domain", l.domain, "id", id, "server", r.server)
	return nil
}

// HandleReadable receives one datagram and completes the lookup it answers.
// Unsolicited, malformed and foreign datagrams are dropped.
func (r *Resolver) HandleReadable() error {
	n, from, err := network.RecvFrom(r.fd, r.buf)
	if err != nil {
		if network.IsTemporary(err) {
			return nil
		}
		return errors.Wrap(err, "receive DNS answer")
	}
	if from != r.server {
		r.log.Warn("Dropping datagram from unexpected source", "from", from)
		return nil
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(r.buf[:n]); err != nil {
		r.log.Warn("Failed to unpack DNS response", "error", err)
		return nil
	}

	l, ok := r.inflight[msg.Id]
	if !ok {
		r.log.Debug("Dropping unmatched DNS response", "id", msg.Id)
		return nil
	}
	if len(msg.Question) > 1 {
		r.log.Warn("Ignoring DNS response with multiple questions", "id", msg.Id)
		return nil
	}
	delete(r.inflight, msg.Id)

	res := domain.Resolution{Pair: l.pair, Domain: l.domain}
	if msg.Rcode != dns.RcodeSuccess {
		res.Err = errors.Errorf("%s: %s", l.domain, dns.RcodeToString[msg.Rcode])
	} else if a, ttl := firstA(msg); a.IsValid() {
		res.Addr = a
		r.store(l.domain, a, ttl)
	} else {
		res.Err = errors.Wrap(ErrNoAddress, l.domain)
	}

	r.done = append(r.done, res)
	return nil
}

func (r *Resolver) allocateID() (uint16, error) {
	for n := 0; n < MaxTransactionID+1; n++ {
		id := uint16(r.nextID)
		r.nextID++
		if r.nextID > MaxTransactionID {
			r.nextID = 0
		}
		if _, busy := r.inflight[id]; !busy {
			return id, nil
		}
	}
	return 0, ErrIDSpace
}

func (r *Resolver) fail(l lookup, err error) {
	r.done = append(r.done, domain.Resolution{Pair: l.pair, Domain: l.domain, Err: err})
}

func (r *Resolver) setInterest(ev domain.EventType) {
	if ev == r.interest {
		return
	}
	if err := r.loop.Modify(r.fd, ev); err != nil {
		r.log.Error("Failed to update resolver interest", "error", err)
		return
	}
	r.interest = ev
}

func (r *Resolver) cached(name string) (netip.Addr, bool) {
	if r.answers == nil {
		return netip.Addr{}, false
	}
	v, ok := r.answers.Get(cacheKey(name))
	if !ok {
		return netip.Addr{}, false
	}
	return v.(netip.Addr), true
}

func (r *Resolver) store(name string, addr netip.Addr, ttl uint32) {
	if r.answers == nil || ttl == 0 {
		return
	}
	d := min(time.Duration(ttl)*time.Second, r.cacheTTL)
	r.answers.Set(cacheKey(name), addr, d)
}

func cacheKey(name string) string {
	return strings.ToLower(dns.Fqdn(name))
}

func firstA(msg *dns.Msg) (netip.Addr, uint32) {
	for _, rr := range msg.Answer {
		if a, ok := rr.(*dns.A); ok {
			addr, ok := netip.AddrFromSlice(a.A.To4())
			if !ok {
				continue
			}
			return addr, a.Hdr.Ttl
		}
	}
	return netip.Addr{}, 0
}
