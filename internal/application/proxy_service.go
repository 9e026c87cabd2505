package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"socks-proxy/internal/config"
	"socks-proxy/internal/domain"
	"socks-proxy/internal/infrastructure/network"
	"socks-proxy/internal/pkg/buffer"
	"socks-proxy/internal/resolver"
)

type sourceKind int

const (
	sourceListener sourceKind = iota
	sourceResolver
	sourceClient
	sourceUpstream
)

// source is what the reactor knows about a registered fd.
type source struct {
	kind sourceKind
	pair domain.PairID
}

// resolverPort is the part of the resolver the reactor drives.
type resolverPort interface {
	domain.DNSResolver
	FD() int
	HandleReadable() error
	HandleWritable() error
}

var errPeerClosed = errors.New("peer closed connection")

// ProxyService is the reactor. It owns every socket, the pair arena and the
// resolver; all of its state is touched only from the event loop goroutine.
type ProxyService struct {
	log      *slog.Logger
	loop     domain.EventLoop
	resolver resolverPort
	buffers  *buffer.Pool

	listenerFD int
	addr       netip.AddrPort

	sources  map[int]source
	pairs    map[domain.PairID]*domain.Pair
	nextPair domain.PairID

	// fds released during the current batch; closed once the batch ends so
	// their numbers cannot be reused by an accept in the same batch.
	closing []int
}

func NewProxyService(loop domain.EventLoop, logger *slog.Logger, cfg *config.Config) (*ProxyService, error) {
	lfd, addr, err := network.ListenTCP(cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen tcp: %w", err)
	}

	dfd, err := network.BindUDP()
	if err != nil {
		network.Close(lfd)
		return nil, fmt.Errorf("failed to bind udp: %w", err)
	}

	res, err := resolver.New(dfd, loop, resolver.Config{
		Server:   cfg.DNS.Server,
		CacheTTL: cfg.DNS.CacheDuration(),
	}, logger.With("component", "resolver"))
	if err != nil {
		network.Close(dfd)
		network.Close(lfd)
		return nil, fmt.Errorf("failed to start resolver: %w", err)
	}

	s := newService(loop, logger, res, cfg.BufferSize)
	s.listenerFD = lfd
	s.addr = addr
	s.sources[lfd] = source{kind: sourceListener}
	return s, nil
}

func newService(loop domain.EventLoop, logger *slog.Logger, res resolverPort, bufferSize int) *ProxyService {
	s := &ProxyService{
		log:        logger,
		loop:       loop,
		resolver:   res,
		buffers:    buffer.NewPool(bufferSize),
		listenerFD: -1,
		sources:    make(map[int]source),
		pairs:      make(map[domain.PairID]*domain.Pair),
	}
	if res != nil {
		s.sources[res.FD()] = source{kind: sourceResolver}
	}
	return s
}

// Addr is the bound listening address.
func (s *ProxyService) Addr() netip.AddrPort { return s.addr }

// Start registers the listener and runs the event loop until ctx is done.
func (s *ProxyService) Start(ctx context.Context) error {
	s.log.Info("Registering listener in EventLoop", "listener_fd", s.listenerFD, "dns_fd", s.resolver.FD())

	if err := s.loop.Register(s.listenerFD, domain.EventRead); err != nil {
		return err
	}

	s.log.Info("Proxy service is running loop...", "addr", s.addr)
	return s.loop.Run(ctx, s)
}

// Close tears down every pair and the server sockets. The loop must have
// stopped.
func (s *ProxyService) Close() {
	for _, p := range s.pairs {
		s.closePair(p, "shutdown")
	}
	s.HandleBatchEnd()

	for fd := range s.sources {
		s.loop.Unregister(fd)
		network.Close(fd)
	}
	clear(s.sources)
}

func (s *ProxyService) HandleEvent(fd int, event domain.EventType) error {
	src, ok := s.sources[fd]
	if !ok {
		// Closed earlier in this batch.
		return nil
	}

	switch src.kind {
	case sourceListener:
		s.acceptNewClient()
	case sourceResolver:
		s.handleResolver(event)
	case sourceClient:
		if p := s.pairs[src.pair]; p != nil {
			s.guard(p, s.handleClient(p, event))
		}
	case sourceUpstream:
		if p := s.pairs[src.pair]; p != nil {
			s.guard(p, s.handleUpstream(p, event))
		}
	}
	return nil
}

// HandleBatchEnd delivers finished lookups and closes the fds released
// during the batch.
func (s *ProxyService) HandleBatchEnd() {
	if s.resolver != nil {
		for done := s.resolver.Completed(); len(done) > 0; done = s.resolver.Completed() {
			for _, res := range done {
				s.onResolved(res)
			}
		}
	}

	for _, fd := range s.closing {
		network.Close(fd)
	}
	s.closing = s.closing[:0]
}

// guard force-closes a pair whose handler failed.
func (s *ProxyService) guard(p *domain.Pair, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, errPeerClosed) {
		s.closePair(p, err.Error())
		return
	}
	s.log.Debug("Session I/O failure", "pair", p.ID, "error", err)
	s.closePair(p, "i/o failure")
}

func (s *ProxyService) acceptNewClient() {
	nfd, peer, err := network.Accept(s.listenerFD)
	if err != nil {
		if !network.IsTemporary(err) {
			s.log.Warn("Accept failed", "error", err)
		}
		return
	}

	s.nextPair++
	p := &domain.Pair{
		ID: s.nextPair,
		Client: &domain.ClientSession{
			Session: domain.Session{FD: nfd, Buf: s.buffers.Get()},
			State:   domain.StateAwaitingAuthMethods,
		},
	}

	if err := s.loop.Register(nfd, domain.EventRead); err != nil {
		s.log.Error("Failed to register client", "fd", nfd, "error", err)
		s.buffers.Put(p.Client.Buf)
		network.Close(nfd)
		return
	}
	p.Client.Interest = domain.EventRead
	s.pairs[p.ID] = p
	s.sources[nfd] = source{kind: sourceClient, pair: p.ID}

	s.log.Info("New client accepted", "fd", nfd, "ip", peer.Addr(), "pair", p.ID)
}

func (s *ProxyService) handleResolver(event domain.EventType) {
	if event.Has(domain.EventRead) {
		if err := s.resolver.HandleReadable(); err != nil {
			s.log.Warn("Resolver read failed", "error", err)
		}
	}
	if event.Has(domain.EventWrite) {
		if err := s.resolver.HandleWritable(); err != nil {
			s.log.Warn("Resolver write failed", "error", err)
		}
	}
}

// setInterest updates the registered interest of one session.
func (s *ProxyService) setInterest(sess *domain.Session, ev domain.EventType) error {
	if sess.Interest == ev {
		return nil
	}
	if err := s.loop.Modify(sess.FD, ev); err != nil {
		return err
	}
	sess.Interest = ev
	return nil
}

func (s *ProxyService) closePair(p *domain.Pair, reason string) {
	if _, ok := s.pairs[p.ID]; !ok {
		return
	}
	delete(s.pairs, p.ID)

	s.log.Info("Closing session", "pair", p.ID, "client_fd", p.Client.FD, "reason", reason)

	s.release(&p.Client.Session)
	if p.Upstream != nil {
		s.release(&p.Upstream.Session)
	}
}

func (s *ProxyService) release(sess *domain.Session) {
	delete(s.sources, sess.FD)
	s.loop.Unregister(sess.FD)
	s.closing = append(s.closing, sess.FD)
	s.buffers.Put(sess.Buf)
	sess.Buf = nil
}
