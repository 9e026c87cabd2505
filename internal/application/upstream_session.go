package application

import (
	"errors"
	"net/netip"

	"socks-proxy/internal/domain"
	"socks-proxy/internal/infrastructure/network"
	"socks-proxy/internal/socks5"
)

var errSocketError = errors.New("socket error")

// socketFailure turns an error event into the socket's pending error.
func socketFailure(fd int) error {
	if err := network.SocketError(fd); err != nil {
		return err
	}
	return errSocketError
}

// connectUpstream starts the outbound connection for a pair. A connect that
// fails outright is answered with host unreachable.
func (s *ProxyService) connectUpstream(p *domain.Pair, target netip.AddrPort) error {
	fd, err := network.ConnectTCP(target)
	if err != nil {
		s.log.Warn("Failed to connect target", "pair", p.ID, "target", target, "error", err)
		return s.sendStatus(p, socks5.StatusHostUnreachable)
	}

	if err := s.loop.Register(fd, domain.EventWrite); err != nil {
		network.Close(fd)
		return err
	}

	p.Upstream = &domain.UpstreamSession{
		Session: domain.Session{FD: fd, Buf: s.buffers.Get(), Interest: domain.EventWrite},
		State:   domain.UpstreamConnecting,
		Target:  target,
	}
	s.sources[fd] = source{kind: sourceUpstream, pair: p.ID}
	return nil
}

func (s *ProxyService) handleUpstream(p *domain.Pair, event domain.EventType) error {
	u := p.Upstream
	if u.State == domain.UpstreamConnecting {
		return s.connectFinished(p)
	}

	if event.Has(domain.EventError) {
		return socketFailure(u.FD)
	}

	if event.Has(domain.EventRead) && u.Interest.Has(domain.EventRead) {
		if err := s.relayRead(p, &u.Session, &p.Client.Session); err != nil {
			return err
		}
		if s.pairs[p.ID] == nil {
			return nil
		}
	}
	if event.Has(domain.EventWrite) && u.Interest.Has(domain.EventWrite) {
		return s.relayWrite(p, &u.Session, &p.Client.Session)
	}
	return nil
}

// connectFinished runs on the first event of a pending connect and reports
// the outcome to the client.
func (s *ProxyService) connectFinished(p *domain.Pair) error {
	u := p.Upstream
	if err := network.SocketError(u.FD); err != nil {
		s.log.Warn("Failed to connect target", "pair", p.ID, "target", u.Target, "error", err)
		if err := s.setInterest(&u.Session, 0); err != nil {
			return err
		}
		return s.sendStatus(p, socks5.StatusHostUnreachable)
	}

	u.State = domain.UpstreamForwarding
	u.Buf.Reset()
	if err := s.setInterest(&u.Session, domain.EventRead); err != nil {
		return err
	}

	s.log.Info("Connected to target", "pair", p.ID, "target", u.Target, "upstream_fd", u.FD)
	return s.sendStatus(p, socks5.StatusSuccess)
}
