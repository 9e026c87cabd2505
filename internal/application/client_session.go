package application

import (
	"errors"
	"net/netip"

	"socks-proxy/internal/domain"
	"socks-proxy/internal/infrastructure/network"
	"socks-proxy/internal/socks5"
)

func (s *ProxyService) handleClient(p *domain.Pair, event domain.EventType) error {
	c := p.Client
	if event.Has(domain.EventError) {
		return socketFailure(c.FD)
	}

	if event.Has(domain.EventRead) && c.Interest.Has(domain.EventRead) {
		if err := s.clientReadable(p); err != nil {
			return err
		}
		if s.pairs[p.ID] == nil {
			return nil
		}
	}
	if event.Has(domain.EventWrite) && c.Interest.Has(domain.EventWrite) {
		return s.clientWritable(p)
	}
	return nil
}

func (s *ProxyService) clientReadable(p *domain.Pair) error {
	c := p.Client
	switch c.State {
	case domain.StateAwaitingAuthMethods, domain.StateAwaitingRequest:
		n, err := network.Read(c.FD, c.Buf.Free())
		if err != nil {
			if network.IsTemporary(err) {
				return nil
			}
			return err
		}
		if n == 0 {
			return errPeerClosed
		}
		c.Buf.Commit(n)

		if c.State == domain.StateAwaitingAuthMethods {
			return s.processAuthMethods(p)
		}
		return s.processRequest(p)
	case domain.StateForwarding:
		if p.Upstream == nil || p.Upstream.State != domain.UpstreamForwarding {
			return nil
		}
		return s.relayRead(p, &c.Session, &p.Upstream.Session)
	}
	return nil
}

func (s *ProxyService) clientWritable(p *domain.Pair) error {
	c := p.Client
	switch c.State {
	case domain.StateSendingAuthReply, domain.StateSendingReply, domain.StateSendingError:
		n, err := network.Write(c.FD, c.Buf.Bytes())
		if err != nil {
			if network.IsTemporary(err) {
				return nil
			}
			return err
		}
		c.Buf.Consume(n)
		if c.Buf.Len() > 0 {
			return nil
		}
		return s.replyFlushed(p)
	case domain.StateForwarding:
		if p.Upstream == nil {
			return nil
		}
		return s.relayWrite(p, &c.Session, &p.Upstream.Session)
	}
	return nil
}

// replyFlushed moves the client on once its staged reply is fully written.
func (s *ProxyService) replyFlushed(p *domain.Pair) error {
	c := p.Client
	switch c.State {
	case domain.StateSendingAuthReply:
		c.Buf.Reset()
		c.State = domain.StateAwaitingRequest
		return s.setInterest(&c.Session, domain.EventRead)

	case domain.StateSendingReply:
		c.Buf.Reset()
		c.State = domain.StateForwarding
		u := p.Upstream
		interest := domain.EventRead
		if u.Buf.Len() > 0 {
			// Upstream spoke while the reply was in flight.
			interest |= domain.EventWrite
		}
		if err := s.setInterest(&c.Session, interest); err != nil {
			return err
		}
		if c.ShutdownPending {
			return s.propagateEOF(p, &u.Session, &c.Session)
		}
		s.log.Debug("Forwarding started", "pair", p.ID, "target", u.Target)
		return nil

	case domain.StateSendingError:
		s.closePair(p, "error reply sent")
	}
	return nil
}

func (s *ProxyService) processAuthMethods(p *domain.Pair) error {
	c := p.Client
	method, _, err := socks5.ParseMethods(c.Buf.Bytes())
	if errors.Is(err, socks5.ErrIncomplete) {
		if !c.Buf.Full() {
			return nil
		}
		method = socks5.MethodNoAcceptable
	}

	c.Buf.Set(socks5.AppendMethodReply(nil, method))
	if method == socks5.MethodNoAcceptable {
		c.State = domain.StateSendingError
		s.log.Info("No acceptable auth method", "pair", p.ID, "error", err)
	} else {
		c.State = domain.StateSendingAuthReply
		s.log.Debug("Auth method selected, waiting for command", "client_fd", c.FD)
	}
	return s.setInterest(&c.Session, domain.EventWrite)
}

func (s *ProxyService) processRequest(p *domain.Pair) error {
	c := p.Client
	req, _, err := socks5.ParseRequest(c.Buf.Bytes())
	if errors.Is(err, socks5.ErrIncomplete) {
		if !c.Buf.Full() {
			return nil
		}
		err = errors.New("request exceeds buffer")
	}
	if err != nil {
		s.log.Warn("Rejecting request", "pair", p.ID, "error", err)
		return s.sendStatus(p, socks5.StatusFor(err))
	}

	if err := s.setInterest(&c.Session, 0); err != nil {
		return err
	}
	c.State = domain.StateForwarding
	c.Buf.Reset()

	switch req.Atyp {
	case socks5.AtypIPv4:
		s.log.Info("Connecting direct IP", "pair", p.ID, "target", req.Target())
		return s.connectUpstream(p, netip.AddrPortFrom(req.Addr, req.Port))
	case socks5.AtypDomain:
		s.log.Info("Resolving domain", "pair", p.ID, "domain", req.Domain)
		c.Domain = req.Domain
		c.Port = req.Port
		s.resolver.Resolve(req.Domain, p.ID)
	}
	return nil
}

// onResolved resumes a client parked on a domain lookup.
func (s *ProxyService) onResolved(res domain.Resolution) {
	p := s.pairs[res.Pair]
	if p == nil || p.Client.State != domain.StateForwarding || p.Upstream != nil {
		return
	}

	var err error
	if res.Err != nil {
		s.log.Warn("DNS resolution failed", "pair", p.ID, "domain", res.Domain, "error", res.Err)
		err = s.sendStatus(p, socks5.StatusHostUnreachable)
	} else {
		s.log.Info("DNS Resolved", "pair", p.ID, "domain", res.Domain, "ip", res.Addr)
		err = s.connectUpstream(p, netip.AddrPortFrom(res.Addr, p.Client.Port))
	}
	s.guard(p, err)
}

// sendStatus stages a reply frame and waits for the client to accept it.
// Success leads to forwarding; any other status closes the pair afterwards.
func (s *ProxyService) sendStatus(p *domain.Pair, status socks5.Status) error {
	c := p.Client
	c.Buf.Set(socks5.AppendReply(nil, status))
	if status == socks5.StatusSuccess {
		c.State = domain.StateSendingReply
	} else {
		c.State = domain.StateSendingError
	}
	return s.setInterest(&c.Session, domain.EventWrite)
}
