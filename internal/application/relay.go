package application

import (
	"socks-proxy/internal/domain"
	"socks-proxy/internal/infrastructure/network"
)

// relayRead fills src's buffer from its socket. A flow holds at most one
// buffer of data: src stops reading until dst has written it all.
func (s *ProxyService) relayRead(p *domain.Pair, src, dst *domain.Session) error {
	src.Buf.Reset()
	n, err := network.Read(src.FD, src.Buf.Free())
	if err != nil {
		if network.IsTemporary(err) {
			return nil
		}
		return err
	}

	if n == 0 {
		src.EOF = true
		if err := s.setInterest(src, src.Interest&^domain.EventRead); err != nil {
			return err
		}
		return s.propagateEOF(p, src, dst)
	}

	src.Buf.Commit(n)
	if err := s.setInterest(src, src.Interest&^domain.EventRead); err != nil {
		return err
	}
	return s.setInterest(dst, dst.Interest|domain.EventWrite)
}

// relayWrite drains src's buffer into dst. Once empty, src may read again.
func (s *ProxyService) relayWrite(p *domain.Pair, dst, src *domain.Session) error {
	if src.Buf.Len() > 0 {
		n, err := network.Write(dst.FD, src.Buf.Bytes())
		if err != nil {
			if network.IsTemporary(err) {
				return nil
			}
			return err
		}
		src.Buf.Consume(n)
		if src.Buf.Len() > 0 {
			return nil
		}
	}

	if err := s.setInterest(dst, dst.Interest&^domain.EventWrite); err != nil {
		return err
	}
	if src.EOF {
		return nil
	}
	return s.setInterest(src, src.Interest|domain.EventRead)
}

// propagateEOF half-closes dst after src reached end-of-stream, and closes
// the pair once both directions are done.
func (s *ProxyService) propagateEOF(p *domain.Pair, src, dst *domain.Session) error {
	if dst == &p.Client.Session && p.Client.State != domain.StateForwarding {
		// The success reply is still queued; shut down after it is flushed.
		dst.ShutdownPending = true
		return nil
	}

	if !dst.WriteShut {
		if err := network.ShutdownWrite(dst.FD); err != nil {
			return err
		}
		dst.WriteShut = true
		dst.ShutdownPending = false
		s.log.Debug("Half-closed", "pair", p.ID, "fd", dst.FD)
	}

	if src.EOF && dst.EOF {
		s.closePair(p, "both sides closed")
	}
	return nil
}
