package rendezvous

import (
	"time"

	"github.com/saintparish4/hole/pkg/protocol"
	"github.com/saintparish4/hole/pkg/types"
)

// handleDatagram decodes one client datagram and dispatches it. Nothing
// here returns an error: bad input is logged and dropped.
func (s *Server) handleDatagram(b []byte, from types.Endpoint) {
	msg, err := protocol.DecodeClient(b)
	if err != nil {
		s.decodeErrors.Add(1)
		s.logger.Warn("dropping undecodable datagram", "from", from.String(), "err", err)
		return
	}

	switch m := msg.(type) {
	case *protocol.Register:
		s.handleRegister(m, from)
	case *protocol.Ping:
		s.handlePing(m, from)
	case *protocol.ConnectionRequest:
		s.handleConnectionRequest(m, from)
	}
}

// handleRegister stores the observed source under the given name.
func (s *Server) handleRegister(m *protocol.Register, from types.Endpoint) {
	replaced := s.table.Register(m.Name, from, time.Now())
	s.registrations.Add(1)
	s.logger.Info("registered", "peer", m.Name, "addr", from.String(), "replaced", replaced)

	s.monitor.Publish(Event{
		Type:    EventRegistered,
		Name:    m.Name,
		Address: from.String(),
	})
	s.send(&protocol.RegisterConfirmation{Name: m.Name}, from)
}

// handlePing echoes a Pong. It refreshes liveness only; the stored address
// is never changed here.
func (s *Server) handlePing(m *protocol.Ping, from types.Endpoint) {
	s.pings.Add(1)
	s.table.Touch(m.Name, time.Now())
	s.send(&protocol.Pong{Name: m.Name}, from)
}

// handleConnectionRequest introduces From to To. The introduction carries
// the source of this request, which may differ from From's registered
// address. The Confirm or Reject goes to From's registered address.
func (s *Server) handleConnectionRequest(m *protocol.ConnectionRequest, from types.Endpoint) {
	var response protocol.ServerMessage

	target, found := s.table.Lookup(m.To)
	if found {
		s.send(&protocol.Introduction{
			Name:     m.From,
			Address:  from.String(),
			PeerType: m.PeerType,
		}, target)

		response = &protocol.Confirm{Name: m.From, Address: target.String()}
		s.matches.Add(1)
		s.logger.Info("introduced",
			"from", m.From, "to", m.To,
			"punch_addr", from.String(), "target_addr", target.String(),
			"peer_type", m.PeerType.String())
		s.monitor.Publish(Event{
			Type:     EventMatched,
			Name:     m.From,
			Target:   m.To,
			Address:  from.String(),
			PeerType: m.PeerType.String(),
		})
	} else {
		response = &protocol.Reject{Name: m.From}
		s.rejects.Add(1)
		s.logger.Info("rejected, target not registered", "from", m.From, "to", m.To)
		s.monitor.Publish(Event{
			Type:   EventRejected,
			Name:   m.From,
			Target: m.To,
		})
	}

	requester, ok := s.table.Lookup(m.From)
	if !ok {
		s.unroutable.Add(1)
		s.logger.Warn("requester not registered, dropping response",
			"from", m.From, "response", response.Tag().String())
		return
	}
	s.send(response, requester)
}

func (s *Server) send(msg protocol.ServerMessage, to types.Endpoint) {
	b, err := protocol.Encode(msg)
	if err != nil {
		s.sendErrors.Add(1)
		s.logger.Error("encode failed", "msg", msg.Tag().String(), "err", err)
		return
	}
	if _, err := s.conn.WriteToUDP(b, to.UDPAddr()); err != nil {
		s.sendErrors.Add(1)
		s.logger.Warn("send failed", "msg", msg.Tag().String(), "to", to.String(), "err", err)
	}
}
