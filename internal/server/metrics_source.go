// ABOUTME: Counters read by the Prometheus collectors at scrape time
// ABOUTME: Each method forwards to the component that owns the value
package server

// PacketsSent returns the number of audio packets multicast.
func (s *Server) PacketsSent() uint64 { return s.audio.Sent() }

// SendErrors returns the number of failed audio sends.
func (s *Server) SendErrors() uint64 { return s.audio.SendErrors() }

// TimestampSnaps returns how often the stream timestamp snapped to PTP time.
func (s *Server) TimestampSnaps() uint64 { return s.audio.Snaps() }

// FifoFill returns the frames waiting in the handoff buffer.
func (s *Server) FifoFill() int { return s.fifo.Len() }

// FifoDropped returns the frames discarded by the handoff buffer.
func (s *Server) FifoDropped() uint64 { return s.fifo.Dropped() }

// FollowUps returns the number of PTP Follow_Up messages decoded.
func (s *Server) FollowUps() uint64 { return s.timestamps.Received() }

// MalformedAnnounces returns the announces dropped by both listeners.
func (s *Server) MalformedAnnounces() uint64 {
	return s.clientListener.Malformed() + s.authorityListener.Malformed()
}

// ConnectedClients returns the number of live clients.
func (s *Server) ConnectedClients() int { return s.clients.Count() }

// ConnectedModules returns the number of connected modules.
func (s *Server) ConnectedModules() int { return s.modules.ConnectedCount() }

// AuthorityConnected reports whether the time authority is announcing.
func (s *Server) AuthorityConnected() bool { return s.authority.IsConnected() }

// RebootsSent returns the number of reboot commands multicast.
func (s *Server) RebootsSent() uint64 { return s.reboot.Sent() }

// SwitchRequestFailures returns the number of failed switch requests.
func (s *Server) SwitchRequestFailures() uint64 { return s.inspector.Failures() }
