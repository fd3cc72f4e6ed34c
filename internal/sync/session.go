package sync

// session tracks which discovery configs have gone out during the
// current broker session.
//
// Discovery is retained on the broker, so within one session each
// (device, attribute) pair needs its config published at most once. The
// set is cleared whenever the session ends: on disconnect, and when
// Home Assistant announces it restarted (its retained subscriptions
// survive but its entity registry may have been rebuilt).
type session struct {
	sent map[string]struct{}
}

func newSession() *session {
	return &session{sent: make(map[string]struct{})}
}

func sentKey(deviceID, attribute string) string {
	return deviceID + "\x00" + attribute
}

func (s *session) sentBefore(deviceID, attribute string) bool {
	_, ok := s.sent[sentKey(deviceID, attribute)]
	return ok
}

func (s *session) markSent(deviceID, attribute string) {
	s.sent[sentKey(deviceID, attribute)] = struct{}{}
}

func (s *session) reset() {
	s.sent = make(map[string]struct{})
}
