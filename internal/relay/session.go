package relay

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/1ureka/torrelay/internal/registry"
	"github.com/1ureka/torrelay/internal/util"
)

// session is the server-side state of one client key.
type session struct {
	key      string
	lastSeen time.Time
	subs     map[string]*subscription // torrentKey -> subscription
}

// subscription routes one torrent's events to one client handle. The flags
// guarantee metadata and done are delivered at most once per handle.
type subscription struct {
	clientKey  string
	torrentKey string
	infoHash   string
	metaSent   bool
	doneSent   bool
}

// attach routes key to from and marks it alive, creating its session on
// first sight. Route and session change together under s.mu so the reaper
// never strands one without the other.
func (s *Server) attach(key string, from registry.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reg.Register(key, from)

	sess, ok := s.sessions[key]
	if !ok {
		sess = &session{key: key, subs: make(map[string]*subscription)}
		s.sessions[key] = sess
		s.metrics.Sessions.Set(float64(len(s.sessions)))
		util.LogDebug("[%s] session opened", key)
	}
	sess.lastSeen = s.clock.Now()
}

// subscribe attaches (key, torrentKey) to infoHash, replacing any earlier
// subscription of the same handle. It returns nil if the session is gone.
func (s *Server) subscribe(key, torrentKey, infoHash string, metaSent bool) *subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return nil
	}
	if old, ok := sess.subs[torrentKey]; ok {
		s.unlinkLocked(old)
	}

	sub := &subscription{
		clientKey:  key,
		torrentKey: torrentKey,
		infoHash:   infoHash,
		metaSent:   metaSent,
	}
	sess.subs[torrentKey] = sub
	if s.subs[infoHash] == nil {
		s.subs[infoHash] = make(map[*subscription]struct{})
	}
	s.subs[infoHash][sub] = struct{}{}
	return sub
}

// dropTorrent removes every subscription to infoHash and returns them.
func (s *Server) dropTorrent(infoHash string) []*subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped []*subscription
	for sub := range s.subs[infoHash] {
		if sess, ok := s.sessions[sub.clientKey]; ok && sess.subs[sub.torrentKey] == sub {
			delete(sess.subs, sub.torrentKey)
		}
		dropped = append(dropped, sub)
	}
	delete(s.subs, infoHash)
	return dropped
}

func (s *Server) unlinkLocked(sub *subscription) {
	set := s.subs[sub.infoHash]
	delete(set, sub)
	if len(set) == 0 {
		delete(s.subs, sub.infoHash)
	}
}

func (s *Server) dropSessionLocked(sess *session) {
	for _, sub := range sess.subs {
		s.unlinkLocked(sub)
	}
	delete(s.sessions, sess.key)
	s.metrics.Sessions.Set(float64(len(s.sessions)))
}

// destroySession handles an explicit teardown from the client.
func (s *Server) destroySession(key string) {
	s.mu.Lock()
	if sess, ok := s.sessions[key]; ok {
		s.dropSessionLocked(sess)
	}
	s.reg.Unregister(key)
	s.mu.Unlock()

	util.LogInfo("[%s] session destroyed by client", key)
}

// reapLoop collects idle sessions until Close.
func (s *Server) reapLoop(ticker *clock.Ticker) {
	defer close(s.reaped)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reap()
		case <-s.stop:
			return
		}
	}
}

// reap drops every session silent for at least HeartbeatTimeout. The torrents
// themselves stay in the engine.
func (s *Server) reap() {
	now := s.clock.Now()

	var expired []string
	s.mu.Lock()
	for key, sess := range s.sessions {
		if now.Sub(sess.lastSeen) >= s.cfg.HeartbeatTimeout {
			s.dropSessionLocked(sess)
			s.reg.Unregister(key)
			expired = append(expired, key)
		}
	}
	s.mu.Unlock()

	for _, key := range expired {
		s.metrics.SessionsGC.Inc()
		util.LogInfo("[%s] session expired after %s without heartbeat", key, s.cfg.HeartbeatTimeout)
	}
}
