package service

// registry keeps the active sessions, oldest first.
type registry struct {
	limit    int
	sessions []*session
}

func newRegistry(limit int) *registry {
	if limit < 1 {
		limit = 1
	}
	return &registry{limit: limit}
}

// ensureCapacity evicts the oldest sessions until one more fits.
func (r *registry) ensureCapacity(evict func(*session)) {
	for len(r.sessions) >= r.limit {
		oldest := r.sessions[0]
		r.sessions[0] = nil
		r.sessions = r.sessions[1:]
		evict(oldest)
	}
}

func (r *registry) add(s *session) {
	r.sessions = append(r.sessions, s)
}

// remove erases id if present and returns its session.
func (r *registry) remove(id string) *session {
	for i, s := range r.sessions {
		if s.id == id {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			return s
		}
	}
	return nil
}

func (r *registry) ids() []string {
	ret := make([]string, len(r.sessions))
	for i, s := range r.sessions {
		ret[i] = s.id
	}
	return ret
}

func (r *registry) closeAll() {
	for _, s := range r.sessions {
		s.close()
	}
	r.sessions = nil
}
