package timers

import "time"

// Snapshot is a point-in-time view of the scheduler, for status surfaces.
type Snapshot struct {
	Running   bool
	Idle      bool
	WaitingID int64
	WaitingAt time.Time
	Kinds     []string
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.done != nil
	s.mu.Unlock()

	s.waitMu.Lock()
	snap := Snapshot{
		Running:   running,
		Idle:      s.idle,
		WaitingID: s.waitID,
	}
	if s.waitUntil != 0 {
		snap.WaitingAt = time.UnixMilli(s.waitUntil)
	}
	s.waitMu.Unlock()

	snap.Kinds = s.reg.Kinds()
	return snap
}
