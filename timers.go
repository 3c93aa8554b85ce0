package convsync

import "time"

// timerManager owns every conversation-scoped timer: remote typing expiry,
// local typing idle stop and backfill refetches. It is only touched from the
// engine loop; timer callbacks re-enter the loop through post and check a
// sequence number so a superseded timer that already fired does nothing.
type timerManager struct {
	quiet time.Duration
	idle  time.Duration
	post  func(func())

	seq      uint64
	remote   map[string]*scopedTimer
	local    map[string]*scopedTimer
	backfill map[string][]*scopedTimer
}

type scopedTimer struct {
	t   *time.Timer
	seq uint64
}

func newTimerManager(quiet, idle time.Duration, post func(func())) *timerManager {
	return &timerManager{
		quiet:    quiet,
		idle:     idle,
		post:     post,
		remote:   make(map[string]*scopedTimer),
		local:    make(map[string]*scopedTimer),
		backfill: make(map[string][]*scopedTimer),
	}
}

func (m *timerManager) start(d time.Duration, fire func(seq uint64)) *scopedTimer {
	m.seq++
	st := &scopedTimer{seq: m.seq}
	seq := st.seq
	st.t = time.AfterFunc(d, func() {
		m.post(func() { fire(seq) })
	})
	return st
}

// ── Remote typing ────────────────────────────────────────

// remoteTyping records a typing-start from the peer of convID, replacing
// any running expiry. expire runs on the loop after the quiet interval.
func (m *timerManager) remoteTyping(convID string, expire func()) {
	if prev := m.remote[convID]; prev != nil {
		prev.t.Stop()
	}
	m.remote[convID] = m.start(m.quiet, func(seq uint64) {
		if cur := m.remote[convID]; cur != nil && cur.seq == seq {
			delete(m.remote, convID)
			expire()
		}
	})
}

// remoteStopped clears the expiry timer of convID.
func (m *timerManager) remoteStopped(convID string) {
	if prev := m.remote[convID]; prev != nil {
		prev.t.Stop()
		delete(m.remote, convID)
	}
}

// ── Local typing ─────────────────────────────────────────

// localInput notes a keystroke in convID. emit(true) is called only on the
// transition into typing; emit(false) follows after the idle interval
// without further input.
func (m *timerManager) localInput(convID string, emit func(typing bool)) {
	prev, typing := m.local[convID]
	if typing {
		prev.t.Stop()
	} else {
		emit(true)
	}
	m.local[convID] = m.start(m.idle, func(seq uint64) {
		if cur := m.local[convID]; cur != nil && cur.seq == seq {
			delete(m.local, convID)
			emit(false)
		}
	})
}

// localStop ends the local typing burst for convID and emits a stop.
func (m *timerManager) localStop(convID string, emit func(typing bool)) {
	if prev := m.local[convID]; prev != nil {
		prev.t.Stop()
		delete(m.local, convID)
	}
	emit(false)
}

func (m *timerManager) localTyping(convID string) bool {
	_, ok := m.local[convID]
	return ok
}

// ── Backfill ─────────────────────────────────────────────

// scheduleBackfill runs fn on the loop after each delay unless convID is
// cancelled first.
func (m *timerManager) scheduleBackfill(convID string, delays []time.Duration, fn func()) {
	for _, d := range delays {
		st := m.start(d, func(seq uint64) {
			if !m.dropBackfill(convID, seq) {
				return
			}
			fn()
		})
		m.backfill[convID] = append(m.backfill[convID], st)
	}
}

func (m *timerManager) dropBackfill(convID string, seq uint64) bool {
	list := m.backfill[convID]
	for i, st := range list {
		if st.seq == seq {
			m.backfill[convID] = append(list[:i], list[i+1:]...)
			if len(m.backfill[convID]) == 0 {
				delete(m.backfill, convID)
			}
			return true
		}
	}
	return false
}

func (m *timerManager) cancelBackfill(convID string) {
	for _, st := range m.backfill[convID] {
		st.t.Stop()
	}
	delete(m.backfill, convID)
}

// ── Teardown ─────────────────────────────────────────────

// stopAll stops every timer.
func (m *timerManager) stopAll() {
	for id := range m.remote {
		m.remoteStopped(id)
	}
	for id, st := range m.local {
		st.t.Stop()
		delete(m.local, id)
	}
	for id := range m.backfill {
		m.cancelBackfill(id)
	}
}
