// =============================================================================
// 文件: internal/tokenbus/fake_test.go
// 描述: 测试用调度器与传输
// =============================================================================
package tokenbus

type fakeTimer struct {
	s         *fakeScheduler
	name      string
	fn        func()
	deadline  float64
	remaining float64
	pending   bool
	frozen    bool
}

func (t *fakeTimer) Schedule(d float64) {
	if t.pending {
		return
	}
	t.arm(d)
}

func (t *fakeTimer) Reschedule(d float64) {
	t.Cancel()
	t.arm(d)
}

func (t *fakeTimer) arm(d float64) {
	t.pending = true
	t.frozen = false
	t.deadline = t.s.now + d
}

func (t *fakeTimer) Cancel() {
	t.pending = false
	t.frozen = false
}

func (t *fakeTimer) Pending() bool { return t.pending }

func (t *fakeTimer) Remaining() float64 {
	switch {
	case t.frozen:
		return t.remaining
	case t.pending:
		return t.deadline - t.s.now
	default:
		return 0
	}
}

func (t *fakeTimer) Freeze() {
	if t.pending && !t.frozen {
		t.remaining = t.deadline - t.s.now
		t.frozen = true
	}
}

func (t *fakeTimer) Resume() {
	if t.frozen {
		t.frozen = false
		t.deadline = t.s.now + t.remaining
	}
}

type fakeScheduler struct {
	now    float64
	timers []*fakeTimer
}

func (s *fakeScheduler) Now() float64 { return s.now }

func (s *fakeScheduler) NewTimer(name string, onExpire func()) Timer {
	t := &fakeTimer{s: s, name: name, fn: onExpire}
	s.timers = append(s.timers, t)
	return t
}

// advance 按到期顺序触发定时器，直到时刻 to
func (s *fakeScheduler) advance(to float64) {
	for {
		var next *fakeTimer
		for _, t := range s.timers {
			if !t.pending || t.frozen || t.deadline > to {
				continue
			}
			if next == nil || t.deadline < next.deadline {
				next = t
			}
		}
		if next == nil {
			break
		}
		s.now = next.deadline
		next.pending = false
		next.fn()
	}
	s.now = to
}

type fakeTransport struct {
	sent []*Frame
	dur  float64
}

func (tr *fakeTransport) Transmit(f *Frame) {
	tr.sent = append(tr.sent, f.Clone())
}

func (tr *fakeTransport) TransmitDuration(*Frame) float64 { return tr.dur }

func (tr *fakeTransport) last() *Frame {
	if len(tr.sent) == 0 {
		return nil
	}
	return tr.sent[len(tr.sent)-1]
}

type recordingObserver struct {
	sends []SendInfo
	heard []TokenID
}

func (o *recordingObserver) BeforeTokenSend(f *Frame, info SendInfo) {
	o.sends = append(o.sends, info)
}

func (o *recordingObserver) OnTokenHeard(f *Frame, now float64) {
	o.heard = append(o.heard, f.TokenID)
}
