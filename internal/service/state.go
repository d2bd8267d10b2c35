package service

import (
	"sync"
	"time"

	"github.com/iotpredict/predictor/internal/model"
)

// state owns the engine snapshot. Every update replaces the pointed-to
// values, so a shallow copy handed out by snapshot is never written to.
type state struct {
	mx   sync.RWMutex
	snap model.Snapshot
}

func newState() *state {
	return &state{snap: model.Snapshot{Status: "starting"}}
}

func ptr[T any](v T) *T {
	return &v
}

func (st *state) snapshot() model.Snapshot {
	st.mx.RLock()
	defer st.mx.RUnlock()
	return st.snap
}

func (st *state) update(fn func(s *model.Snapshot)) {
	st.mx.Lock()
	defer st.mx.Unlock()
	fn(&st.snap)
}

func (st *state) begin(jobID string) {
	st.update(func(s *model.Snapshot) {
		if jobID == "" {
			s.RunningJobID = nil
			return
		}
		s.RunningJobID = ptr(jobID)
	})
}

func (st *state) end() {
	st.update(func(s *model.Snapshot) {
		s.RunningJobID = nil
	})
}

func (st *state) loaded(enabled bool, now time.Time) {
	st.update(func(s *model.Snapshot) {
		s.Enabled = ptr(enabled)
		s.LastCycleTS = ptr(model.Millis(now))
	})
}

func (st *state) failed(status model.CycleStatus, detail string, now time.Time, took time.Duration) {
	st.update(func(s *model.Snapshot) {
		s.Status = string(status)
		s.LastError = ptr(detail)
		s.LastErrorTS = ptr(model.Millis(now))
		if status == model.CycleKilled {
			s.LastDurationMS = ptr(took.Milliseconds())
		}
	})
}

func (st *state) disabled(took time.Duration) {
	st.update(func(s *model.Snapshot) {
		s.Status = string(model.CycleDisabled)
		s.LastItems = ptr(0)
		s.LastDurationMS = ptr(took.Milliseconds())
	})
}

func (st *state) succeeded(items int, publishErr error, now time.Time, took time.Duration) {
	st.update(func(s *model.Snapshot) {
		s.Status = string(model.CycleOK)
		s.LastSuccessTS = ptr(model.Millis(now))
		s.LastItems = ptr(items)
		s.LastDurationMS = ptr(took.Milliseconds())
		if publishErr != nil {
			s.LastPublishError = ptr(publishErr.Error())
			s.LastPublishErrorTS = ptr(model.Millis(now))
		}
	})
}
