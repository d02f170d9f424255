// Package eligibility computes the ordered subset of queued messages that
// may be dispatched right now. It is pure: same inputs, same output.
package eligibility

import (
	"sort"
	"time"

	"patientq/internal/domain"
)

// SelectEligible filters messages by the three-tier pause hierarchy and
// orders the survivors for dispatch.
//
// The moderator-level flag wins over everything: a paused moderator excludes
// its messages even when the message and session are unpaused. A message
// with no moderator assigned has no moderator flag to consult.
//
// Ordering is (session start ascending, createdAt ascending). Messages with
// no session sort as if their session started at the zero time, so they come
// before every sessioned message. That sessionless-first rule is deliberate
// product behavior and is pinned by tests.
func SelectEligible(messages []domain.Message, sessions map[string]domain.MessageSession, moderatorPaused map[string]bool) []domain.Message {
	out := make([]domain.Message, 0, len(messages))
	for _, m := range messages {
		if m.ModeratorID != "" && moderatorPaused[m.ModeratorID] {
			continue
		}
		if m.Status != domain.MessageQueued || m.Deleted() {
			continue
		}
		if m.SessionID != "" {
			s, ok := sessions[m.SessionID]
			if ok && s.IsPaused {
				continue
			}
		}
		if m.IsPaused {
			continue
		}
		out = append(out, m)
	}

	sessionStart := func(m domain.Message) time.Time {
		if m.SessionID == "" {
			return time.Time{}
		}
		if s, ok := sessions[m.SessionID]; ok {
			return s.StartTime
		}
		return time.Time{}
	}

	sort.SliceStable(out, func(i, j int) bool {
		si, sj := sessionStart(out[i]), sessionStart(out[j])
		if !si.Equal(sj) {
			return si.Before(sj)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
