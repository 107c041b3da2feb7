package transfer

import (
	"context"
	"time"

	"filedrop/internal/models"
	"filedrop/internal/notify"
)

const (
	reasonMaxAge      = "transfer exceeded its maximum lifetime"
	reasonPartyGone   = "peer disconnected and transfer went idle"
	reasonFailedStale = "failed transfer went idle"
)

// Reap expires stale sessions and returns their ids. A session expires when
// it is older than MaxAge, or idle longer than IdleTimeout while it has failed
// or either party has disconnected.
func (s *Store) Reap(now time.Time) []string {
	s.mu.RLock()
	candidates := make(map[string]*entry, len(s.sessions))
	for id, e := range s.sessions {
		candidates[id] = e
	}
	s.mu.RUnlock()

	var expired []string
	for id, e := range candidates {
		why := s.staleReason(e, now)
		if why == "" {
			continue
		}
		if _, ok := s.detach(id, e); !ok {
			continue
		}
		sess, _ := s.retire(e, models.StatusError)
		s.log.Info().Str("transfer_id", id).Str("status", string(sess.Status)).Str("reason", why).Msg("expired stale transfer")

		ev := ExpiredEvent{TransferID: id, Reason: why}
		for _, party := range []string{sess.SenderID, sess.RecipientID} {
			if _, ok := s.devices.Lookup(party); ok {
				s.notifier.Notify(party, notify.EventExpired, ev)
			}
		}
		s.reclaim(sess, "expired")
		expired = append(expired, id)
	}
	return expired
}

func (s *Store) staleReason(e *entry, now time.Time) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return ""
	}
	if s.opts.MaxAge > 0 && now.Sub(e.s.CreatedAt) > s.opts.MaxAge {
		return reasonMaxAge
	}
	if s.opts.IdleTimeout <= 0 || now.Sub(e.s.LastActivityAt) <= s.opts.IdleTimeout {
		return ""
	}
	if e.s.Status == models.StatusError {
		return reasonFailedStale
	}
	_, senderLive := s.devices.Lookup(e.s.SenderID)
	_, recipientLive := s.devices.Lookup(e.s.RecipientID)
	if !senderLive || !recipientLive {
		return reasonPartyGone
	}
	return ""
}

// RunReaper calls Reap every interval until ctx is done.
func (s *Store) RunReaper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if ids := s.Reap(s.opts.Now()); len(ids) > 0 {
				s.log.Info().Int("count", len(ids)).Msg("reaped stale transfers")
			}
		}
	}
}
