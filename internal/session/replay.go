package session

import (
	"context"
	"fmt"

	"github.com/clickety-clacks/clawline/internal/domain"
	"github.com/clickety-clacks/clawline/internal/store"
)

// VisibleStreamKeys filters a user's full catalog down to what isAdmin may
// see: the admin-global key is dropped for non-admins, matching §4.4's
// "hides admin global stream for non-admins".
func VisibleStreamKeys(streams []*domain.StreamSession, isAdmin bool, adminGlobalKey string) []string {
	keys := make([]string, 0, len(streams))
	for _, s := range streams {
		if !isAdmin && s.SessionKey == adminGlobalKey {
			continue
		}
		keys = append(keys, s.SessionKey)
	}
	return keys
}

// ReplayResult is what Replay hands back to the auth handler for building
// the auth_result / backfill frames.
type ReplayResult struct {
	Events         []*domain.Event
	HistoryReset   bool
	Truncated      bool
}

// Replay resolves the replay window for a reconnecting session. With a
// resolvable lastMessageID, it replays subsequent events up to maxReplay,
// oldest-to-newest; when lastMessageID is empty or unresolvable, it replays
// the tail instead and sets HistoryReset. Every replayed event whose
// sessionKey falls outside visibleKeys is dropped (admin-global events
// dropped for non-admins).
func Replay(ctx context.Context, repo store.Repository, userID, lastMessageID string, maxReplay int, visibleKeys []string) (*ReplayResult, error) {
	visible := make(map[string]bool, len(visibleKeys))
	for _, k := range visibleKeys {
		visible[k] = true
	}

	if lastMessageID != "" {
		anchor, err := repo.GetEvent(ctx, lastMessageID)
		if err != nil {
			return nil, fmt.Errorf("resolve last message id: %w", err)
		}
		if anchor != nil && anchor.UserID == userID {
			events, err := repo.EventsAfterSequence(ctx, userID, anchor.Sequence, maxReplay+1)
			if err != nil {
				return nil, fmt.Errorf("events after sequence: %w", err)
			}
			truncated := len(events) > maxReplay
			if truncated {
				events = events[:maxReplay]
			}
			return &ReplayResult{Events: filterVisible(events, visible), Truncated: truncated}, nil
		}
	}

	tail, err := repo.TailEvents(ctx, userID, domain.EventTypeMessage, maxReplay)
	if err != nil {
		return nil, fmt.Errorf("tail events: %w", err)
	}
	return &ReplayResult{Events: filterVisible(tail, visible), HistoryReset: true}, nil
}

func filterVisible(events []*domain.Event, visible map[string]bool) []*domain.Event {
	out := make([]*domain.Event, 0, len(events))
	for _, e := range events {
		if visible[e.SessionKey] {
			out = append(out, e)
		}
	}
	return out
}
