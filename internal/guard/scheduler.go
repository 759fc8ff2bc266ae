package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/wardenbot/warden/pkg/utils"
	"go.uber.org/zap"
)

// ErrAlreadyScheduled indicates a pending entry already exists for the member.
// The existing schedule is kept; callers log and move on.
var ErrAlreadyScheduled = errors.New("verification already scheduled for member")

// pendingEntry tracks one live kick-deadline race.
type pendingEntry struct {
	guildID  snowflake.ID
	deadline time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

// Scheduler owns the set of members awaiting verification. Each pending
// member is bound to one deadline goroutine that races the verification
// timeout against cancellation. The pending map is the single authority for
// whether a member is under a live deadline: a deadline task that wakes up
// and finds its entry gone must take no action.
type Scheduler struct {
	gateway Gateway
	store   Store
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[snowflake.ID]*pendingEntry
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler with the nominal verification timeout.
func NewScheduler(gateway Gateway, store Store, timeout time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		gateway: gateway,
		store:   store,
		timeout: timeout,
		logger:  logger.Named("scheduler"),
		pending: make(map[snowflake.ID]*pendingEntry),
	}
}

// Timeout returns the nominal verification timeout.
func (s *Scheduler) Timeout() time.Duration {
	return s.timeout
}

// Schedule starts a deadline task for the member. remaining may be less than
// the nominal timeout (make-up scheduling after downtime) or non-positive,
// which skips the sleep and checks immediately. Returns ErrAlreadyScheduled
// if the member already has a pending entry; the existing schedule is kept.
func (s *Scheduler) Schedule(ctx context.Context, guildID, userID snowflake.ID, remaining time.Duration) error {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	entry := &pendingEntry{
		guildID:  guildID,
		deadline: time.Now().Add(remaining),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if _, ok := s.pending[userID]; ok {
		s.mu.Unlock()
		cancel()

		return fmt.Errorf("%w: %d", ErrAlreadyScheduled, userID)
	}

	s.pending[userID] = entry
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(ctx, entry, userID, remaining)

	s.logger.Debug("Scheduled verification deadline",
		zap.Uint64("guildID", uint64(guildID)),
		zap.Uint64("userID", uint64(userID)),
		zap.Duration("remaining", remaining))

	return nil
}

// Cancel removes and cancels the member's pending entry if present, returning
// whether one existed. It removes the entry from the map before signalling and
// waits for the deadline task to finish, so once Cancel returns the task can
// no longer kick.
func (s *Scheduler) Cancel(userID snowflake.ID) bool {
	s.mu.Lock()

	entry, ok := s.pending[userID]
	if !ok {
		s.mu.Unlock()
		return false
	}

	delete(s.pending, userID)
	s.mu.Unlock()

	entry.cancel()
	<-entry.done

	s.logger.Debug("Cancelled verification deadline", zap.Uint64("userID", uint64(userID)))

	return true
}

// Pending reports whether the member has a live deadline entry.
func (s *Scheduler) Pending(userID snowflake.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.pending[userID]

	return ok
}

// Len returns the number of live deadline entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.pending)
}

// Close cancels every pending entry and waits for all deadline tasks to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()

	for userID, entry := range s.pending {
		delete(s.pending, userID)
		entry.cancel()
	}

	s.mu.Unlock()

	s.wg.Wait()
}

// run is the deadline task for one pending member.
func (s *Scheduler) run(ctx context.Context, entry *pendingEntry, userID snowflake.ID, remaining time.Duration) {
	defer func() {
		s.remove(userID, entry)
		close(entry.done)
		s.wg.Done()
	}()

	if utils.ContextSleep(ctx, remaining) == utils.SleepCancelled {
		return
	}

	// Cancellation may have raced in during the sleep. Absence from the
	// pending map is authoritative grounds to abort, even if the context
	// signal itself is delayed.
	if !s.isLive(userID, entry) {
		s.logger.Debug("Deadline task superseded before check", zap.Uint64("userID", uint64(userID)))
		return
	}

	s.expire(ctx, entry.guildID, userID)
}

// isLive reports whether entry is still the member's live pending entry.
func (s *Scheduler) isLive(userID snowflake.ID, entry *pendingEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pending[userID] == entry
}

// remove drops the entry from the pending map if it is still the live one.
func (s *Scheduler) remove(userID snowflake.ID, entry *pendingEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending[userID] == entry {
		delete(s.pending, userID)
	}
}

// expire runs the deadline check: re-fetch the member's current role state
// from the platform and kick if the verified role is still absent. Any
// uncertainty fails open; a member is never kicked on stale or missing data.
func (s *Scheduler) expire(ctx context.Context, guildID, userID snowflake.ID) {
	member, err := s.gateway.Member(ctx, guildID, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Left during the wait; nothing to kick, drop any stale record
			s.removeRecord(ctx, guildID, userID)
			s.logger.Info("Member left before verification deadline",
				zap.Uint64("guildID", uint64(guildID)),
				zap.Uint64("userID", uint64(userID)))

			return
		}

		s.logger.Error("Failed to fetch member for deadline check",
			zap.Uint64("guildID", uint64(guildID)),
			zap.Uint64("userID", uint64(userID)),
			zap.Error(err))

		return
	}

	roleID, err := s.gateway.VerifiedRole(ctx, guildID)
	if err != nil {
		s.logger.Error("Failed to resolve verified role for deadline check",
			zap.Uint64("guildID", uint64(guildID)),
			zap.Error(err))

		return
	}

	if member.HasRole(roleID) {
		// Role grant and cancellation overlapped; record it instead of kicking
		if err := s.store.MarkVerified(ctx, guildID, userID); err != nil {
			s.logger.Error("Failed to record verification at deadline",
				zap.Uint64("userID", uint64(userID)),
				zap.Error(err))
		}

		s.logger.Info("Member verified by deadline check",
			zap.Uint64("guildID", uint64(guildID)),
			zap.Uint64("userID", uint64(userID)))

		return
	}

	reason := fmt.Sprintf("Not verified within %.1f minutes", s.timeout.Minutes())

	if err := s.gateway.Kick(ctx, guildID, userID, reason); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			// Already gone, treat as resolved
		case errors.Is(err, ErrForbidden):
			s.logger.Error("Missing permission to kick member",
				zap.Uint64("guildID", uint64(guildID)),
				zap.Uint64("userID", uint64(userID)))

			return
		default:
			s.logger.Error("Failed to kick member at deadline",
				zap.Uint64("guildID", uint64(guildID)),
				zap.Uint64("userID", uint64(userID)),
				zap.Error(err))

			return
		}
	}

	s.removeRecord(ctx, guildID, userID)

	s.logger.Info("Kicked unverified member",
		zap.Uint64("guildID", uint64(guildID)),
		zap.Uint64("userID", uint64(userID)),
		zap.String("reason", reason))
}

func (s *Scheduler) removeRecord(ctx context.Context, guildID, userID snowflake.ID) {
	if err := s.store.RemoveVerified(ctx, guildID, userID); err != nil {
		s.logger.Error("Failed to remove verified record",
			zap.Uint64("guildID", uint64(guildID)),
			zap.Uint64("userID", uint64(userID)),
			zap.Error(err))
	}
}
