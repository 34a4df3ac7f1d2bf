package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrAlreadyOnline means another desk session holds the linguist's slot.
var ErrAlreadyOnline = errors.New("guard: linguist is already online in another desk session")

type holder struct {
	sid    string
	cancel context.CancelFunc
}

// OnlineLock allows one online desk session per linguist. With a redis
// client the slot is a key holding the desk session id, shared across
// instances; without one it only covers this process.
type OnlineLock struct {
	rdb *redis.Client
	ttl time.Duration
	log *slog.Logger

	mu      sync.Mutex
	holders map[string]holder
}

func NewOnlineLock(rdb *redis.Client, ttl time.Duration, log *slog.Logger) *OnlineLock {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &OnlineLock{rdb: rdb, ttl: ttl, log: log.With("component", "online_lock"), holders: make(map[string]holder)}
}

func lockKey(userID string) string { return "desk:online:" + userID }

// The slot value is the holding desk session id. A session that already
// holds the slot refreshes its TTL instead of failing.
var slotClaimScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
if cur == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var slotReleaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var slotExtendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// claimSlot reports whether sid now holds userID's shared slot.
func (l *OnlineLock) claimSlot(ctx context.Context, userID, sid string) (bool, error) {
	n, err := slotClaimScript.Run(ctx, l.rdb, []string{lockKey(userID)}, sid, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("guard: claim online slot: %w", err)
	}
	return n == 1, nil
}

// Acquire takes the slot for userID on behalf of sid. Re-acquiring from the
// holding session succeeds.
func (l *OnlineLock) Acquire(ctx context.Context, userID, sid string) error {
	if userID == "" || sid == "" {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.holders[userID]; ok {
		if h.sid == sid {
			return nil
		}
		return ErrAlreadyOnline
	}

	if l.rdb != nil {
		ok, err := l.claimSlot(ctx, userID, sid)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyOnline
		}
	}

	kctx, cancel := context.WithCancel(context.Background())
	l.holders[userID] = holder{sid: sid, cancel: cancel}
	if l.rdb != nil {
		go l.keepAlive(kctx, userID, sid)
	}
	return nil
}

// Release frees the slot if sid holds it.
func (l *OnlineLock) Release(ctx context.Context, userID, sid string) {
	l.mu.Lock()
	h, ok := l.holders[userID]
	if !ok || h.sid != sid {
		l.mu.Unlock()
		return
	}
	delete(l.holders, userID)
	l.mu.Unlock()

	h.cancel()
	if l.rdb != nil {
		if err := slotReleaseScript.Run(ctx, l.rdb, []string{lockKey(userID)}, sid).Err(); err != nil {
			l.log.Warn("failed to release online slot", "user_id", userID, "error", err)
		}
	}
}

// Holder returns the desk session holding userID's slot in this process.
func (l *OnlineLock) Holder(userID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.holders[userID]
	return h.sid, ok
}

func (l *OnlineLock) keepAlive(ctx context.Context, userID, sid string) {
	t := time.NewTicker(l.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := slotExtendScript.Run(ctx, l.rdb, []string{lockKey(userID)}, sid, l.ttl.Milliseconds()).Int()
			switch {
			case err != nil && ctx.Err() == nil:
				l.log.Warn("failed to extend online slot", "user_id", userID, "error", err)
			case err == nil && n == 0:
				l.log.Warn("online slot lost to another desk session", "user_id", userID, "sid", sid)
			}
		}
	}
}
