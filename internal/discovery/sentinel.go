package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Sentinel is the message resolved from a cutoff date.
type Sentinel struct {
	MessageID int64
	Date      int64
}

// SentinelCache remembers resolved sentinels, including the absence of
// one, for a limited time.
type SentinelCache struct {
	entries *expirable.LRU[string, *Sentinel]
}

// NewSentinelCache creates a cache of size entries living for ttl.
func NewSentinelCache(size int, ttl time.Duration) *SentinelCache {
	if size <= 0 {
		size = 512
	}
	return &SentinelCache{entries: expirable.NewLRU[string, *Sentinel](size, nil, ttl)}
}

func sentinelKey(accountID, chatID, since int64) string {
	return fmt.Sprintf("%d:%d:%d", accountID, chatID, since)
}

// Forget drops the cached sentinel of a chat cutoff.
func (c *SentinelCache) Forget(accountID, chatID, since int64) {
	c.entries.Remove(sentinelKey(accountID, chatID, since))
}

// Len returns the number of cached entries.
func (c *SentinelCache) Len() int {
	return c.entries.Len()
}

// ResolveSentinel returns the last message of a chat sent no later than
// since, or nil when there is none or since is unset.
func (e *Engine) ResolveSentinel(ctx context.Context, accountID, chatID, since int64) (*Sentinel, error) {
	if since <= 0 {
		return nil, nil
	}

	key := sentinelKey(accountID, chatID, since)
	if e.sentinels != nil {
		if s, ok := e.sentinels.entries.Get(key); ok {
			return s, nil
		}
	}

	msg, err := e.source.MessageAtDate(ctx, accountID, chatID, since)
	if err != nil {
		return nil, err
	}

	var s *Sentinel
	if msg != nil {
		s = &Sentinel{MessageID: msg.ID, Date: msg.Date}
		e.log.Debug("History cutoff resolved",
			"account", accountID,
			"chat", chatID,
			"since", since,
			"sentinel_id", s.MessageID,
			"sentinel_date", s.Date,
		)
	}
	if e.sentinels != nil {
		e.sentinels.entries.Add(key, s)
	}
	return s, nil
}

// Cutoff returns the effective cutoff date of a chat for since, 0 when no
// cutoff applies.
func (e *Engine) Cutoff(ctx context.Context, accountID, chatID, since int64) (int64, error) {
	s, err := e.ResolveSentinel(ctx, accountID, chatID, since)
	if err != nil {
		return 0, err
	}
	return cutoffOf(s, since), nil
}

func cutoffOf(s *Sentinel, since int64) int64 {
	if s == nil {
		return 0
	}
	if since > s.Date {
		return since
	}
	return s.Date
}
