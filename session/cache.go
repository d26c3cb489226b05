package session

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LocalCache is a bounded in-process view of recently validated sessions.
// A revocation in another process is only observed once the entry ages out,
// so ttl bounds how stale a sign-out or a sliding renewal can be.
type LocalCache struct {
	lru *expirable.LRU[string, cachedSession]
	ttl time.Duration
}

type cachedSession struct {
	sess       Session
	validUntil time.Time
}

// NewLocalCache returns nil when size or ttl is not positive; a nil cache is
// valid and always misses.
func NewLocalCache(size int, ttl time.Duration) *LocalCache {
	if size <= 0 || ttl <= 0 {
		return nil
	}
	return &LocalCache{
		lru: expirable.NewLRU[string, cachedSession](size, nil, ttl),
		ttl: ttl,
	}
}

func (c *LocalCache) Get(sessionID string, now time.Time) (*Session, bool) {
	if c == nil {
		return nil, false
	}
	entry, ok := c.lru.Get(sessionID)
	if !ok {
		return nil, false
	}
	if !now.Before(entry.validUntil) {
		c.lru.Remove(sessionID)
		return nil, false
	}
	sess := entry.sess
	return &sess, true
}

// Add caches sess as read at now. The entry is served until ttl has passed
// or the session's own expiry, whichever comes first.
func (c *LocalCache) Add(sess *Session, now time.Time) {
	if c == nil || sess == nil {
		return
	}
	validUntil := now.Add(c.ttl)
	if expiry := time.Unix(sess.ExpiresAt, 0); expiry.Before(validUntil) {
		validUntil = expiry
	}
	c.lru.Add(sess.SessionID, cachedSession{sess: *sess, validUntil: validUntil})
}

func (c *LocalCache) Remove(sessionID string) {
	if c == nil {
		return
	}
	c.lru.Remove(sessionID)
}

// RemoveSubject evicts every cached session belonging to subjectID.
func (c *LocalCache) RemoveSubject(subjectID string) {
	if c == nil {
		return
	}
	for _, key := range c.lru.Keys() {
		if entry, ok := c.lru.Peek(key); ok && entry.sess.SubjectID == subjectID {
			c.lru.Remove(key)
		}
	}
}

func (c *LocalCache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
