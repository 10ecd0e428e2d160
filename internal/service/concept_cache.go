package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/manimcat/api/internal/logging"
	"github.com/manimcat/api/internal/model"
)

const DefaultCacheTTL = time.Hour

var (
	whitespaceRe  = regexp.MustCompile(`\s+`)
	punctuationRe = regexp.MustCompile(`[.,!?;:'"]`)
)

// NormalizeConcept folds a concept so that trivially different phrasings
// share a cache entry.
func NormalizeConcept(concept string) string {
	s := strings.TrimSpace(strings.ToLower(concept))
	s = whitespaceRe.ReplaceAllString(s, " ")
	s = punctuationRe.ReplaceAllString(s, "")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// ConceptHash is the first 16 hex characters of sha256(normalized:quality).
func ConceptHash(concept string, quality model.Quality) string {
	sum := sha256.Sum256([]byte(NormalizeConcept(concept) + ":" + string(quality)))
	return hex.EncodeToString(sum[:])[:16]
}

func cacheKey(hash string) string {
	return "concept:cache:" + hash
}

// ConceptCache maps a normalized concept and quality to a finished artifact
type ConceptCache struct {
	redis   redis.Cmdable
	ttl     time.Duration
	enabled bool
	now     func() time.Time
}

func NewConceptCache(redisClient redis.Cmdable, enabled bool, ttl time.Duration) *ConceptCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ConceptCache{redis: redisClient, ttl: ttl, enabled: enabled, now: time.Now}
}

func (c *ConceptCache) Enabled() bool {
	return c.enabled
}

// Lookup returns the cached entry, nil on a miss. Entries read past their
// expiry are deleted and reported as a miss. Redis errors are logged and
// treated as a miss.
func (c *ConceptCache) Lookup(ctx context.Context, concept string, quality model.Quality) *model.CacheEntry {
	if !c.enabled {
		return nil
	}
	log := logging.Component("ConceptCache")
	key := cacheKey(ConceptHash(concept, quality))

	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.WithError(err).Warn("Cache lookup failed")
		}
		return nil
	}

	var entry model.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		log.WithError(err).Warn("Dropping undecodable cache entry")
		c.redis.Del(ctx, key)
		return nil
	}
	if !entry.ExpiresAt.IsZero() && c.now().After(entry.ExpiresAt) {
		c.redis.Del(ctx, key)
		return nil
	}
	return &entry
}

// Store writes an entry for the concept. CreatedAt and ExpiresAt are always
// set here; the entry is never updated afterwards.
func (c *ConceptCache) Store(ctx context.Context, concept string, quality model.Quality, entry *model.CacheEntry) error {
	if !c.enabled {
		return nil
	}
	now := c.now()
	entry.Concept = concept
	entry.Quality = quality
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(c.ttl)

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, cacheKey(ConceptHash(concept, quality)), data, c.ttl).Err()
}
