package cache

import (
	"strings"
	"time"
)

const defaultSourceNameTTL = 5 * time.Minute

// SourceResolverCache stores hot-path allocation-source name lookups for the
// usage reconstruction engine, which resolves the same payload references for
// every event it replays.
type SourceResolverCache interface {
	GetName(sourceRef string) (string, bool)
	SetName(sourceRef, name string)
}

type sourceResolverCache struct {
	names   Cache[string, string]
	nameTTL time.Duration
}

// NewSourceResolverCache returns an in-memory cache tuned for report runs.
func NewSourceResolverCache() SourceResolverCache {
	return &sourceResolverCache{
		names:   NewTTLCache[string, string](),
		nameTTL: defaultSourceNameTTL,
	}
}

func (c *sourceResolverCache) GetName(sourceRef string) (string, bool) {
	ref := strings.TrimSpace(sourceRef)
	if ref == "" {
		return "", false
	}
	return c.names.Get(ref)
}

func (c *sourceResolverCache) SetName(sourceRef, name string) {
	ref := strings.TrimSpace(sourceRef)
	if ref == "" || name == "" {
		return
	}
	c.names.Set(ref, name, c.nameTTL)
}
