package room

import "time"

type cachedImage struct {
	img Completed
	at  time.Time
}

// ImageCache keeps recently completed transfers, oldest evicted first.
type ImageCache struct {
	max     int
	ttl     time.Duration
	entries []cachedImage
}

func NewImageCache(max int, ttl time.Duration) *ImageCache {
	if max <= 0 {
		max = 20
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ImageCache{max: max, ttl: ttl}
}

func (c *ImageCache) Add(img Completed, now time.Time) {
	for i, e := range c.entries {
		if e.img.TransferID == img.TransferID {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			break
		}
	}
	if len(c.entries) >= c.max {
		c.entries = c.entries[1:]
	}
	c.entries = append(c.entries, cachedImage{img: img, at: now})
}

func (c *ImageCache) Get(id string) (Completed, bool) {
	for _, e := range c.entries {
		if e.img.TransferID == id {
			return e.img, true
		}
	}
	return Completed{}, false
}

// Cleanup drops entries older than the ttl and returns how many went.
func (c *ImageCache) Cleanup(now time.Time) int {
	kept := c.entries[:0]
	for _, e := range c.entries {
		if now.Sub(e.at) <= c.ttl {
			kept = append(kept, e)
		}
	}
	n := len(c.entries) - len(kept)
	c.entries = kept
	return n
}

func (c *ImageCache) Len() int { return len(c.entries) }
