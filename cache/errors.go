package cache

import (
	"fmt"

	"github.com/zsiec/quicrtc/rtcerr"
)

// errCacheFull is returned by Insert when the cache is at its size cap
// and LRU eviction is disabled.
var errCacheFull = fmt.Errorf("cache: %w", rtcerr.ErrCacheFull)
