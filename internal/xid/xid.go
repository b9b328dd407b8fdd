package xid

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a time-sortable identifier such as "sale-01j9z3...".
func New(prefix string) string {
	mu.Lock()
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), entropy)
	mu.Unlock()
	if err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return prefix + "-" + strings.ToLower(id.String())
}
