package fetch

import (
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	skuVersion     = "1"
	skuRandomChars = 10
	skuLifetime    = time.Hour
)

// SKU issues the billing session token appended to every request. A new
// token is generated once the current one is older than an hour.
type SKU struct {
	mu        sync.Mutex
	id        string
	token     string
	createdAt time.Time
	now       func() time.Time
}

func NewSKU(id string) *SKU {
	return &SKU{id: id, now: time.Now}
}

func (s *SKU) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token == "" || now.Sub(s.createdAt) >= skuLifetime {
		s.token = generateSKU(s.id, now)
		s.createdAt = now
	}
	return s.token
}

func generateSKU(id string, now time.Time) string {
	u := uuid.New()
	random := new(big.Int).SetBytes(u[:]).Text(36)
	if len(random) < skuRandomChars {
		random = strings.Repeat("0", skuRandomChars-len(random)) + random
	}
	return skuVersion + id + random[:skuRandomChars] + strconv.FormatInt(now.UnixMilli(), 36)
}
