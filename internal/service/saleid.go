package service

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"meter-recharge/internal/core/ports"

	"github.com/google/uuid"
)

// UUIDStrategy mints random v4 sale ids.
type UUIDStrategy struct{}

func (UUIDStrategy) NewSaleID(_ string) string {
	return uuid.NewString()
}

// TimestampRandomStrategy mints <unix-millis><16 hex chars> sale ids, the
// format some meter platforms display to vendors.
type TimestampRandomStrategy struct {
	now func() time.Time
}

func (s TimestampRandomStrategy) NewSaleID(_ string) string {
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand does not fail on supported platforms
		return uuid.NewString()
	}
	return strconv.FormatInt(now().UnixMilli(), 10) + hex.EncodeToString(buf)
}

// NewSaleIDStrategy resolves meter.sale_id_strategy.
func NewSaleIDStrategy(name string) (ports.SaleIDStrategy, error) {
	switch name {
	case "", "uuid":
		return UUIDStrategy{}, nil
	case "timestamp":
		return TimestampRandomStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown sale id strategy %q", name)
	}
}
