package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// generateID generates a new UUID
func generateID() string {
	return uuid.New().String()
}

// generateAPIKey generates a new API key
func generateAPIKey() string {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	return fmt.Sprintf("qp_key_%s", hex.EncodeToString(b))
}

// hashAPIKey hashes an API key for storage
func hashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// normalizeWallet lowercases a hex address so lookups are case-insensitive
func normalizeWallet(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// page turns pagination params into limit and offset
func page(p PaginationParams) (limit, offset int) {
	limit = p.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if p.Cursor != "" {
		if n, err := strconv.Atoi(p.Cursor); err == nil && n > 0 {
			offset = n
		}
	}
	return limit, offset
}

// paginate trims the extra row fetched to detect a following page
func paginate[T any](rows []T, limit, offset int) *PaginatedResult[T] {
	res := &PaginatedResult[T]{Data: rows}
	if len(rows) > limit {
		res.Data = rows[:limit]
		res.HasMore = true
		res.NextCursor = strconv.Itoa(offset + limit)
	}
	if res.Data == nil {
		res.Data = []T{}
	}
	return res
}
