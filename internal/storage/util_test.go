package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDialectRebind(t *testing.T) {
	q := "UPDATE users SET credits_micros = ?, updated_at = {now} WHERE wallet = ?"
	assert.Equal(t, "UPDATE users SET credits_micros = $1, updated_at = NOW() WHERE wallet = $2", postgresDialect.q(q))
	assert.Equal(t, "UPDATE users SET credits_micros = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now') WHERE wallet = ?", sqliteDialect.q(q))
	assert.Equal(t, "created_at", sqliteDialect.ts("created_at"))
	assert.True(t, strings.HasPrefix(postgresDialect.ts("created_at"), "to_char(created_at"))
}

func TestPage(t *testing.T) {
	tests := []struct {
		name       string
		in         PaginationParams
		wantLimit  int
		wantOffset int
	}{
		{"defaults", PaginationParams{}, defaultPageSize, 0},
		{"capped", PaginationParams{Limit: 1000}, maxPageSize, 0},
		{"cursor", PaginationParams{Limit: 5, Cursor: "10"}, 5, 10},
		{"garbage cursor", PaginationParams{Limit: 5, Cursor: "abc"}, 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limit, offset := page(tt.in)
			assert.Equal(t, tt.wantLimit, limit)
			assert.Equal(t, tt.wantOffset, offset)
		})
	}
}

func TestAPIKeyFormat(t *testing.T) {
	key := generateAPIKey()
	assert.True(t, strings.HasPrefix(key, "qp_key_"))
	assert.Len(t, key, len("qp_key_")+48)
	assert.Equal(t, hashAPIKey(key), hashAPIKey(key))
	assert.Equal(t, "0xabcd", normalizeWallet(" 0xABCD "))
}
