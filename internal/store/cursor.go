package store

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

func encodeCursor(createdAt time.Time, id string) string {
	if createdAt.IsZero() || id == "" {
		return ""
	}
	raw := createdAt.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	payload, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: decode base64 cursor", ErrInvalidCursor)
	}
	createdText, id, ok := strings.Cut(string(payload), "|")
	id = strings.TrimSpace(id)
	if !ok || id == "" {
		return time.Time{}, "", fmt.Errorf("%w: missing id", ErrInvalidCursor)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(createdText))
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: parse created_at", ErrInvalidCursor)
	}
	return createdAt.UTC(), id, nil
}

// pageResult trims items to limit and derives the cursor of the next page.
func pageResult(items []*Record, limit int) *RecordResult {
	result := &RecordResult{Items: items}
	if len(items) > limit {
		result.Items = items[:limit]
		last := result.Items[len(result.Items)-1]
		result.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	return result
}
