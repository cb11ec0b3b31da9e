package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrDuplicateKey     = errors.New("duplicate license key")
	ErrDuplicatePayment = errors.New("license already issued for payment")
	ErrDuplicateSession = errors.New("duplicate provider session")
	ErrActivationLimit  = errors.New("activation limit reached")
)

// isUniqueViolation reports whether err is a SQLite UNIQUE failure naming column.
func isUniqueViolation(err error, column string) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	if se.Code()&0xff != sqlite3.SQLITE_CONSTRAINT {
		return false
	}
	return strings.Contains(se.Error(), column)
}

func encodeMetadata(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(s string) (map[string]string, error) {
	m := make(map[string]string)
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

// metadataPath returns the JSON path for a top-level key, quoted so keys with
// dots or colons address a single member.
func metadataPath(key string) string {
	b, _ := json.Marshal(key)
	return "$." + string(b)
}

// jsonSet builds a json_set expression over the metadata column. Keys are
// sorted so the statement text is stable.
func jsonSet(kv map[string]string) (string, []any) {
	if len(kv) == 0 {
		return "metadata", nil
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	args := make([]any, 0, len(kv)*2)
	b.WriteString("json_set(metadata")
	for _, k := range keys {
		b.WriteString(", ?, ?")
		args = append(args, metadataPath(k), kv[k])
	}
	b.WriteString(")")
	return b.String(), args
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
