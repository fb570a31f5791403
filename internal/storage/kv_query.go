package storage

import (
	"fmt"
	"regexp"
	"strings"
)

type kvStatementKind uint8

const (
	kvStatementSelect kvStatementKind = iota + 1
	kvStatementInsert
)

type kvStatement struct {
	kind       kvStatementKind
	table      string
	whereField string
}

var (
	kvSelectPattern = regexp.MustCompile(`(?i)^select\s+\*\s+from\s+(\w+)(?:\s+where\s+(\w+)\s*=\s*\?)?$`)
	kvInsertPattern = regexp.MustCompile(`(?i)^insert\s+into\s+(\w+)$`)
)

// parseKeyValueStatement recognises the two statement shapes the key-value
// backend can run. Table names are checked here so an unknown table fails
// before any work is done.
func parseKeyValueStatement(statement string) (kvStatement, error) {
	s := strings.TrimSpace(statement)
	s = strings.TrimSpace(strings.TrimSuffix(s, ";"))

	if m := kvSelectPattern.FindStringSubmatch(s); m != nil {
		if err := checkTable(m[1]); err != nil {
			return kvStatement{}, err
		}
		return kvStatement{kind: kvStatementSelect, table: m[1], whereField: m[2]}, nil
	}
	if m := kvInsertPattern.FindStringSubmatch(s); m != nil {
		if err := checkTable(m[1]); err != nil {
			return kvStatement{}, err
		}
		return kvStatement{kind: kvStatementInsert, table: m[1]}, nil
	}
	return kvStatement{}, fmt.Errorf("%w: %q", ErrUnsupportedQuery, statement)
}
