package logs

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Filter narrows rendered records. Empty fields match everything.
type Filter struct {
	Component string
	CardID    string
	MinLevel  string
}

var levelRank = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}

var reservedKeys = map[string]struct{}{
	"ts": {}, "level": {}, "msg": {}, "component": {}, "card_id": {}, "run_id": {}, "source": {},
}

// Render formats one log line for the console. Lines that are not JSON
// records pass through unchanged. ok is false when filter rejects the record.
func Render(line string, filter Filter) (string, bool) {
	var record map[string]any
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		return line, filter == Filter{}
	}

	level := strings.ToLower(stringField(record, "level"))
	component := stringField(record, "component")
	cardID := stringField(record, "card_id")
	if filter.Component != "" && !strings.EqualFold(filter.Component, component) {
		return "", false
	}
	if filter.CardID != "" && !strings.HasPrefix(cardID, filter.CardID) {
		return "", false
	}
	if min, ok := levelRank[strings.ToLower(filter.MinLevel)]; ok && levelRank[level] < min {
		return "", false
	}

	var b strings.Builder
	if ts, err := time.Parse(time.RFC3339, stringField(record, "ts")); err == nil {
		b.WriteString(ts.Local().Format("2006-01-02 15:04:05"))
		b.WriteByte(' ')
	}
	b.WriteString(strings.ToUpper(level))
	if component != "" {
		fmt.Fprintf(&b, " [%s]", component)
	}
	if cardID != "" {
		if len(cardID) > 8 {
			cardID = cardID[:8]
		}
		fmt.Fprintf(&b, " card %s", cardID)
	}
	b.WriteString(" – ")
	b.WriteString(stringField(record, "msg"))

	keys := make([]string, 0, len(record))
	for key := range record {
		if _, skip := reservedKeys[key]; !skip {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, " %s=%v", key, record[key])
	}
	return b.String(), true
}

func stringField(record map[string]any, key string) string {
	if value, ok := record[key].(string); ok {
		return value
	}
	return ""
}
