package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordWritesPrefixedJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf).WithClock(func() time.Time {
		return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	})

	l.Record(Event{Actor: "agent:alice", Action: "ledger.submit", Subject: "govcommit-abc", Outcome: "APPROVED"})

	line := buf.String()
	require.True(t, strings.HasPrefix(line, "AUDIT: "))

	var e Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "AUDIT: ")), &e))
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "agent:alice", e.Actor)
	assert.Equal(t, "ledger.submit", e.Action)
	assert.Equal(t, time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC), e.Timestamp)
}

func TestRecordPreservesExplicitID(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf)

	l.Record(Event{ID: "evt-001", Actor: "agent:bob", Action: "ledger.verify", Outcome: "CLEAN"})

	var e Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(buf.String()), "AUDIT: ")), &e))
	assert.Equal(t, "evt-001", e.ID)
}
