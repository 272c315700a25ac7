package session_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/MrWong99/whisperflow/internal/session"
)

func TestTimestamp_JSON(t *testing.T) {
	ts := time.Date(2025, 3, 4, 5, 6, 7, 0, time.Local)
	b, err := json.Marshal(session.Timestamp(ts))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `"2025-03-04 05:06:07"` {
		t.Errorf("Marshal = %s", b)
	}

	var back session.Timestamp
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if !back.Time().Equal(ts) {
		t.Errorf("round trip = %v, want %v", back.Time(), ts)
	}

	for _, bad := range []string{`"yesterday"`, `12`} {
		if err := json.Unmarshal([]byte(bad), &back); err == nil {
			t.Errorf("Unmarshal(%s) succeeded", bad)
		}
	}
}

func TestNewID(t *testing.T) {
	got := session.NewID(time.Date(2025, 1, 2, 3, 4, 5, 0, time.Local))
	if got != "session_20250102_030405" {
		t.Errorf("NewID = %q", got)
	}
}
