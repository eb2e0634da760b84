package store

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

// Whatever sequence of committed writes happens, Read always returns the most
// recent payload and never a torn or mixed one.
func TestReadAlwaysReturnsLastCommittedWrite(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := New(t.TempDir(), Options{BackupRetention: 2})

		writeCount := rapid.IntRange(1, 12).Draw(rt, "writes")
		var last string
		for index := 0; index < writeCount; index++ {
			value := rapid.IntRange(0, 1_000_000).Draw(rt, fmt.Sprintf("value_%d", index))
			last = fmt.Sprintf(`{"value":%d}`, value)
			if err := s.Write("sess_p", "session", []byte(last)); err != nil {
				rt.Fatalf("write %d: %v", index, err)
			}
		}

		payload, err := s.Read("sess_p", "session")
		if err != nil {
			rt.Fatalf("read: %v", err)
		}
		if string(payload) != last {
			rt.Fatalf("read %s, want %s", string(payload), last)
		}

		backups, err := s.ListBackups("sess_p", "session")
		if err != nil {
			rt.Fatalf("list backups: %v", err)
		}
		if len(backups) > 2 {
			rt.Fatalf("retention exceeded: %d backups", len(backups))
		}
	})
}
