package state

import (
	"path/filepath"
	"testing"
	"time"
)

func TestStateRecord(t *testing.T) {
	st := &State{Folders: map[string]FolderRun{}}
	if got := st.Get("INBOX"); got.Total != 0 {
		t.Fatalf("expected 0, got %d", got.Total)
	}
	st.Record("INBOX", FolderRun{Done: 10})
	st.Record("INBOX", FolderRun{Done: 5})
	if got := st.Get("INBOX"); got.Total != 15 || got.Done != 5 {
		t.Fatalf("expected total 15 done 5, got %+v", got)
	}
}

func TestStateSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	st, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	when := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	st.Record("INBOX/Sent", FolderRun{LastRun: when, Remote: 3, New: 2, Done: 2, Bytes: 1024})
	st.Record("Junk", FolderRun{LastRun: when, Skipped: "SELECT failed"})
	if err := st.Save(path); err != nil {
		t.Fatal(err)
	}
	again, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	got := again.Get("INBOX/Sent")
	if got.Total != 2 || got.Bytes != 1024 || !got.LastRun.Equal(when) {
		t.Fatalf("loaded %+v", got)
	}
	if again.Get("Junk").Skipped != "SELECT failed" {
		t.Fatalf("loaded %+v", again.Get("Junk"))
	}
}
