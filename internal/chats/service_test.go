package chats

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hmartins/wagate/internal/store"
	"go.uber.org/zap"
)

func testService(t *testing.T) *Service {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewService(db, zap.NewNop())
}

func TestSaveAndRead(t *testing.T) {
	svc := testService(t)

	rule, err := svc.Save("u1", "a@g.us", "b@g.us", "Alpha", "Beta")
	if err != nil {
		t.Fatal(err)
	}
	if rule.ID == "" {
		t.Error("saved rule should get an id")
	}
	if rule.FromJID != "a@g.us" || rule.ToJID != "b@g.us" {
		t.Errorf("rule = %+v", rule)
	}

	got, err := svc.Read("u1", rule.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.FromName != "Alpha" || got.ToName != "Beta" {
		t.Errorf("names = %q/%q", got.FromName, got.ToName)
	}
}

func TestSaveRequiredFields(t *testing.T) {
	svc := testService(t)
	for _, tt := range []struct{ userID, from, to string }{
		{"", "a@g.us", "b@g.us"},
		{"u1", "", "b@g.us"},
		{"u1", "a@g.us", ""},
	} {
		if _, err := svc.Save(tt.userID, tt.from, tt.to, "", ""); err == nil {
			t.Errorf("Save(%q, %q, %q) should fail", tt.userID, tt.from, tt.to)
		}
	}
}

func TestSaveRejectsSymmetricDuplicates(t *testing.T) {
	svc := testService(t)

	if _, err := svc.Save("u1", "a@g.us", "b@g.us", "", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Save("u1", "a@g.us", "b@g.us", "", ""); !errors.Is(err, ErrDuplicate) {
		t.Errorf("same pair err = %v, want ErrDuplicate", err)
	}
	if _, err := svc.Save("u1", "b@g.us", "a@g.us", "", ""); !errors.Is(err, ErrDuplicate) {
		t.Errorf("reversed pair err = %v, want ErrDuplicate", err)
	}

	// The pair is free for a different user.
	if _, err := svc.Save("u2", "a@g.us", "b@g.us", "", ""); err != nil {
		t.Errorf("other user err = %v", err)
	}
}

func TestSaveConcurrentPairRace(t *testing.T) {
	svc := testService(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := "a@g.us", "b@g.us"
			if i == 1 {
				from, to = to, from
			}
			_, errs[i] = svc.Save("u1", from, to, "", "")
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrDuplicate):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != 1 {
		t.Errorf("ok = %d dup = %d, want exactly one winner", ok, dup)
	}
}

func TestReadScopedToUser(t *testing.T) {
	svc := testService(t)
	rule, err := svc.Save("u1", "a@g.us", "b@g.us", "", "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Read("u2", rule.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-user read err = %v, want ErrNotFound", err)
	}
	if _, err := svc.Read("u1", "no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing id err = %v, want ErrNotFound", err)
	}
}

func TestListAndDelete(t *testing.T) {
	svc := testService(t)
	first, err := svc.Save("u1", "a@g.us", "b@g.us", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Save("u1", "c@g.us", "d@g.us", "", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Save("u2", "e@g.us", "f@g.us", "", ""); err != nil {
		t.Fatal(err)
	}

	rules, err := svc.List("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 {
		t.Errorf("len = %d, want 2", len(rules))
	}

	if err := svc.Delete("u2", first.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-user delete err = %v, want ErrNotFound", err)
	}
	if err := svc.Delete("u1", first.ID); err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete("u1", first.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}

	rules, err = svc.List("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 {
		t.Errorf("len after delete = %d, want 1", len(rules))
	}
}
