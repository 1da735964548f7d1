package idspace_test

import (
	"context"
	"database/sql"
	"testing"

	"karya/internal/db"
	"karya/internal/idspace"
	"karya/internal/migrate"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func TestComposeSplitRoundtrip(t *testing.T) {
	cases := []struct {
		box, local int64
	}{
		{0, 1},
		{0, 12345},
		{1, 1},
		{7, 1 << 40},
		{1000, 999999},
	}
	for _, c := range cases {
		id := idspace.Compose(c.box, c.local)
		box, local, err := idspace.Split(id)
		if err != nil {
			t.Fatalf("split %q: %v", id, err)
		}
		if box != c.box || local != c.local {
			t.Fatalf("roundtrip (%d,%d): got (%d,%d)", c.box, c.local, box, local)
		}
	}
}

func TestSplitRejectsGarbage(t *testing.T) {
	if _, _, err := idspace.Split("not-a-number"); err == nil {
		t.Fatal("expected error for non-numeric id")
	}
}

func TestMintSequencesPerBox(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	var prev int64
	for i := 1; i <= 3; i++ {
		id, local, err := idspace.Mint(ctx, d, "task", idspace.ServerBox)
		if err != nil {
			t.Fatalf("mint %d: %v", i, err)
		}
		if local != prev+1 {
			t.Fatalf("local id %d after %d", local, prev)
		}
		prev = local
		box, gotLocal, err := idspace.Split(id)
		if err != nil || box != idspace.ServerBox || gotLocal != local {
			t.Fatalf("minted id %q decodes to (%d,%d): %v", id, box, gotLocal, err)
		}
	}
}

func TestMintSpacesAreDisjoint(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	serverID, _, err := idspace.Mint(ctx, d, "worker", 0)
	if err != nil {
		t.Fatal(err)
	}
	boxID, _, err := idspace.Mint(ctx, d, "worker", 3)
	if err != nil {
		t.Fatal(err)
	}
	if serverID == boxID {
		t.Fatalf("ids from different boxes collided: %s", serverID)
	}
	// same local counter value, different box, still distinct
	b1, l1, _ := idspace.Split(serverID)
	b2, l2, _ := idspace.Split(boxID)
	if l1 != l2 {
		t.Fatalf("expected equal local ids, got %d and %d", l1, l2)
	}
	if b1 == b2 {
		t.Fatalf("expected distinct box ids, got %d twice", b1)
	}
}

func TestMintForParsesBoxID(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	id, _, err := idspace.MintFor(ctx, d, "karya_file", "5")
	if err != nil {
		t.Fatal(err)
	}
	box, _, err := idspace.Split(id)
	if err != nil || box != 5 {
		t.Fatalf("expected box 5, got %d (%v)", box, err)
	}
	if _, _, err := idspace.MintFor(ctx, d, "karya_file", "not-a-box"); err == nil {
		t.Fatal("expected error for invalid box id")
	}
}
