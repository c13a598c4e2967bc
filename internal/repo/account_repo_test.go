package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/openfish/sellerbot/internal/domain"
)

func TestAccountCRUD(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	a := &domain.Account{ID: "acct-1", Name: "主号", Cookies: "unb=1"}
	if err := CreateAccount(ctx, db, a); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := GetAccount(ctx, db, "acct-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "主号" || !got.Enabled {
		t.Fatalf("got %+v", got)
	}

	all, err := ListAccounts(ctx, db)
	if err != nil || len(all) != 1 {
		t.Fatalf("list: %v, %d", err, len(all))
	}

	if err := DeleteAccount(ctx, db, "acct-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := GetAccount(ctx, db, "acct-1"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("get after delete: %v", err)
	}
	if err := DeleteAccount(ctx, db, "acct-1"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestListEnabledAccounts(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := CreateAccount(ctx, db, &domain.Account{ID: id, Name: id, Cookies: "x", Enabled: true}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	if err := SetAccountEnabled(ctx, db, "b", false); err != nil {
		t.Fatalf("disable b: %v", err)
	}

	got, err := ListEnabledAccounts(ctx, db)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
		t.Fatalf("got %+v", got)
	}
}

func TestUpdateAccountCookies(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	if err := CreateAccount(ctx, db, &domain.Account{ID: "a", Name: "a", Cookies: "old"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := UpdateAccountCookies(ctx, db, "a", "new=1"); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := GetAccount(ctx, db, "a")
	if got.Cookies != "new=1" {
		t.Fatalf("cookies = %q", got.Cookies)
	}

	if err := UpdateAccountCookies(ctx, db, "ghost", "x"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestUpdateAccountStatus_PartialUpdate(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	if err := CreateAccount(ctx, db, &domain.Account{ID: "a", Name: "a", Cookies: "x"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	connected := true
	hb := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	if err := UpdateAccountStatus(ctx, db, "a", AccountStatusUpdate{
		Connected:     &connected,
		LastHeartbeat: &hb,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := GetAccount(ctx, db, "a")
	if !got.Connected || !got.LastHeartbeat.Equal(hb) {
		t.Fatalf("got %+v", got)
	}

	// Writing one field leaves the others alone.
	msg := "link down"
	off := false
	if err := UpdateAccountStatus(ctx, db, "a", AccountStatusUpdate{
		Connected:    &off,
		ErrorMessage: &msg,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = GetAccount(ctx, db, "a")
	if got.Connected || got.ErrorMessage != "link down" || !got.LastHeartbeat.Equal(hb) {
		t.Fatalf("got %+v", got)
	}

	// Empty update is a no-op, not an error.
	if err := UpdateAccountStatus(ctx, db, "a", AccountStatusUpdate{}); err != nil {
		t.Fatalf("empty update: %v", err)
	}
}

func TestSetAccountEnabled(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	if err := CreateAccount(ctx, db, &domain.Account{ID: "a", Name: "a", Cookies: "x", Enabled: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := SetAccountEnabled(ctx, db, "a", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	got, _ := GetAccount(ctx, db, "a")
	if got.Enabled {
		t.Fatal("still enabled")
	}
	if err := SetAccountEnabled(ctx, db, "ghost", true); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("err = %v", err)
	}
}
