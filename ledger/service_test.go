package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestDeposit_CommitsOnSuccess(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeStore{}
	svc := NewService(pool, repo)

	if err := svc.Deposit(context.Background(), "acct-1", 500); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if pool.tx == nil {
		t.Fatalf("expected Begin to provide transaction")
	}
	if !pool.tx.committed {
		t.Errorf("expected commit to be called")
	}
	if repo.depositAccount != "acct-1" || repo.depositAmount != 500 {
		t.Errorf("unexpected deposit args: %s %d", repo.depositAccount, repo.depositAmount)
	}
}

func TestDeposit_RollsBackOnRepoError(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeStore{depositErr: ErrInvalidAmount}
	svc := NewService(pool, repo)

	err := svc.Deposit(context.Background(), "acct-1", 0)
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	if pool.tx.committed {
		t.Errorf("expected commit to be skipped")
	}
	if !pool.tx.rolled {
		t.Errorf("expected rollback to be called")
	}
}

func TestDeposit_MissingAccountID(t *testing.T) {
	svc := NewService(&fakePool{}, &fakeStore{})
	if err := svc.Deposit(context.Background(), "", 100); err == nil {
		t.Fatalf("expected error for empty account id")
	}
}

func TestQuarantineAccount_Commits(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeStore{}
	svc := NewService(pool, repo)

	if err := svc.QuarantineAccount(context.Background(), "acct-1"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.frozenAccount != "acct-1" {
		t.Errorf("expected account to be frozen, got %q", repo.frozenAccount)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit to be called")
	}
}

func TestQuarantineBucket_Commits(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeStore{}
	svc := NewService(pool, repo)

	if err := svc.QuarantineBucket(context.Background(), "proj-1"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.frozenBucket != "proj-1" {
		t.Errorf("expected bucket to be frozen, got %q", repo.frozenBucket)
	}
}

type fakeStore struct {
	depositErr     error
	depositAccount string
	depositAmount  int64
	frozenAccount  string
	frozenBucket   string
}

func (f *fakeStore) Deposit(_ context.Context, _ pgx.Tx, accountID string, amount int64) error {
	if f.depositErr != nil {
		return f.depositErr
	}
	f.depositAccount = accountID
	f.depositAmount = amount
	return nil
}

func (f *fakeStore) FreezeAccount(_ context.Context, _ pgx.Tx, accountID string) error {
	f.frozenAccount = accountID
	return nil
}

func (f *fakeStore) FreezeBucket(_ context.Context, _ pgx.Tx, projectID string) error {
	f.frozenBucket = projectID
	return nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

func (f *fakePool) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
