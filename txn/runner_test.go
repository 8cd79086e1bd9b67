package txn_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stevemurr/schemadb/schema"
	"github.com/stevemurr/schemadb/store"
	"github.com/stevemurr/schemadb/txn"
)

// fakeConn hands out fakeTx values configured by the test.
type fakeConn struct {
	store.Conn
	beginErr error
	tx       *fakeTx
}

func (c *fakeConn) Begin(ctx context.Context, collection string, mode store.Mode) (store.Tx, error) {
	if c.beginErr != nil {
		return nil, c.beginErr
	}
	return c.tx, nil
}

type fakeTx struct {
	err       error
	commitErr error
	// errAfterOp simulates the engine aborting after the request succeeded.
	errAfterOp error
	committed  bool
	aborted    bool
}

func (t *fakeTx) Collection() store.Collection {
	if t.errAfterOp != nil {
		t.err = t.errAfterOp
	}
	return fakeCollection{}
}

type fakeCollection struct {
	store.Collection
}

func (t *fakeTx) Commit() error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *fakeTx) Abort() error {
	t.aborted = true
	return nil
}

func (t *fakeTx) Err() error { return t.err }

func ok(c store.Collection) (string, error) { return "done", nil }

func TestRunCommits(t *testing.T) {
	tx := &fakeTx{}
	got, err := txn.Run(context.Background(), &fakeConn{tx: tx}, "c", store.ReadWrite, ok)
	if err != nil {
		t.Fatal(err)
	}
	if got != "done" || !tx.committed {
		t.Fatalf("expected committed result, got %q committed=%v", got, tx.committed)
	}
}

func TestRunNoConnection(t *testing.T) {
	_, err := txn.Run(context.Background(), nil, "c", store.ReadOnly, ok)
	if !errors.Is(err, txn.ErrNoConnection) {
		t.Fatalf("expected ErrNoConnection, got %v", err)
	}
}

func TestRunBeginFailure(t *testing.T) {
	called := false
	_, err := txn.Run(context.Background(), &fakeConn{beginErr: store.ErrNotFound}, "c", store.ReadOnly, func(store.Collection) (int, error) {
		called = true
		return 1, nil
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if called {
		t.Fatal("op ran after Begin failed")
	}
}

func TestRunOpFailureAborts(t *testing.T) {
	boom := errors.New("boom")
	tx := &fakeTx{}
	_, err := txn.Run(context.Background(), &fakeConn{tx: tx}, "c", store.ReadWrite, func(store.Collection) (int, error) {
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if !tx.aborted || tx.committed {
		t.Fatalf("expected abort without commit, aborted=%v committed=%v", tx.aborted, tx.committed)
	}
}

func TestRunTxErrorDiscardsResult(t *testing.T) {
	tx := &fakeTx{errAfterOp: store.ErrConstraint}
	got, err := txn.Run(context.Background(), &fakeConn{tx: tx}, "c", store.ReadWrite, ok)
	if !errors.Is(err, store.ErrConstraint) {
		t.Fatalf("expected ErrConstraint, got %v", err)
	}
	if got != "" {
		t.Fatalf("expected zero result, got %q", got)
	}
	if tx.committed {
		t.Fatal("failed transaction was committed")
	}
}

func TestRunTxErrorWinsOverOpError(t *testing.T) {
	tx := &fakeTx{errAfterOp: store.ErrConstraint}
	_, err := txn.Run(context.Background(), &fakeConn{tx: tx}, "c", store.ReadWrite, func(store.Collection) (int, error) {
		return 0, errors.New("op")
	})
	if !errors.Is(err, store.ErrConstraint) {
		t.Fatalf("expected transaction error, got %v", err)
	}
}

func TestRunCommitFailure(t *testing.T) {
	commitErr := errors.New("disk full")
	tx := &fakeTx{commitErr: commitErr}
	got, err := txn.Run(context.Background(), &fakeConn{tx: tx}, "c", store.ReadWrite, ok)
	if !errors.Is(err, commitErr) {
		t.Fatalf("expected commit error, got %v", err)
	}
	if got != "" {
		t.Fatalf("expected zero result, got %q", got)
	}
}

func TestRunRecoversPanic(t *testing.T) {
	tx := &fakeTx{}
	_, err := txn.Run(context.Background(), &fakeConn{tx: tx}, "c", store.ReadWrite, func(store.Collection) (int, error) {
		panic("bad op")
	})
	if !errors.Is(err, txn.ErrPanic) {
		t.Fatalf("expected ErrPanic, got %v", err)
	}
	if !tx.aborted {
		t.Fatal("expected abort after panic")
	}
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tx := &fakeTx{}
	_, err := txn.Run(ctx, &fakeConn{tx: tx}, "c", store.ReadWrite, func(store.Collection) (int, error) {
		cancel()
		return 1, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if tx.committed {
		t.Fatal("committed after cancellation")
	}
}

// TestRunMemoryEngine drives a real engine end to end.
func TestRunMemoryEngine(t *testing.T) {
	ctx := context.Background()
	b := store.NewMemoryStore()
	conn, err := b.Open(ctx, "app", 1, func(ctx context.Context, up store.Upgrader, _, _ int) error {
		_, err := up.CreateCollection("s", schema.Path("id"), true)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	key, err := txn.Run(ctx, conn, "s", store.ReadWrite, func(c store.Collection) (store.Key, error) {
		return c.Add(store.Record{"name": "x"}, store.WriteOptions{})
	})
	if err != nil {
		t.Fatal(err)
	}
	if key != float64(1) {
		t.Fatalf("expected key 1, got %v", key)
	}

	// a constraint failure inside the op surfaces and nothing is kept
	_, err = txn.Run(ctx, conn, "s", store.ReadWrite, func(c store.Collection) (store.Key, error) {
		if _, err := c.Add(store.Record{"name": "y"}, store.WriteOptions{}); err != nil {
			return nil, err
		}
		return c.Add(store.Record{"id": 1, "name": "dup"}, store.WriteOptions{})
	})
	if !errors.Is(err, store.ErrConstraint) {
		t.Fatalf("expected ErrConstraint, got %v", err)
	}
	n, err := txn.Run(ctx, conn, "s", store.ReadOnly, func(c store.Collection) (int, error) {
		return c.Count()
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 record, got %d", n)
	}
}
