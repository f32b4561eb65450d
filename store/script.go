package store

import (
	"context"
	"fmt"

	"github.com/aox/aox/pgwire"
)

// Script is one stored sieve script of a user.
type Script struct {
	Name   string
	Text   string
	Active bool
}

// ScriptList returns the user's scripts, names and active markers only.
func ScriptList(ctx context.Context, userID int64) ([]Script, error) {
	q := pgwire.NewQuery("select name, active from scripts where owner=$1 order by name")
	q.Bind(1, userID)
	if err := DB.Exec(ctx, q); err != nil {
		return nil, err
	}
	var l []Script
	for _, row := range q.Rows() {
		l = append(l, Script{Name: row.String("name"), Active: row.Bool("active")})
	}
	return l, nil
}

// ScriptGet returns one script with its text.
func ScriptGet(ctx context.Context, userID int64, name string) (*Script, error) {
	q := pgwire.NewQuery("select name, script, active from scripts where owner=$1 and name=$2")
	q.Bind(1, userID).Bind(2, name)
	if err := DB.Exec(ctx, q); err != nil {
		return nil, err
	}
	row := q.NextRow()
	if row == nil {
		return nil, fmt.Errorf("no such script %q", name)
	}
	return &Script{Name: row.String("name"), Text: row.String("script"), Active: row.Bool("active")}, nil
}

// ScriptPut stores a script, replacing any existing script of the same name.
// Additional statements (e.g. creating fileinto mailboxes) can be run in the
// same transaction through the extra callback.
func ScriptPut(ctx context.Context, userID int64, name, text string, extra func(tx *pgwire.Transaction) error) error {
	tx := DB.Transaction()
	q := pgwire.NewQuery("insert into scripts (owner, name, script, active) values ($1, $2, $3, false) on conflict (owner, name) do update set script=excluded.script")
	q.Bind(1, userID).Bind(2, name).Bind(3, text)
	tx.Enqueue(q)
	if extra != nil {
		if err := extra(tx); err != nil {
			tx.Rollback(ctx)
			return err
		}
	}
	return tx.Commit(ctx)
}

// ScriptSetActive activates the named script and deactivates all others.
// An empty name deactivates everything.
func ScriptSetActive(ctx context.Context, userID int64, name string) error {
	tx := DB.Transaction()
	off := pgwire.NewQuery("update scripts set active=false where owner=$1")
	off.Bind(1, userID)
	tx.Enqueue(off)
	if name != "" {
		on := pgwire.NewQuery("update scripts set active=true where owner=$1 and name=$2 returning name")
		on.Bind(1, userID).Bind(2, name)
		tx.Enqueue(on)
		tx.Execute()
		if err := on.WaitDone(ctx); err != nil {
			tx.Rollback(ctx)
			return err
		}
		if on.NextRow() == nil {
			tx.Rollback(ctx)
			return fmt.Errorf("no such script %q", name)
		}
	}
	return tx.Commit(ctx)
}

// ScriptDelete removes a script. The active script cannot be deleted.
func ScriptDelete(ctx context.Context, userID int64, name string) error {
	q := pgwire.NewQuery("delete from scripts where owner=$1 and name=$2 and not active returning name")
	q.Bind(1, userID).Bind(2, name)
	if err := DB.Exec(ctx, q); err != nil {
		return err
	}
	if q.NextRow() == nil {
		s, err := ScriptGet(ctx, userID, name)
		if err == nil && s.Active {
			return fmt.Errorf("script %q is active", name)
		}
		return fmt.Errorf("no such script %q", name)
	}
	return nil
}

// ActiveScript returns the text of the user's active script, or "" when
// none is active.
func ActiveScript(ctx context.Context, userID int64) (string, error) {
	q := pgwire.NewQuery("select script from scripts where owner=$1 and active")
	q.Bind(1, userID)
	if err := DB.Exec(ctx, q); err != nil {
		return "", err
	}
	if row := q.NextRow(); row != nil {
		return row.String("script"), nil
	}
	return "", nil
}
