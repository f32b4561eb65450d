package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aox/aox/alog"
	"github.com/aox/aox/pgwire"
)

var xlog = alog.New("store", nil)

// DB is the connection pool all store operations go through. Set by Init.
var DB *pgwire.Pool

// Init sets the pool, loads the process-wide name caches and subscribes to
// the database signals that keep them fresh across worker processes.
func Init(ctx context.Context, pool *pgwire.Pool) error {
	DB = pool

	if err := Flags.load(ctx); err != nil {
		return fmt.Errorf("loading flag names: %w", err)
	}
	if err := AnnotationNames.load(ctx); err != nil {
		return fmt.Errorf("loading annotation names: %w", err)
	}

	// The caches are refreshed when any process inserts a new name; the
	// notification payload is ignored, a reload is cheap.
	err := pool.Listen(ctx, "flag_names_updated", func(string) {
		if err := Flags.load(context.Background()); err != nil {
			xlog.Errorx("reloading flag names after notify", err)
		}
	})
	if err != nil {
		return fmt.Errorf("listen for flag names: %w", err)
	}
	err = pool.Listen(ctx, "annotation_names_updated", func(string) {
		if err := AnnotationNames.load(context.Background()); err != nil {
			xlog.Errorx("reloading annotation names after notify", err)
		}
	})
	if err != nil {
		return fmt.Errorf("listen for annotation names: %w", err)
	}
	err = pool.Listen(ctx, "mailboxes_updated", func(string) {
		xlog.Debug("mailboxes changed in another process", slog.Bool("reload", true))
		invalidateMailboxes()
	})
	if err != nil {
		return fmt.Errorf("listen for mailboxes: %w", err)
	}
	return nil
}
