package loader

import (
	"context"
	"errors"
	"io"
	"os"

	"ecgseq/pkg/schema"
)

type entryItem struct {
	entry schema.BatchEntry
	err   error
}

// openSlot reads one container on its own goroutine, one entry ahead of the
// consumer. The channel closes after the last entry or the first error.
func openSlot(ctx context.Context, path string) <-chan entryItem {
	ch := make(chan entryItem, 1)
	go func() {
		defer close(ch)
		cr, err := schema.OpenContainer(path)
		if err != nil {
			send(ctx, ch, entryItem{err: err})
			return
		}
		defer cr.Close()
		for {
			e, err := cr.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				send(ctx, ch, entryItem{err: err})
				return
			}
			if !send(ctx, ch, entryItem{entry: e}) {
				return
			}
		}
	}()
	return ch
}

func send(ctx context.Context, ch chan<- entryItem, it entryItem) bool {
	select {
	case ch <- it:
		return true
	case <-ctx.Done():
		return false
	}
}

// interleave visits files with at most cycle of them open, taking one entry
// from each open file in turn. An exhausted file's slot is handed to the next
// file in order.
func interleave(ctx context.Context, files []string, cycle int, fn func(schema.BatchEntry) error) error {
	next := 0
	var slots []<-chan entryItem
	for len(slots) < cycle && next < len(files) {
		slots = append(slots, openSlot(ctx, files[next]))
		next++
	}

	i := 0
	for len(slots) > 0 {
		var (
			it entryItem
			ok bool
		)
		select {
		case it, ok = <-slots[i]:
		case <-ctx.Done():
			return ctx.Err()
		}

		if !ok {
			if next < len(files) {
				slots[i] = openSlot(ctx, files[next])
				next++
				continue
			}
			slots = append(slots[:i], slots[i+1:]...)
			if i >= len(slots) {
				i = 0
			}
			continue
		}
		if it.err != nil {
			return it.err
		}
		if err := fn(it.entry); err != nil {
			return err
		}
		i = (i + 1) % len(slots)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
