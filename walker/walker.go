// Package walker enumerates the message files under a directory tree.
package walker

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/migadu/mailscan/consts"
	"github.com/migadu/mailscan/logger"
)

// DefaultBuffer is the path channel capacity used when Options.Buffer is zero.
const DefaultBuffer = 256

type Options struct {
	// SkipMaildirTmp skips directories named "tmp" that sit next to a "cur"
	// or "new" directory: maildir deliveries still in progress.
	SkipMaildirTmp bool
	// Buffer is the capacity of the returned channel.
	Buffer int
}

// Walk sends the path of every regular file and symlink under root, in
// lexical order, on the returned channel. Directories and other special
// files are skipped. An entry that cannot be read is logged and skipped.
// The channel is closed when the walk ends or ctx is cancelled.
func Walk(ctx context.Context, root string, opts Options) <-chan string {
	size := opts.Buffer
	if size <= 0 {
		size = DefaultBuffer
	}
	paths := make(chan string, size)

	go func() {
		defer close(paths)

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				logger.WarnContext(ctx, "Walker: cannot access entry", "path", path, "error", err)
				if d != nil && d.IsDir() && path != root {
					return filepath.SkipDir
				}
				return nil
			}

			if d.IsDir() {
				if opts.SkipMaildirTmp && path != root && isMaildirTmp(path, d) {
					logger.Debug("Walker: skipping maildir tmp directory", "path", path)
					return filepath.SkipDir
				}
				return nil
			}

			if t := d.Type(); !t.IsRegular() && t&fs.ModeSymlink == 0 {
				logger.Debug("Walker: skipping special file", "path", path, "type", t.String())
				return nil
			}

			select {
			case paths <- path:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil && ctx.Err() == nil {
			logger.WarnContext(ctx, "Walker: walk aborted", "root", root, "error", err)
		}
	}()

	return paths
}

func isMaildirTmp(path string, d fs.DirEntry) bool {
	if d.Name() != consts.MaildirTmp {
		return false
	}
	parent := filepath.Dir(path)
	for _, sibling := range []string{"cur", "new"} {
		if fi, err := os.Stat(filepath.Join(parent, sibling)); err == nil && fi.IsDir() {
			return true
		}
	}
	return false
}
