package es

// PipelineHook is a filter sitting between the event store facade and
// persistence. Hooks may observe, rewrite, filter, or reject commits on
// both the read and the write path.
//
// Hooks see reads and writes in the order they were given at construction.
// The chain adds no retry, no transactionality, and no parallelism.
type PipelineHook interface {
	// Select is applied to each commit during reads. Returning nil filters
	// the commit out; the chain is short-circuited, so hooks after the
	// first nil are skipped for that commit. Hooks may return a rewritten
	// commit.
	Select(commit *Commit) *Commit

	// PreCommit runs before persistence, in declared order. Returning
	// false aborts the commit silently: no persistence, no post-commit
	// invocation, no error.
	PreCommit(attempt *Commit) bool

	// PostCommit runs after successful persistence, in declared order.
	// Side effects only; a panic here does not retract the commit and is
	// the caller's to handle.
	PostCommit(commit *Commit)

	// Close releases hook resources when the facade is closed.
	Close() error
}

// BaseHook is a no-op PipelineHook intended for embedding, so hooks only
// implement the operations they care about.
type BaseHook struct{}

// Select implements PipelineHook.
func (BaseHook) Select(commit *Commit) *Commit { return commit }

// PreCommit implements PipelineHook.
func (BaseHook) PreCommit(*Commit) bool { return true }

// PostCommit implements PipelineHook.
func (BaseHook) PostCommit(*Commit) {}

// Close implements PipelineHook.
func (BaseHook) Close() error { return nil }

// selectCursor applies the hook chain's Select filter to an inner cursor.
type selectCursor struct {
	inner   Cursor
	hooks   []PipelineHook
	current *Commit
}

func newSelectCursor(inner Cursor, hooks []PipelineHook) Cursor {
	if len(hooks) == 0 {
		return inner
	}
	return &selectCursor{inner: inner, hooks: hooks}
}

func (c *selectCursor) Next() bool {
	for c.inner.Next() {
		commit := c.inner.Commit()
		for _, h := range c.hooks {
			commit = h.Select(commit)
			if commit == nil {
				break
			}
		}
		if commit != nil {
			c.current = commit
			return true
		}
	}
	return false
}

func (c *selectCursor) Commit() *Commit { return c.current }

func (c *selectCursor) Err() error { return c.inner.Err() }

func (c *selectCursor) Close() error { return c.inner.Close() }
