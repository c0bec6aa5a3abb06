// Package repo provides a reference-counting cache of git clones shared by
// every monkey that works from the same repository and ref.
package repo

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/Iron-Ham/mobu/internal/logging"
)

// Info describes one cached clone.
type Info struct {
	Path string
	Hash string
}

type key struct {
	url string
	ref string
}

type reference struct {
	url  string
	ref  string
	hash string
}

type refCount struct {
	count int
	dir   string
}

// Manager clones each (url, ref) at most once until it is invalidated.
//
// Every Clone increments a reference count for the (url, ref, hash) it
// returns, and every Invalidate decrements it. Files are removed when the
// count drops to zero, so monkeys still reading an older clone keep it
// after a refresh triggers a new one.
type Manager struct {
	dir    string
	logger *logging.Logger
	clone  func(ctx context.Context, dir, url, ref string) (string, error)

	mu     sync.Mutex
	cache  map[key]Info
	refs   map[reference]*refCount
	clones int
	// cloning is closed when the in-progress clone of a key finishes.
	cloning map[key]chan struct{}
}

// NewManager creates a Manager that keeps clones under dir.
func NewManager(dir string, logger *logging.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create repo directory: %w", err)
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Manager{
		dir:     dir,
		logger:  logger,
		clone:   cloneAt,
		cache:   make(map[key]Info),
		refs:    make(map[reference]*refCount),
		cloning: make(map[key]chan struct{}),
	}, nil
}

// Clone returns the cached clone of url at ref, cloning it first if needed.
// Concurrent callers for the same (url, ref) wait for a single clone. Other
// keys are not blocked by it.
func (m *Manager) Clone(ctx context.Context, url, ref string) (Info, error) {
	logger := m.logger.With("url", url, "ref", ref)
	k := key{url: url, ref: ref}

	for {
		m.mu.Lock()
		if info, ok := m.cache[k]; ok {
			logger.Debug("repo cached")
			m.refs[reference{url: url, ref: ref, hash: info.Hash}].count++
			m.mu.Unlock()
			return info, nil
		}
		wait, busy := m.cloning[k]
		if !busy {
			m.cloning[k] = make(chan struct{})
			m.mu.Unlock()
			break
		}
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Info{}, ctx.Err()
		}
	}

	logger.Info("cloning repo")
	dir, hash, err := m.cloneNew(ctx, url, ref)

	m.mu.Lock()
	defer m.mu.Unlock()
	close(m.cloning[k])
	delete(m.cloning, k)
	if err != nil {
		return Info{}, err
	}
	m.clones++

	info := Info{Path: dir, Hash: hash}
	m.cache[k] = info
	r := reference{url: url, ref: ref, hash: hash}
	if existing, ok := m.refs[r]; ok {
		// Same commit cloned again after an invalidation; keep the old copy.
		existing.count++
		_ = os.RemoveAll(dir)
		info.Path = existing.dir
		m.cache[k] = info
		return info, nil
	}
	m.refs[r] = &refCount{count: 1, dir: dir}
	return info, nil
}

func (m *Manager) cloneNew(ctx context.Context, url, ref string) (string, string, error) {
	dir, err := os.MkdirTemp(m.dir, "clone-")
	if err != nil {
		return "", "", fmt.Errorf("failed to create clone directory: %w", err)
	}
	hash, err := m.clone(ctx, dir, url, ref)
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", "", err
	}
	return dir, hash, nil
}

// Invalidate forces the next Clone of (url, ref) to clone again and
// releases one reference to the clone at hash.
func (m *Manager) Invalidate(url, ref, hash string) {
	logger := m.logger.With("url", url, "ref", ref, "hash", hash)
	k := key{url: url, ref: ref}
	r := reference{url: url, ref: ref, hash: hash}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cache[k]; ok {
		logger.Info("invalidating repo")
		delete(m.cache, k)
	}
	count, ok := m.refs[r]
	if !ok {
		return
	}
	count.count--
	if count.count <= 0 {
		logger.Info("no references left, deleting clone", "dir", count.dir)
		if err := os.RemoveAll(count.dir); err != nil {
			logger.Warn("failed to delete clone", "error", err.Error())
		}
		delete(m.refs, r)
	}
}

// Clones returns how many clones have actually been performed.
func (m *Manager) Clones() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clones
}

// Close deletes every clone.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[key]Info)
	m.refs = make(map[reference]*refCount)
	return os.RemoveAll(m.dir)
}

// cloneAt clones url into dir, checks out ref and returns the commit hash.
func cloneAt(ctx context.Context, dir, url, ref string) (string, error) {
	r, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: url})
	if err != nil {
		return "", fmt.Errorf("failed to clone %s: %w", url, err)
	}

	hash, err := resolveRef(r, ref)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s in %s: %w", ref, url, err)
	}

	wt, err := r.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to open worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return "", fmt.Errorf("failed to check out %s: %w", ref, err)
	}
	return hash.String(), nil
}

// resolveRef prefers the remote branch named ref, then any revision
// (tag, commit) git can resolve. An empty ref means the default branch.
func resolveRef(r *git.Repository, ref string) (plumbing.Hash, error) {
	if ref == "" {
		head, err := r.Head()
		if err != nil {
			return plumbing.ZeroHash, err
		}
		return head.Hash(), nil
	}
	if branch, err := r.Reference(plumbing.NewRemoteReferenceName("origin", ref), true); err == nil {
		return branch.Hash(), nil
	}
	hash, err := r.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return *hash, nil
}
