// Package testutil provides testing utilities for mobu tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/Iron-Ham/mobu/internal/alert"
	"github.com/Iron-Ham/mobu/internal/identity"
)

// NewGitRepo creates a temporary git repository on branch "main" with the
// given files committed. The files map contains relative paths to contents.
// Returns the path to the repository.
func NewGitRepo(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := t.TempDir()
	_, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName("main")},
	})
	if err != nil {
		t.Fatalf("failed to init git repo: %v", err)
	}

	if len(files) == 0 {
		files = map[string]string{"README.md": "# Test Repository\n"}
	}
	CommitFiles(t, dir, files)
	return dir
}

// CommitFiles writes files into the repository at dir and commits them.
// Returns the new commit hash.
func CommitFiles(t *testing.T, dir string, files map[string]string) string {
	t.Helper()

	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("failed to open git repo: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("failed to open worktree: %v", err)
	}

	for path, content := range files {
		fullPath := filepath.Join(dir, path)
		if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
			t.Fatalf("failed to create directory for %s: %v", path, err)
		}
		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write file %s: %v", path, err)
		}
		if _, err := wt.Add(path); err != nil {
			t.Fatalf("failed to stage %s: %v", path, err)
		}
	}

	hash, err := wt.Commit(fmt.Sprintf("Add %d files", len(files)), &git.CommitOptions{
		Author: &object.Signature{Name: "Mobu Test", Email: "test@mobu.dev", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
	return hash.String()
}

// FakeIssuer issues deterministic tokens without any network access.
type FakeIssuer struct {
	mu     sync.Mutex
	issued []string
	// FailFor makes CreateServiceToken fail for these usernames.
	FailFor map[string]error
}

// CreateServiceToken returns a user with token "token-<username>".
func (f *FakeIssuer) CreateServiceToken(_ context.Context, user identity.User, scopes []string) (identity.AuthenticatedUser, error) {
	if err, ok := f.FailFor[user.Username]; ok {
		return identity.AuthenticatedUser{}, err
	}
	f.mu.Lock()
	f.issued = append(f.issued, user.Username)
	f.mu.Unlock()
	return identity.AuthenticatedUser{
		User:   user,
		Scopes: scopes,
		Token:  "token-" + user.Username,
	}, nil
}

// Issued returns the usernames tokens were issued for, in issue order.
func (f *FakeIssuer) Issued() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.issued...)
}

// RecordingSink is an alert.Sink that keeps every message.
type RecordingSink struct {
	mu       sync.Mutex
	messages []alert.Message
	// Err is returned from every Post after recording.
	Err error
}

// Post records msg.
func (r *RecordingSink) Post(_ context.Context, msg alert.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return r.Err
}

// Messages returns a copy of the recorded messages.
func (r *RecordingSink) Messages() []alert.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alert.Message(nil), r.messages...)
}
