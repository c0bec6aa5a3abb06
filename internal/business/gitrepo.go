package business

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/mobu/internal/errors"
	"github.com/Iron-Ham/mobu/internal/repo"
)

// GitRepoLoopName is the registry name of GitRepoLoop.
const GitRepoLoopName = "GitRepoLoop"

// GitRepoOptions configures GitRepoLoop.
type GitRepoOptions struct {
	RepoURL string `mapstructure:"repo_url"`
	RepoRef string `mapstructure:"repo_ref"`
	// Include selects files relative to the repository root ("**" for all)
	Include string `mapstructure:"include"`
	// Exclude removes files matching any of these patterns
	Exclude []string `mapstructure:"exclude"`
	// MaxFiles is how many files one iteration processes (0 = all)
	MaxFiles int `mapstructure:"max_files"`
}

// GitRepoLoop works through the files of a git repository. Each iteration
// reads the next MaxFiles matching files, recording a timing span for each
// and failing on unreadable files or malformed notebooks. When every file
// has been processed the list starts over.
//
// A refresh drops the cached clone and clones the repository again before
// the next iteration, so a push to the tracked ref is picked up without
// restarting the monkey.
type GitRepoLoop struct {
	*Base
	opts    GitRepoOptions
	include glob.Glob
	exclude []glob.Glob

	clone   repo.Info
	cloned  bool
	pending []string
}

// NewGitRepoLoop creates a GitRepoLoop.
func NewGitRepoLoop(base *Base, raw map[string]any) (Behavior, error) {
	opts := GitRepoOptions{Include: "**", RepoRef: "main"}
	if err := DecodeOptions(raw, &opts); err != nil {
		return nil, err
	}
	if opts.RepoURL == "" {
		return nil, errors.NewValidationError("repo_url is required").WithField("options.repo_url")
	}
	if opts.MaxFiles < 0 {
		return nil, errors.NewValidationError("max_files must be non-negative").
			WithField("options.max_files").WithValue(opts.MaxFiles)
	}

	include, err := glob.Compile(opts.Include, '/')
	if err != nil {
		return nil, errors.NewValidationError("invalid include pattern").
			WithField("options.include").WithValue(opts.Include).WithCause(err)
	}
	exclude := make([]glob.Glob, 0, len(opts.Exclude))
	for _, pattern := range opts.Exclude {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, errors.NewValidationError("invalid exclude pattern").
				WithField("options.exclude").WithValue(pattern).WithCause(err)
		}
		exclude = append(exclude, g)
	}

	return &GitRepoLoop{Base: base, opts: opts, include: include, exclude: exclude}, nil
}

// RepoURL returns the repository this loop works from.
func (g *GitRepoLoop) RepoURL() string { return g.opts.RepoURL }

// RepoRef returns the ref this loop checks out.
func (g *GitRepoLoop) RepoRef() string { return g.opts.RepoRef }

// Startup clones the repository. A monkey restarting after a failure keeps
// the clone it already holds.
func (g *GitRepoLoop) Startup(ctx context.Context) error {
	if g.Env.Repos == nil {
		return errors.NewBusinessError("no repository manager configured", nil).WithBusiness(g.Name)
	}
	if g.cloned {
		return nil
	}
	return g.cloneRepo(ctx)
}

// Execute processes the next batch of files.
func (g *GitRepoLoop) Execute(ctx context.Context) error {
	if g.Refreshing() {
		if err := g.refresh(ctx); err != nil {
			return err
		}
	}

	count := g.opts.MaxFiles
	if count == 0 {
		// One full pass over the repository.
		if len(g.pending) == 0 {
			if err := g.findFiles(); err != nil {
				return err
			}
		}
		count = len(g.pending)
	}
	for i := 0; i < count; i++ {
		if !g.Pause(0) {
			return nil
		}
		if len(g.pending) == 0 {
			g.Logger.Info("Done with this cycle of files")
			if err := g.findFiles(); err != nil {
				return err
			}
		}
		file := g.pending[0]
		g.pending = g.pending[1:]
		if err := g.processFile(file); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown releases this monkey's reference to the clone.
func (g *GitRepoLoop) Shutdown(context.Context) error {
	g.release()
	return nil
}

func (g *GitRepoLoop) refresh(ctx context.Context) error {
	g.Logger.Info("Refreshing repository")
	g.release()
	if err := g.cloneRepo(ctx); err != nil {
		return err
	}
	g.RefreshDone()
	return nil
}

func (g *GitRepoLoop) cloneRepo(ctx context.Context) error {
	sw := g.Timings.Start("clone_repo", map[string]string{"repo": g.opts.RepoURL, "ref": g.opts.RepoRef})
	info, err := g.Env.Repos.Clone(ctx, g.opts.RepoURL, g.opts.RepoRef)
	if err := sw.Stop(err); err != nil {
		return err
	}
	g.clone = info
	g.cloned = true
	g.Logger.Info("Repository cloned and ready", "hash", info.Hash)
	return g.findFiles()
}

func (g *GitRepoLoop) release() {
	if !g.cloned {
		return
	}
	g.Env.Repos.Invalidate(g.opts.RepoURL, g.opts.RepoRef, g.clone.Hash)
	g.cloned = false
	g.pending = nil
}

// findFiles lists the matching files of the clone in sorted order.
func (g *GitRepoLoop) findFiles() error {
	sw := g.Timings.Start("find_files", nil)
	var files []string
	err := filepath.WalkDir(g.clone.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(g.clone.Path, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if g.matches(rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err == nil && len(files) == 0 {
		err = fmt.Errorf("no matching files in %s at %s", g.opts.RepoURL, g.opts.RepoRef)
	}
	if err := sw.Stop(err); err != nil {
		return err
	}
	sort.Strings(files)
	g.pending = files
	return nil
}

func (g *GitRepoLoop) matches(rel string) bool {
	if !g.include.Match(rel) {
		return false
	}
	for _, ex := range g.exclude {
		if ex.Match(rel) {
			return false
		}
	}
	return true
}

// processFile reads one file. Notebooks must parse and contain cells.
func (g *GitRepoLoop) processFile(rel string) error {
	sw := g.Timings.Start("read_file", map[string]string{"file": rel})
	g.Logger.Info("Processing file", "file", rel)
	data, err := os.ReadFile(filepath.Join(g.clone.Path, filepath.FromSlash(rel)))
	if err == nil && strings.HasSuffix(rel, ".ipynb") {
		err = checkNotebook(data)
	}
	return sw.Stop(err)
}

func checkNotebook(data []byte) error {
	var nb struct {
		Cells []json.RawMessage `json:"cells"`
	}
	if err := json.Unmarshal(data, &nb); err != nil {
		return fmt.Errorf("invalid notebook: %w", err)
	}
	if nb.Cells == nil {
		return fmt.Errorf("invalid notebook: no cells")
	}
	return nil
}

// RepoTarget reports the repository and ref a business config clones, if
// it is a GitRepoLoop.
func RepoTarget(cfg Config) (url, ref string, ok bool) {
	if cfg.Type != GitRepoLoopName {
		return "", "", false
	}
	opts := GitRepoOptions{RepoRef: "main"}
	if err := DecodeOptions(cfg.Options, &opts); err != nil || opts.RepoURL == "" {
		return "", "", false
	}
	return opts.RepoURL, opts.RepoRef, true
}
