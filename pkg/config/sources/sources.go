// Package sources resolves module source strings to local directories.
// Local paths are resolved relative to the calling module; git sources
// are cloned shallowly into a cache directory.
package sources

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// gitPrefix marks remote sources: git::https://host/repo.git//subdir?ref=v1
const gitPrefix = "git::"

// Fetcher resolves module sources.
type Fetcher struct {
	cacheDir    string
	allowRemote bool
}

// Options configures a Fetcher.
type Options struct {
	// CacheDir receives cloned repositories. Defaults to
	// .groundctl/sources under the working directory.
	CacheDir string

	// AllowRemote enables git sources. Local paths always work.
	AllowRemote bool
}

// NewFetcher creates a fetcher.
func NewFetcher(opts Options) *Fetcher {
	cacheDir := opts.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(".groundctl", "sources")
	}
	return &Fetcher{cacheDir: cacheDir, allowRemote: opts.AllowRemote}
}

// IsRemote reports whether the source requires network access.
func IsRemote(source string) bool {
	return strings.HasPrefix(source, gitPrefix)
}

// Fetch resolves a module source to a local directory. Local sources
// resolve relative to baseDir; git sources are cloned into the cache
// and reused on subsequent calls.
func (f *Fetcher) Fetch(ctx context.Context, source, baseDir string) (string, error) {
	if IsRemote(source) {
		if !f.allowRemote {
			return "", fmt.Errorf("remote module sources are disabled: %s", source)
		}
		return f.fetchGit(ctx, source)
	}

	dir := source
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(baseDir, dir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("module source %q does not exist: %w", source, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("module source %q is not a directory", source)
	}
	return dir, nil
}

func (f *Fetcher) fetchGit(ctx context.Context, source string) (string, error) {
	url := strings.TrimPrefix(source, gitPrefix)
	subPath := ""
	ref := "main"

	// The URL scheme contains "//" too, so search after it.
	search := url
	offset := 0
	if idx := strings.Index(search, "://"); idx != -1 {
		offset = idx + 3
		search = url[offset:]
	}
	if idx := strings.Index(search, "//"); idx != -1 {
		subPath = search[idx+2:]
		url = url[:offset+idx]
		if q := strings.Index(subPath, "?"); q != -1 {
			query := subPath[q+1:]
			subPath = subPath[:q]
			for _, param := range strings.Split(query, "&") {
				kv := strings.SplitN(param, "=", 2)
				if len(kv) == 2 && kv[0] == "ref" {
					ref = kv[1]
				}
			}
		}
	}

	cacheKey := strings.NewReplacer("/", "_", ":", "_", ".", "_").Replace(url)
	repoDir := filepath.Join(f.cacheDir, "git", cacheKey, ref)

	if _, err := os.Stat(repoDir); os.IsNotExist(err) {
		if err := f.clone(ctx, url, ref, repoDir); err != nil {
			return "", fmt.Errorf("failed to clone %s: %w", url, err)
		}
	}

	dir := repoDir
	if subPath != "" {
		dir = filepath.Join(repoDir, subPath)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", fmt.Errorf("module source %q has no directory %q", source, subPath)
	}
	return dir, nil
}

func (f *Fetcher) clone(ctx context.Context, url, ref, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	cloneOpts := &git.CloneOptions{
		URL:           url,
		Depth:         1,
		SingleBranch:  true,
		ReferenceName: plumbing.NewBranchReferenceName(ref),
	}

	// Branch first, then tag.
	_, err := git.PlainCloneContext(ctx, dest, false, cloneOpts)
	if err != nil {
		cloneOpts.ReferenceName = plumbing.NewTagReferenceName(ref)
		_, err = git.PlainCloneContext(ctx, dest, false, cloneOpts)
		if err != nil {
			return fmt.Errorf("git clone failed: %w", err)
		}
	}

	return nil
}
