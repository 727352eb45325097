// Package gitdiff shells out to git to describe a session's working
// tree: repo metadata for repo-level policy, and unified diffs for
// remote viewers.
package gitdiff

import (
	"bytes"
	"errors"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

type RepoInfo struct {
	RepoRoot  string
	Branch    string
	Remote    string
	UpdatedAt time.Time
}

// Diff is a point-in-time snapshot of uncommitted work: all tracked
// changes against HEAD plus the untracked files the session itself
// created.
type Diff struct {
	Unified string
	Files   []string
}

// RepoCache memoizes ResolveRepoInfo lookups with a TTL. Tracker and
// spawn manager both resolve per event; the answers rarely change.
type RepoCache struct {
	cache map[string]*RepoInfo
	mu    sync.RWMutex
	ttl   time.Duration
}

func NewRepoCache(ttl time.Duration) *RepoCache {
	return &RepoCache{
		cache: make(map[string]*RepoInfo),
		ttl:   ttl,
	}
}

func (c *RepoCache) Get(cwd string) (*RepoInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info, ok := c.cache[cwd]
	if !ok {
		return nil, false
	}
	if time.Since(info.UpdatedAt) > c.ttl {
		return nil, false
	}
	return info, true
}

func (c *RepoCache) Set(cwd string, info *RepoInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[cwd] = info
}

func (c *RepoCache) Resolve(cwd string) *RepoInfo {
	if info, ok := c.Get(cwd); ok {
		return info
	}
	info := ResolveRepoInfo(cwd)
	if info != nil {
		c.Set(cwd, info)
	}
	return info
}

// ResolveRepoInfo gets git metadata for a directory. Returns nil when
// the directory is not inside a git repo.
func ResolveRepoInfo(cwd string) *RepoInfo {
	info := &RepoInfo{
		UpdatedAt: time.Now(),
	}

	cmd := exec.Command("git", "-C", cwd, "rev-parse", "--show-toplevel")
	output, err := cmd.Output()
	if err != nil {
		return nil
	}
	info.RepoRoot = strings.TrimSpace(string(output))

	cmd = exec.Command("git", "-C", info.RepoRoot, "rev-parse", "--abbrev-ref", "HEAD")
	output, err = cmd.Output()
	if err == nil {
		info.Branch = strings.TrimSpace(string(output))
	}

	cmd = exec.Command("git", "-C", info.RepoRoot, "remote", "get-url", "origin")
	output, err = cmd.Output()
	if err == nil {
		info.Remote = strings.TrimSpace(string(output))
	}

	return info
}

// Capture produces the current diff for repoRoot. touched lists
// workspace-relative or absolute paths the session wrote; untracked
// files outside that set stay out of the diff so unrelated clutter in
// the repo does not leak into the stream.
func Capture(repoRoot string, touched []string) (*Diff, error) {
	unified, err := runGit(repoRoot, "diff", "HEAD")
	if err != nil {
		// A repo with no commits has no HEAD to diff against.
		unified, err = runGit(repoRoot, "diff")
		if err != nil {
			return nil, err
		}
	}

	files := map[string]bool{}
	nameOut, err := runGit(repoRoot, "diff", "--name-only", "HEAD")
	if err == nil {
		for _, f := range strings.Split(strings.TrimSpace(nameOut), "\n") {
			if f != "" {
				files[f] = true
			}
		}
	}

	var sb strings.Builder
	sb.WriteString(unified)
	for _, path := range untrackedTouched(repoRoot, touched) {
		files[path] = true
		// Exit status 1 just means the files differ.
		out, err := runGitAllowExit1(repoRoot, "diff", "--no-index", "--", "/dev/null", path)
		if err != nil {
			continue
		}
		sb.WriteString(out)
	}

	d := &Diff{Unified: sb.String()}
	for f := range files {
		d.Files = append(d.Files, f)
	}
	sort.Strings(d.Files)
	return d, nil
}

// untrackedTouched filters touched down to paths git does not track,
// returned relative to the repo root.
func untrackedTouched(repoRoot string, touched []string) []string {
	if len(touched) == 0 {
		return nil
	}
	out, err := runGit(repoRoot, "status", "--porcelain", "--untracked-files=all", "-z")
	if err != nil {
		return nil
	}
	untracked := map[string]bool{}
	for _, entry := range bytes.Split([]byte(out), []byte{0}) {
		line := string(entry)
		if strings.HasPrefix(line, "?? ") {
			untracked[line[3:]] = true
		}
	}

	var result []string
	for _, p := range touched {
		rel := p
		if strings.HasPrefix(p, repoRoot+"/") {
			rel = strings.TrimPrefix(p, repoRoot+"/")
		}
		if untracked[rel] {
			result = append(result, rel)
		}
	}
	sort.Strings(result)
	return result
}

func runGit(repoRoot string, args ...string) (string, error) {
	cmd := exec.Command("git", append([]string{"-C", repoRoot}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func runGitAllowExit1(repoRoot string, args ...string) (string, error) {
	cmd := exec.Command("git", append([]string{"-C", repoRoot}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return string(out), nil
		}
		return "", err
	}
	return string(out), nil
}
