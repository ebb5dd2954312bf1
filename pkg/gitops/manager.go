// Package gitops manages local working clones for the agent. It shells
// out to git; the tracker API handles everything remote-only.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrNonFastForward marks a push rejected because the remote branch
// moved. Callers must fetch and reconcile instead of retrying.
var ErrNonFastForward = errors.New("push rejected: non-fast-forward")

// Manager owns a directory of working clones, one per owner/repo.
type Manager struct {
	RootDir     string
	AuthorName  string
	AuthorEmail string
	Token       string
}

func NewManager(rootDir string) *Manager {
	return &Manager{
		RootDir:     rootDir,
		AuthorName:  "patchsmith",
		AuthorEmail: "patchsmith@localhost",
	}
}

// ClonePath returns the local path for a repository clone.
func (m *Manager) ClonePath(owner, repo string) string {
	return filepath.Join(m.RootDir, owner, repo)
}

// EnsureClone clones the repository if the local copy does not exist,
// otherwise fetches and resets it to the remote default branch.
func (m *Manager) EnsureClone(ctx context.Context, owner, repo, cloneURL, defaultBranch string) (string, error) {
	dir := m.ClonePath(owner, repo)

	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		if _, err := m.git(ctx, dir, "fetch", "origin"); err != nil {
			return "", err
		}
		if _, err := m.git(ctx, dir, "checkout", defaultBranch); err != nil {
			return "", err
		}
		if _, err := m.git(ctx, dir, "reset", "--hard", "origin/"+defaultBranch); err != nil {
			return "", err
		}
		return dir, nil
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", fmt.Errorf("failed to create clone directory: %w", err)
	}
	if _, err := m.git(ctx, "", "clone", m.authenticatedURL(cloneURL), dir); err != nil {
		return "", err
	}
	return dir, nil
}

// CreateBranch creates and checks out a branch in the clone.
func (m *Manager) CreateBranch(ctx context.Context, dir, name string) error {
	_, err := m.git(ctx, dir, "checkout", "-b", name)
	return err
}

// Checkout switches to an existing branch.
func (m *Manager) Checkout(ctx context.Context, dir, name string) error {
	_, err := m.git(ctx, dir, "checkout", name)
	return err
}

// CurrentBranch returns the checked-out branch name.
func (m *Manager) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := m.git(ctx, dir, "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// WriteFile writes content to a path inside the clone, creating parent
// directories. The path must stay inside the clone.
func (m *Manager) WriteFile(dir, path, content string) error {
	full, err := m.resolve(dir, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// ReadFile reads a file from the clone.
func (m *Manager) ReadFile(dir, path string) (string, error) {
	full, err := m.resolve(dir, path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return string(data), nil
}

// ListFiles returns tracked files under a subdirectory of the clone.
func (m *Manager) ListFiles(ctx context.Context, dir, subdir string) ([]string, error) {
	args := []string{"ls-files"}
	if subdir != "" && subdir != "." {
		args = append(args, subdir)
	}
	out, err := m.git(ctx, dir, args...)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// Grep searches tracked files for a pattern. A no-match result is not
// an error; it returns an empty slice.
func (m *Manager) Grep(ctx context.Context, dir, pattern string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "grep", "-n", "--", pattern)
	cmd.Dir = dir

	output, err := cmd.CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("git grep failed: %w, output: %s", err, string(output))
	}

	var matches []string
	for _, line := range strings.Split(string(output), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			matches = append(matches, line)
		}
	}
	return matches, nil
}

// Commit stages the given paths (or everything when empty) and commits.
func (m *Manager) Commit(ctx context.Context, dir, message string, paths []string) error {
	addArgs := []string{"add"}
	if len(paths) == 0 {
		addArgs = append(addArgs, "-A")
	} else {
		addArgs = append(addArgs, "--")
		addArgs = append(addArgs, paths...)
	}
	if _, err := m.git(ctx, dir, addArgs...); err != nil {
		return err
	}

	_, err := m.git(ctx, dir,
		"-c", "user.name="+m.AuthorName,
		"-c", "user.email="+m.AuthorEmail,
		"commit", "-m", message)
	return err
}

// Push pushes a branch to origin.
func (m *Manager) Push(ctx context.Context, dir, branch string) error {
	_, err := m.git(ctx, dir, "push", "-u", "origin", branch)
	return err
}

// SafePush pushes a branch and classifies a rejected non-fast-forward
// push as ErrNonFastForward so callers can distinguish it from
// transient failures.
func (m *Manager) SafePush(ctx context.Context, dir, branch string) error {
	err := m.Push(ctx, dir, branch)
	if err == nil {
		return nil
	}
	text := strings.ToLower(err.Error())
	if strings.Contains(text, "non-fast-forward") ||
		strings.Contains(text, "fetch first") ||
		strings.Contains(text, "[rejected]") {
		return fmt.Errorf("%w: branch %s", ErrNonFastForward, branch)
	}
	return err
}

// Update fetches origin and hard-resets the given branch to its remote
// head.
func (m *Manager) Update(ctx context.Context, dir, branch string) error {
	if _, err := m.git(ctx, dir, "fetch", "origin"); err != nil {
		return err
	}
	if _, err := m.git(ctx, dir, "checkout", branch); err != nil {
		return err
	}
	_, err := m.git(ctx, dir, "reset", "--hard", "origin/"+branch)
	return err
}

// Rename moves a tracked file with history and commits the move. The
// commit id is returned.
func (m *Manager) Rename(ctx context.Context, dir, oldPath, newPath, message string) (string, error) {
	if _, err := m.resolve(dir, oldPath); err != nil {
		return "", err
	}
	full, err := m.resolve(dir, newPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directories: %w", err)
	}
	if _, err := m.git(ctx, dir, "mv", oldPath, newPath); err != nil {
		return "", err
	}
	return m.commitStaged(ctx, dir, message)
}

// CreateSymlink creates a symlink inside the clone and commits it. The
// commit id is returned.
func (m *Manager) CreateSymlink(ctx context.Context, dir, link, target, message string) (string, error) {
	full, err := m.resolve(dir, link)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directories: %w", err)
	}
	if err := os.Symlink(target, full); err != nil {
		return "", fmt.Errorf("failed to create symlink: %w", err)
	}
	if _, err := m.git(ctx, dir, "add", "--", link); err != nil {
		return "", err
	}
	return m.commitStaged(ctx, dir, message)
}

// FileOp is one operation of a batch modification: a write, or a
// delete when Delete is set.
type FileOp struct {
	Path    string
	Content string
	Delete  bool
}

// BatchResult reports a committed batch.
type BatchResult struct {
	SHA    string
	Count  int
	Files  []string
	Pushed bool
}

// BatchModify applies the operations, commits them as one change, and
// pushes the branch when one is given.
func (m *Manager) BatchModify(ctx context.Context, dir, message string, ops []FileOp, pushBranch string) (*BatchResult, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("no operations to apply")
	}

	files := make([]string, 0, len(ops))
	for _, op := range ops {
		if op.Delete {
			full, err := m.resolve(dir, op.Path)
			if err != nil {
				return nil, err
			}
			if err := os.Remove(full); err != nil {
				return nil, fmt.Errorf("failed to delete %s: %w", op.Path, err)
			}
		} else if err := m.WriteFile(dir, op.Path, op.Content); err != nil {
			return nil, err
		}
		files = append(files, op.Path)
	}

	addArgs := append([]string{"add", "-A", "--"}, files...)
	if _, err := m.git(ctx, dir, addArgs...); err != nil {
		return nil, err
	}
	sha, err := m.commitStaged(ctx, dir, message)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{SHA: sha, Count: len(files), Files: files}
	if pushBranch != "" {
		if err := m.SafePush(ctx, dir, pushBranch); err != nil {
			return nil, err
		}
		result.Pushed = true
	}
	return result, nil
}

// Cleanup discards any local changes and returns the clone to the
// given branch. Untracked files are removed.
func (m *Manager) Cleanup(ctx context.Context, dir, branch string) error {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return nil
	}
	if _, err := m.git(ctx, dir, "reset", "--hard"); err != nil {
		return err
	}
	if _, err := m.git(ctx, dir, "clean", "-fd"); err != nil {
		return err
	}
	if branch != "" {
		if _, err := m.git(ctx, dir, "checkout", branch); err != nil {
			return err
		}
	}
	return nil
}

// commitStaged commits whatever is staged and returns the new head sha.
func (m *Manager) commitStaged(ctx context.Context, dir, message string) (string, error) {
	if _, err := m.git(ctx, dir,
		"-c", "user.name="+m.AuthorName,
		"-c", "user.email="+m.AuthorEmail,
		"commit", "-m", message); err != nil {
		return "", err
	}
	return m.HeadSHA(ctx, dir)
}

// HeadSHA returns the current head commit id.
func (m *Manager) HeadSHA(ctx context.Context, dir string) (string, error) {
	out, err := m.git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// HasChanges reports whether the working tree is dirty.
func (m *Manager) HasChanges(ctx context.Context, dir string) (bool, error) {
	out, err := m.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w, output: %s", args[0], err, string(output))
	}
	return string(output), nil
}

// resolve joins path onto dir and rejects escapes.
func (m *Manager) resolve(dir, path string) (string, error) {
	full := filepath.Join(dir, path)
	rel, err := filepath.Rel(dir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the repository", path)
	}
	return full, nil
}

// authenticatedURL injects the token into an https clone URL so pushes
// work non-interactively.
func (m *Manager) authenticatedURL(cloneURL string) string {
	if m.Token == "" {
		return cloneURL
	}
	if rest, ok := strings.CutPrefix(cloneURL, "https://"); ok {
		return "https://x-access-token:" + m.Token + "@" + rest
	}
	return cloneURL
}
