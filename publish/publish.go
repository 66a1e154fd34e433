// Package publish pushes the exported stats JSON to the static site's
// gh-pages branch using a GitHub personal access token. The token is treated
// as opaque: it never appears in logs or error messages.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nobbersit/nobber-sit/backend/config"
)

// Publisher commits the stats file to a GitHub Pages branch.
type Publisher struct {
	Token      string // GH_PAT
	Repo       string // "owner/repo"
	Branch     string // default gh-pages
	StatsPath  string // local stats JSON to publish
	TargetFile string // path of the file inside the repo
	WorkDir    string // checkout location
	AuthorName string
	AuthorMail string
}

// New builds a Publisher from config and env.
func New(cfg *config.Config) *Publisher {
	target := os.Getenv("PUBLISH_TARGET_PATH")
	if target == "" {
		target = filepath.Base(cfg.StatsJSONPath)
	}
	name := os.Getenv("PUBLISH_AUTHOR_NAME")
	if name == "" {
		name = "nobber-sit"
	}
	mail := os.Getenv("PUBLISH_AUTHOR_EMAIL")
	if mail == "" {
		mail = "nobber-sit@users.noreply.github.com"
	}
	return &Publisher{
		Token:      cfg.PublishToken,
		Repo:       cfg.PublishRepo,
		Branch:     cfg.PublishBranch,
		StatsPath:  cfg.StatsJSONPath,
		TargetFile: target,
		WorkDir:    filepath.Join(cfg.DataDir, "publish"),
		AuthorName: name,
		AuthorMail: mail,
	}
}

// Validate fails fast when publish credentials are missing, naming the
// variables (never their values).
func (p *Publisher) Validate() error {
	missing := []string{}
	if p.Token == "" {
		missing = append(missing, "GH_PAT")
	}
	if p.Repo == "" {
		missing = append(missing, "PUBLISH_REPO")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing publish env: require %s", strings.Join(missing, ", "))
	}
	if strings.Count(p.Repo, "/") != 1 {
		return fmt.Errorf("PUBLISH_REPO must be owner/repo, got %q", p.Repo)
	}
	return nil
}

// remoteURL embeds the token for push access. Never log the result.
func (p *Publisher) remoteURL() string {
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", p.Token, p.Repo)
}

// Redact removes the token from a string so errors and command output are safe
// to log.
func (p *Publisher) Redact(s string) string {
	if p.Token == "" {
		return s
	}
	return strings.ReplaceAll(s, p.Token, "***")
}

// runGit executes a git subcommand in dir and returns its combined output with
// the token redacted.
func (p *Publisher) runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	// Never prompt; a bad token should fail, not hang.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	safe := p.Redact(strings.TrimSpace(string(out)))
	if err != nil {
		return safe, fmt.Errorf("git %s: %s: %s", args[0], p.Redact(err.Error()), safe)
	}
	return safe, nil
}

func (p *Publisher) checkoutDir() string {
	return filepath.Join(p.WorkDir, strings.ReplaceAll(p.Repo, "/", "_"))
}

// ensureCheckout clones the publish branch, or refreshes an existing clone to
// match the remote exactly.
func (p *Publisher) ensureCheckout(ctx context.Context) (string, error) {
	dir := p.checkoutDir()
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		if _, err := p.runGit(ctx, dir, "fetch", "--depth", "1", "origin", p.Branch); err != nil {
			return "", err
		}
		if _, err := p.runGit(ctx, dir, "reset", "--hard", "origin/"+p.Branch); err != nil {
			return "", err
		}
		return dir, nil
	}
	if err := os.MkdirAll(p.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir publish dir: %w", err)
	}
	if _, err := p.runGit(ctx, "", "clone", "--depth", "1", "--branch", p.Branch, p.remoteURL(), dir); err != nil {
		return "", err
	}
	return dir, nil
}

// RunOnce publishes the current stats file. It is idempotent: when the
// checkout already holds identical content nothing is committed or pushed.
func (p *Publisher) RunOnce(ctx context.Context) error {
	if err := p.Validate(); err != nil {
		return err
	}
	payload, err := os.ReadFile(p.StatsPath)
	if err != nil {
		return fmt.Errorf("read stats file: %w", err)
	}

	dir, err := p.ensureCheckout(ctx)
	if err != nil {
		return err
	}

	target := filepath.Join(dir, p.TargetFile)
	if sub := filepath.Dir(p.TargetFile); sub != "." {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("mkdir target dir: %w", err)
		}
	}
	if err := copyAtomic(target, payload); err != nil {
		return err
	}

	status, err := p.runGit(ctx, dir, "status", "--porcelain")
	if err != nil {
		return err
	}
	if status == "" {
		slog.Info("publish skipped, no changes", slog.String("repo", p.Repo), slog.String("branch", p.Branch), slog.String("component", "publish"))
		return nil
	}

	if _, err := p.runGit(ctx, dir, "add", p.TargetFile); err != nil {
		return err
	}
	msg := fmt.Sprintf("Update emote stats %s", time.Now().UTC().Format("2006-01-02 15:04"))
	if _, err := p.runGit(ctx, dir, "-c", "user.name="+p.AuthorName, "-c", "user.email="+p.AuthorMail, "commit", "-m", msg); err != nil {
		return err
	}

	maxAttempts := 3
	if s := os.Getenv("PUBLISH_MAX_ATTEMPTS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			maxAttempts = n
		}
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<attempt) * time.Second
			//nolint:gosec // G404: jitter only
			backoff += time.Duration(rand.Int63n(int64(time.Second)))
			slog.Warn("retrying publish push", slog.Int("attempt", attempt), slog.Duration("backoff", backoff), slog.String("component", "publish"))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			// The branch may have moved; rebase our commit onto it.
			if _, err := p.runGit(ctx, dir, "pull", "--rebase", "origin", p.Branch); err != nil {
				lastErr = err
				continue
			}
		}
		if _, err := p.runGit(ctx, dir, "push", "origin", "HEAD:"+p.Branch); err != nil {
			lastErr = err
			continue
		}
		slog.Info("published stats", slog.String("repo", p.Repo), slog.String("branch", p.Branch), slog.String("file", p.TargetFile), slog.String("component", "publish"))
		return nil
	}
	return lastErr
}

func copyAtomic(path string, payload []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
