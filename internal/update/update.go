// Package update checks a release manifest and replaces the installed
// artifact with a newer release.
//
// An Updater moves through
//
//	Unknown -> Checked -> Downloading -> Downloaded -> Installed
//
// and lands in Failed when a step fails. The previously installed artifact
// stays in place until the new one is fully downloaded and verified, and is
// restored if the swap fails.
package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"github.com/ahsync/ahsync/internal/errs"
	"github.com/ahsync/ahsync/internal/proxy"
)

// Manifest is the release description served by the manifest endpoint.
type Manifest struct {
	LatestVersion       string `json:"latestVersion"`
	MinSupportedVersion string `json:"minSupportedVersion"`
	AssetURL            string `json:"assetURL"`
	SHA256              string `json:"sha256,omitempty"`
}

// Kind classifies a check.
type Kind int

const (
	None Kind = iota
	Available
	Required
)

func (k Kind) String() string {
	switch k {
	case Available:
		return "available"
	case Required:
		return "required"
	default:
		return "none"
	}
}

// Outcome is the result of Check.
type Outcome struct {
	Kind Kind

	// Version is the latest release, set unless Kind is None.
	Version string

	Manifest Manifest
}

// Phase is a state machine position.
type Phase int

const (
	PhaseUnknown Phase = iota
	PhaseChecked
	PhaseDownloading
	PhaseDownloaded
	PhaseInstalled
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseChecked:
		return "checked"
	case PhaseDownloading:
		return "downloading"
	case PhaseDownloaded:
		return "downloaded"
	case PhaseInstalled:
		return "installed"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is a snapshot of the updater.
type State struct {
	Phase Phase

	// Outcome is the last successful check.
	Outcome *Outcome

	// Artifact is the downloaded file waiting to be installed.
	Artifact string

	// Err is the error that moved the updater to PhaseFailed.
	Err error
}

// Options configures an Updater.
type Options struct {
	ManifestURL string

	// InstallPath is the artifact Install replaces.
	InstallPath string

	// Proxy routes every request through a forwarding proxy. It is dialed
	// before each request; a dead proxy fails with errs.ErrProxyUnreachable
	// alongside the step's own kind.
	Proxy string

	// DialTimeout bounds the proxy reachability check.
	DialTimeout time.Duration

	// Retries bounds retries on transient failures. Defaults to 3.
	Retries int

	// RetryWait is the initial backoff. Defaults to one second.
	RetryWait time.Duration

	// Timeout bounds each request. Defaults to five minutes.
	Timeout time.Duration

	// Logger receives update diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger
}

// Updater runs the update state machine. It is safe for concurrent use but
// operations do not overlap.
type Updater struct {
	manifestURL string
	installPath string
	proxy       string
	dialTimeout time.Duration
	client      *resty.Client
	logger      *zap.Logger

	op    sync.Mutex // serializes operations
	mu    sync.Mutex // guards state
	state State
}

// New creates an Updater.
func New(opts Options) *Updater {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retries := opts.Retries
	if retries <= 0 {
		retries = 3
	}
	wait := opts.RetryWait
	if wait <= 0 {
		wait = time.Second
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	client := resty.New()
	client.SetHeader("user-agent", "ahsync-updater")
	client.SetTimeout(timeout)
	client.SetRetryCount(retries)
	client.SetRetryWaitTime(wait)
	client.SetRetryMaxWaitTime(8 * wait)
	client.AddRetryCondition(func(res *resty.Response, err error) bool {
		if err != nil {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}
		return res.StatusCode() == http.StatusTooManyRequests || res.StatusCode() >= 500
	})
	if opts.Proxy != "" {
		client.SetProxy(opts.Proxy)
	}

	return &Updater{
		manifestURL: opts.ManifestURL,
		installPath: opts.InstallPath,
		proxy:       opts.Proxy,
		dialTimeout: opts.DialTimeout,
		client:      client,
		logger:      logger.Named("update"),
	}
}

// State returns the current state.
func (u *Updater) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	s := u.state
	if s.Outcome != nil {
		o := *s.Outcome
		s.Outcome = &o
	}
	return s
}

func (u *Updater) fail(err error) error {
	u.mu.Lock()
	u.state.Phase = PhaseFailed
	u.state.Err = err
	u.mu.Unlock()
	u.logger.Warn("update step failed", zap.Error(err))
	return err
}

// reachProxy returns an error matching both kind and errs.ErrProxyUnreachable
// when the configured proxy does not accept connections.
func (u *Updater) reachProxy(ctx context.Context, op string, kind error) error {
	if u.proxy == "" {
		return nil
	}
	if err := proxy.Reach(ctx, u.proxy, u.dialTimeout); err != nil {
		return errs.E(op, kind, "", "", errs.E("proxy", errs.ErrProxyUnreachable, "", u.proxy, err))
	}
	return nil
}

// Check fetches the manifest and classifies currentVersion against it.
// Versions are semantic versions; the leading "v" is optional.
func (u *Updater) Check(ctx context.Context, currentVersion string) (*Outcome, error) {
	u.op.Lock()
	defer u.op.Unlock()

	current, ok := canonical(currentVersion)
	if !ok {
		return nil, u.fail(errs.E("check", errs.ErrCheckFailed, "", "", fmt.Errorf("invalid current version %q", currentVersion)))
	}
	if u.manifestURL == "" {
		return nil, u.fail(errs.E("check", errs.ErrCheckFailed, "", "", errors.New("no manifest URL configured")))
	}

	if err := u.reachProxy(ctx, "check", errs.ErrCheckFailed); err != nil {
		return nil, u.fail(err)
	}

	res, err := u.client.R().SetContext(ctx).Get(u.manifestURL)
	if err != nil {
		return nil, u.fail(errs.E("check", errs.ErrCheckFailed, "", u.manifestURL, err))
	}
	if res.IsError() {
		return nil, u.fail(errs.E("check", errs.ErrCheckFailed, "", u.manifestURL, fmt.Errorf("HTTP %s", res.Status())))
	}

	var m Manifest
	if err := json.Unmarshal(res.Body(), &m); err != nil {
		return nil, u.fail(errs.E("check", errs.ErrCheckFailed, "", u.manifestURL, fmt.Errorf("failed to parse manifest: %w", err)))
	}
	latest, ok := canonical(m.LatestVersion)
	if !ok {
		return nil, u.fail(errs.E("check", errs.ErrCheckFailed, "", u.manifestURL, fmt.Errorf("invalid latestVersion %q", m.LatestVersion)))
	}
	minSupported := current
	if m.MinSupportedVersion != "" {
		if minSupported, ok = canonical(m.MinSupportedVersion); !ok {
			return nil, u.fail(errs.E("check", errs.ErrCheckFailed, "", u.manifestURL, fmt.Errorf("invalid minSupportedVersion %q", m.MinSupportedVersion)))
		}
	}

	out := &Outcome{Kind: None, Manifest: m}
	switch {
	case semver.Compare(minSupported, current) > 0:
		out.Kind, out.Version = Required, m.LatestVersion
	case semver.Compare(latest, current) > 0:
		out.Kind, out.Version = Available, m.LatestVersion
	}

	u.mu.Lock()
	u.state = State{Phase: PhaseChecked, Outcome: out}
	u.mu.Unlock()

	u.logger.Info("checked for updates",
		zap.String("current", currentVersion),
		zap.String("latest", m.LatestVersion),
		zap.Stringer("outcome", out.Kind))
	return out, nil
}

// Download fetches the release asset for version, which must be the
// version a prior Check offered. The asset lands in a temporary file next
// to the installed artifact and is verified against the manifest checksum
// when one is given.
func (u *Updater) Download(ctx context.Context, version string) (string, error) {
	u.op.Lock()
	defer u.op.Unlock()

	u.mu.Lock()
	out := u.state.Outcome
	u.mu.Unlock()
	if out == nil || out.Kind == None || !sameVersion(out.Version, version) {
		return "", u.fail(errs.E("download", errs.ErrDownloadFailed, "", "", fmt.Errorf("version %q was not offered by the last check", version)))
	}
	if out.Manifest.AssetURL == "" {
		return "", u.fail(errs.E("download", errs.ErrDownloadFailed, "", "", errors.New("manifest has no asset URL")))
	}
	if u.installPath == "" {
		return "", u.fail(errs.E("download", errs.ErrDownloadFailed, "", "", errors.New("no install path configured")))
	}

	if err := u.reachProxy(ctx, "download", errs.ErrDownloadFailed); err != nil {
		return "", u.fail(err)
	}

	u.mu.Lock()
	u.state.Phase = PhaseDownloading
	u.state.Err = nil
	u.mu.Unlock()

	asset := out.Manifest.AssetURL
	res, err := u.client.R().SetContext(ctx).Get(asset)
	if err != nil {
		return "", u.fail(errs.E("download", errs.ErrDownloadFailed, "", asset, err))
	}
	if res.IsError() {
		return "", u.fail(errs.E("download", errs.ErrDownloadFailed, "", asset, fmt.Errorf("HTTP %s", res.Status())))
	}
	body := res.Body()
	if want := strings.ToLower(out.Manifest.SHA256); want != "" {
		sum := sha256.Sum256(body)
		if got := hex.EncodeToString(sum[:]); got != want {
			return "", u.fail(errs.E("download", errs.ErrDownloadFailed, "", asset, fmt.Errorf("checksum mismatch: got %s, want %s", got, want)))
		}
	}

	path, err := u.writeArtifact(ctx, body)
	if err != nil {
		return "", u.fail(errs.E("download", errs.ErrDownloadFailed, "", u.installPath, err))
	}

	u.mu.Lock()
	if old := u.state.Artifact; old != "" && old != path {
		_ = os.Remove(old)
	}
	u.state.Phase = PhaseDownloaded
	u.state.Artifact = path
	u.mu.Unlock()

	u.logger.Info("downloaded release", zap.String("version", version), zap.Int("bytes", len(body)))
	return path, nil
}

func (u *Updater) writeArtifact(ctx context.Context, data []byte) (string, error) {
	dir := filepath.Dir(u.installPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(u.installPath)+".*.download")
	if err != nil {
		return "", err
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	if err := os.Chmod(path, 0755); err != nil {
		os.Remove(path)
		return "", err
	}
	if err := ctx.Err(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// BackupPath returns where Install keeps the replaced artifact.
func (u *Updater) BackupPath() string {
	return u.installPath + ".old"
}

// Install swaps the downloaded artifact into place. The replaced artifact is
// kept at BackupPath. On failure the previous artifact stays active.
func (u *Updater) Install(ctx context.Context) error {
	u.op.Lock()
	defer u.op.Unlock()

	u.mu.Lock()
	artifact := u.state.Artifact
	phase := u.state.Phase
	u.mu.Unlock()

	if phase != PhaseDownloaded || artifact == "" {
		return u.fail(errs.E("install", errs.ErrInstallFailed, "", u.installPath, errors.New("nothing downloaded")))
	}
	if _, err := os.Stat(artifact); err != nil {
		return u.fail(errs.E("install", errs.ErrInstallFailed, "", artifact, err))
	}
	if err := ctx.Err(); err != nil {
		return u.fail(errs.E("install", errs.ErrInstallFailed, "", u.installPath, err))
	}

	backup := u.BackupPath()
	hadPrevious := false
	if _, err := os.Stat(u.installPath); err == nil {
		_ = os.Remove(backup)
		if err := os.Rename(u.installPath, backup); err != nil {
			return u.fail(errs.E("install", errs.ErrInstallFailed, "", u.installPath, err))
		}
		hadPrevious = true
	}

	if err := os.Rename(artifact, u.installPath); err != nil {
		if hadPrevious {
			if rerr := os.Rename(backup, u.installPath); rerr != nil {
				u.logger.Error("failed to restore previous artifact", zap.String("backup", backup), zap.Error(rerr))
			}
		}
		return u.fail(errs.E("install", errs.ErrInstallFailed, "", u.installPath, err))
	}

	u.mu.Lock()
	u.state.Phase = PhaseInstalled
	u.state.Artifact = ""
	u.mu.Unlock()

	u.logger.Info("installed release", zap.String("path", u.installPath))
	return nil
}

func canonical(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v, semver.IsValid(v)
}

func sameVersion(a, b string) bool {
	ca, okA := canonical(a)
	cb, okB := canonical(b)
	return okA && okB && semver.Compare(ca, cb) == 0
}
