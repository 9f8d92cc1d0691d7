package source

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	gos3 "unpackd/pkg/s3"
	"unpackd/services/ingest/errs"
)

// DefaultFilename is used when neither the response nor the URL names the file.
const DefaultFilename = "archive_download"

// Strategy is the download method chosen for a URL.
type Strategy string

const (
	StrategyDirect     Strategy = "direct"
	StrategyCloudShare Strategy = "cloud-share"
	StrategyTool       Strategy = "tool"
	StrategyS3         Strategy = "s3"
)

const (
	cloudShareHost     = "drive.google.com"
	cloudShareTemplate = "https://drive.google.com/uc?export=download&id="
)

var cloudShareID = regexp.MustCompile(`/file/d/([^/]+)`)

// Config bounds the download stage.
type Config struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	ToolTimeout    time.Duration
	ToolPath       string
	ToolHosts      []string
	UserAgent      string
}

// DefaultConfig mirrors the service defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 15 * time.Second,
		ReadTimeout:    300 * time.Second,
		ToolTimeout:    10 * time.Minute,
		ToolPath:       "megadl",
		ToolHosts:      []string{"mega.nz", "mega.co.nz"},
		UserAgent:      "Mozilla/5.0",
	}
}

// ObjectGetter streams objects for s3:// sources.
type ObjectGetter interface {
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error)
}

// Download describes the archive file a Resolver produced.
type Download struct {
	Path     string   `json:"path"`
	Filename string   `json:"filename"`
	Strategy Strategy `json:"strategy"`
	Size     int64    `json:"size"`
}

// Resolver turns a source URL into a local file.
type Resolver struct {
	cfg     Config
	client  *http.Client
	objects ObjectGetter
	logger  zerolog.Logger
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithObjectStore enables s3:// sources.
func WithObjectStore(objects ObjectGetter) Option {
	return func(r *Resolver) { r.objects = objects }
}

// WithLogger sets the resolver logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// WithHTTPClient replaces the streaming client. The client's own timeouts apply.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Resolver) { r.client = client }
}

// New builds a Resolver; zero Config fields fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Resolver {
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = def.ToolTimeout
	}
	if cfg.ToolPath == "" {
		cfg.ToolPath = def.ToolPath
	}
	if cfg.ToolHosts == nil {
		cfg.ToolHosts = def.ToolHosts
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}

	r := &Resolver{cfg: cfg, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		r.client = newHTTPClient(cfg)
	}
	return r
}

func newHTTPClient(cfg Config) *http.Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// Classify picks the download strategy for rawURL.
func (r *Resolver) Classify(rawURL string) Strategy {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return StrategyDirect
	}
	if strings.EqualFold(u.Scheme, "s3") {
		return StrategyS3
	}
	host := strings.ToLower(u.Hostname())
	for _, toolHost := range r.cfg.ToolHosts {
		toolHost = strings.ToLower(strings.TrimSpace(toolHost))
		if toolHost == "" {
			continue
		}
		if host == toolHost || strings.HasSuffix(host, "."+toolHost) {
			return StrategyTool
		}
	}
	if host == cloudShareHost {
		return StrategyCloudShare
	}
	return StrategyDirect
}

// Resolve downloads rawURL into destDir.
func (r *Resolver) Resolve(ctx context.Context, rawURL, destDir string) (Download, error) {
	strategy := r.Classify(rawURL)
	logger := r.logger.With().Str("strategy", string(strategy)).Logger()
	logger.Info().Str("url", rawURL).Msg("download started")

	var (
		dl  Download
		err error
	)
	switch strategy {
	case StrategyTool:
		dl, err = r.runTool(ctx, rawURL, destDir)
	case StrategyCloudShare:
		direct, ok := CloudShareDirectURL(rawURL)
		if !ok {
			logger.Warn().Str("url", rawURL).Msg("no resource id in cloud-share url, streaming as-is")
		}
		dl, err = r.stream(ctx, direct, destDir, false)
	case StrategyS3:
		dl, err = r.fetchObject(ctx, rawURL, destDir)
	default:
		dl, err = r.stream(ctx, rawURL, destDir, true)
	}
	dl.Strategy = strategy

	recordDownload(strategy, dl.Size, err)
	if err != nil {
		logger.Error().Err(err).Msg("download failed")
		return dl, err
	}
	logger.Info().Str("path", dl.Path).Int64("bytes", dl.Size).Msg("download finished")
	return dl, nil
}

// CloudShareDirectURL rewrites a sharing link to its direct-download form.
// When no resource id is present the input is returned with ok=false.
func CloudShareDirectURL(sharingURL string) (string, bool) {
	match := cloudShareID.FindStringSubmatch(sharingURL)
	if len(match) < 2 || match[1] == "" {
		return sharingURL, false
	}
	return cloudShareTemplate + url.QueryEscape(match[1]), true
}

func (r *Resolver) fetchObject(ctx context.Context, rawURL, destDir string) (Download, error) {
	if r.objects == nil {
		return Download{}, errs.Newf(errs.KindDownloadHTTPError, "download", "s3 sources are not configured")
	}
	bucket, key, err := gos3.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return Download{}, errs.New(errs.KindDownloadHTTPError, "download", err)
	}
	body, _, err := r.objects.GetObject(ctx, bucket, key)
	if err != nil {
		return Download{}, errs.New(errs.KindDownloadHTTPError, "download", err)
	}
	defer body.Close()

	name := sanitizeFilename(path.Base(key))
	if name == "" {
		name = DefaultFilename
	}
	target := filepath.Join(destDir, name)
	n, err := save(body, target, nil)
	if err != nil {
		return Download{}, err
	}
	return Download{Path: target, Filename: name, Size: n}, nil
}

// firstFile returns the first regular file in dir by name.
func firstFile(dir string) (string, int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0, err
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return "", 0, err
		}
		return entry.Name(), info.Size(), nil
	}
	return "", 0, errors.New("no file produced")
}
