package style

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

var ErrNotImage = errors.New("reference file is not an image")

// analysisTimeout bounds a shared analysis, which outlives any single caller.
const analysisTimeout = 2 * time.Minute

type Analyzer interface {
	AnalyzeStyle(ctx context.Context, image []byte, mimeType string) (string, error)
}

// Reference is an uploaded style reference image.
type Reference struct {
	Data     []byte
	MimeType string
}

type Options struct {
	Analyzer  Analyzer
	CacheSize int
	Logger    *slog.Logger
}

type Resolver struct {
	analyzer Analyzer
	cache    *lru.Cache[string, string]
	group    singleflight.Group
	logger   *slog.Logger
}

func NewResolver(opts Options) (*Resolver, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = 128
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("style cache: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Resolver{
		analyzer: opts.Analyzer,
		cache:    cache,
		logger:   logger,
	}, nil
}

// Resolve builds the style descriptor. Without a reference image it is the
// user keywords alone; analysis errors are returned as-is.
func (r *Resolver) Resolve(ctx context.Context, ref *Reference, keywords string) (string, error) {
	keywords = strings.TrimSpace(keywords)
	if ref == nil || len(ref.Data) == 0 {
		return keywords, nil
	}
	if !IsImage(ref.MimeType) {
		return "", fmt.Errorf("%w: %s", ErrNotImage, ref.MimeType)
	}
	if r.analyzer == nil {
		return "", errors.New("no style analyzer configured")
	}

	derived, err := r.analyze(ctx, ref)
	if err != nil {
		return "", err
	}
	return Merge(derived, keywords), nil
}

func (r *Resolver) analyze(ctx context.Context, ref *Reference) (string, error) {
	sum := sha256.Sum256(ref.Data)
	key := hex.EncodeToString(sum[:])

	if cached, ok := r.cache.Get(key); ok {
		r.logger.Debug("style cache hit", "key", key[:12])
		return cached, nil
	}

	ch := r.group.DoChan(key, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), analysisTimeout)
		defer cancel()

		derived, err := r.analyzer.AnalyzeStyle(flightCtx, ref.Data, ref.MimeType)
		if err != nil {
			return "", err
		}
		derived = strings.TrimSpace(derived)
		r.cache.Add(key, derived)
		return derived, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		r.logger.Info("reference style analyzed", "key", key[:12], "shared", res.Shared)
		return res.Val.(string), nil
	}
}

// Merge joins the derived style and the user keywords as "derived, keywords",
// leaving out whichever half is empty.
func Merge(derived, keywords string) string {
	derived = strings.TrimSpace(derived)
	keywords = strings.TrimSpace(keywords)
	switch {
	case derived == "":
		return keywords
	case keywords == "":
		return derived
	default:
		return derived + ", " + keywords
	}
}

func IsImage(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.HasPrefix(mimeType, "image/")
}
