// Package catalog describes the master catalog that cache nodes consult:
// which hashes are still referenced by a live build, how many bytes the
// catalog tracks, and which files are newest.
//
// Two implementations are provided. Bolt keeps the catalog in a local bbolt
// file and is what a master node serves. Client reaches a remote master
// over HTTP.
package catalog

import (
	"context"
	"errors"
	"time"

	artifactcache "github.com/wolfeidau/artifact-cache"
)

var (
	// ErrUnavailable is returned when the catalog cannot be queried.
	// Callers skip the work that needed it and try again later.
	ErrUnavailable = errors.New("catalog: unavailable")

	// ErrBuildNotFound is returned when a build is not registered.
	ErrBuildNotFound = errors.New("catalog: build not found")
)

// FileRecord is a file known to the catalog.
type FileRecord struct {
	Hash      artifactcache.Hash `json:"hash"`
	Size      int64              `json:"size"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// BuildFile is one file of a build, relative to the build's repository path.
type BuildFile struct {
	Hash artifactcache.Hash `json:"hash"`
	Path string             `json:"path"`
	Size int64              `json:"size"`
}

// Catalog is the read side of the master catalog used by cache nodes.
type Catalog interface {
	// HasFile reports whether any live build references h.
	HasFile(ctx context.Context, h artifactcache.Hash) (bool, error)

	// TotalTrackedBytes returns the sum of file sizes over every build,
	// counting a file once for each build that contains it.
	TotalTrackedBytes(ctx context.Context) (int64, error)

	// NewestFilesByPercentile returns the newest percent% of file records,
	// newest first. percent is in [1, 100].
	NewestFilesByPercentile(ctx context.Context, percent int) ([]FileRecord, error)

	// FilesForBuild lists the files of the build at repositoryPath.
	FilesForBuild(ctx context.Context, repositoryPath string) ([]BuildFile, error)
}

// Registry is the write side of the catalog, used by build discovery.
type Registry interface {
	Catalog

	// RegisterBuild records a build and its files. Registering a path again
	// replaces its file list. Every file's timestamp is refreshed.
	RegisterBuild(ctx context.Context, repositoryPath string, files []BuildFile) error

	// DeleteBuild forgets a build. Files no other build references leave
	// the catalog, which turns cached copies of them into orphans.
	DeleteBuild(ctx context.Context, repositoryPath string) error
}

// percentCount returns how many of total records the newest percent% is,
// rounding up so any non-empty catalog yields at least one record.
func percentCount(total, percent int) int {
	if percent <= 0 || total <= 0 {
		return 0
	}
	if percent >= 100 {
		return total
	}
	return (total*percent + 99) / 100
}
