// Package loader implements the pluggable format loaders that turn a node's raw byte
// payload into typed attribute buffers, plus the bounded worker pool the CPU-heavy
// decode step runs on. Two formats share one contract: the compact custom binary
// format and LAS/LAZ.
package loader

import (
	"context"
	"io"
	"net/http"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/virtuocityvr/three-loader/octree"
	"github.com/virtuocityvr/three-loader/spatialmath"
)

// Loader fetches and decodes node payloads for one point cloud. Load is idempotent:
// calling it on an already-loaded node, an already-loading node, or a disposed loader
// resolves immediately without fetching or decoding. Dispose terminates the pooled
// decode workers; any in-flight decode whose result arrives afterwards is discarded
// without mutating node state.
type Loader interface {
	Load(ctx context.Context, node *octree.Node) error
	Dispose()
}

// Fetcher is the injected fetch capability: it returns the raw bytes behind a URL.
// Retries, auth, and caching are the implementation's concern.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher fetches node payloads over HTTP(S).
type HTTPFetcher struct {
	client *http.Client
	header http.Header
}

// NewHTTPFetcher returns a fetcher backed by the given client, or http.DefaultClient
// when nil. The optional header is attached to every request, e.g. for cross-origin
// or auth concerns.
func NewHTTPFetcher(client *http.Client, header http.Header) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client, header: header}
}

// Fetch performs a GET and returns the binary response body.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range f.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(resp.Body.Close)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("fetching %s: unexpected status %s", url, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// FileFetcher reads node payloads from the local filesystem, treating URLs as paths.
type FileFetcher struct{}

// Fetch reads the file at the given path.
func (FileFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	return os.ReadFile(url)
}

// DecodedChunk is the worker output for one decode task: typed per-attribute buffers,
// the decoded point count, the raw min/max of the decoded coordinates, and their
// centroid. For batched formats, chunks are merged before the node is finished.
type DecodedChunk struct {
	Buffers   octree.AttributeBuffers
	NumPoints int
	Min       r3.Vector
	Max       r3.Vector
	Mean      r3.Vector
}

// normalizeTight converts a raw decoded min/max into the tight bounding box contract:
// min at the origin, max carrying the original extent.
func normalizeTight(min, max r3.Vector) spatialmath.BoundingBox {
	return spatialmath.BoundingBox{Max: max.Sub(min)}
}

// mergeChunk folds an incoming batch into the accumulated result.
func mergeChunk(dst, src *DecodedChunk) {
	if src.NumPoints == 0 {
		return
	}
	if dst.NumPoints == 0 {
		*dst = *src
		return
	}
	total := dst.NumPoints + src.NumPoints
	w := float64(dst.NumPoints) / float64(total)
	dst.Mean = dst.Mean.Mul(w).Add(src.Mean.Mul(1 - w))
	box := spatialmath.BoundingBox{Min: dst.Min, Max: dst.Max}.
		Merge(spatialmath.BoundingBox{Min: src.Min, Max: src.Max})
	dst.Min, dst.Max = box.Min, box.Max
	dst.NumPoints = total

	b, sb := &dst.Buffers, &src.Buffers
	b.Positions = append(b.Positions, sb.Positions...)
	b.Colors = append(b.Colors, sb.Colors...)
	b.Intensities = append(b.Intensities, sb.Intensities...)
	b.Classifications = append(b.Classifications, sb.Classifications...)
	b.ReturnNumbers = append(b.ReturnNumbers, sb.ReturnNumbers...)
	b.NumberOfReturns = append(b.NumberOfReturns, sb.NumberOfReturns...)
	b.SourceIDs = append(b.SourceIDs, sb.SourceIDs...)
	b.Normals = append(b.Normals, sb.Normals...)
	b.Indices = append(b.Indices, sb.Indices...)
}
