package loader

import (
	"context"
	"encoding/binary"
	"os"

	"github.com/edaniels/golog"
	"github.com/edaniels/lidario"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/virtuocityvr/three-loader/octree"
)

// DefaultLasBatchSize is how many points are pulled per decode batch.
const DefaultLasBatchSize = 1_000_000

// LasLazConfig configures a LAS/LAZ loader.
type LasLazConfig struct {
	// Extension selects the node file flavor, "las" or "laz".
	Extension string
	// BatchSize overrides how many points are pulled per decode batch.
	BatchSize int
	// Stride is the decimation stride; 2 loads every other point. 0 and 1 both load
	// every point.
	Stride int
}

// LasLazLoader loads nodes stored as standard LAS/LAZ files. Decoding is
// stream-oriented: the file header yields the authoritative point count, then points
// are pulled in bounded batches, each decoded on a pool worker and merged; only the
// final batch's completion marks the node loaded.
type LasLazLoader struct {
	logger    golog.Logger
	fetcher   Fetcher
	pool      *Pool
	extension string
	batchSize int
	stride    int

	disposed atomic.Bool

	// batchHook observes each merged batch; tests use it to sample mid-load state.
	batchHook func(node *octree.Node)
}

// NewLasLazLoader creates a loader for LAS/LAZ node files.
func NewLasLazLoader(cfg LasLazConfig, fetcher Fetcher, logger golog.Logger) (*LasLazLoader, error) {
	if cfg.Extension != "las" && cfg.Extension != "laz" {
		return nil, errors.Errorf("unsupported LAS flavor %q", cfg.Extension)
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultLasBatchSize
	}
	stride := cfg.Stride
	if stride <= 0 {
		stride = 1
	}
	return &LasLazLoader{
		logger:    logger,
		fetcher:   fetcher,
		pool:      NewPool(logger),
		extension: cfg.Extension,
		batchSize: batchSize,
		stride:    stride,
	}, nil
}

// Pool exposes the loader's decode worker pool.
func (l *LasLazLoader) Pool() *Pool {
	return l.pool
}

// Dispose terminates the pooled workers and marks the loader disposed.
func (l *LasLazLoader) Dispose() {
	if l.disposed.Swap(true) {
		return
	}
	l.pool.Dispose()
}

// NodeURL returns the resolved URL of a node's LAS/LAZ payload.
func (l *LasLazLoader) NodeURL(node *octree.Node) string {
	g := node.Geometry()
	return g.ResolveURL(g.OctreeDir() + "/" + node.HierarchyPath() + node.Name() + "." + l.extension)
}

// Load fetches, decodes and attaches one node's payload, batch by batch. It is a
// no-op for loaded nodes, nodes already mid-load, and disposed loaders or trees.
func (l *LasLazLoader) Load(ctx context.Context, node *octree.Node) error {
	if l.disposed.Load() || node.IsLoaded() {
		return nil
	}
	if !node.BeginLoad() {
		return nil
	}

	path, cleanup, err := l.localPath(ctx, node)
	if err != nil {
		node.FailLoad(err)
		return err
	}
	defer cleanup()

	if err := l.loadFile(node, path); err != nil {
		node.FailLoad(err)
		return err
	}
	return nil
}

// localPath makes the node payload addressable as a file: a URL that already is a
// local path is used in place, anything else is fetched and spilled to a temp file.
func (l *LasLazLoader) localPath(ctx context.Context, node *octree.Node) (string, func(), error) {
	url := l.NodeURL(node)
	if _, err := os.Stat(url); err == nil {
		return url, func() {}, nil
	}

	data, err := l.fetcher.Fetch(ctx, url)
	if err != nil {
		return "", nil, err
	}
	tmp, err := os.CreateTemp("", "node-*."+l.extension)
	if err != nil {
		return "", nil, err
	}
	cleanup := func() {
		if rerr := os.Remove(tmp.Name()); rerr != nil {
			l.logger.Debugw("failed to remove temp node file", "path", tmp.Name(), "error", rerr)
		}
	}
	if _, err := tmp.Write(data); err != nil {
		err = multierr.Combine(err, tmp.Close())
		cleanup()
		return "", nil, err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return tmp.Name(), cleanup, nil
}

// loadFile runs the open → header → batch-read loop → close pipeline. The file is
// closed on both paths; a close failure never masks the error that triggered the
// unwind.
func (l *LasLazLoader) loadFile(node *octree.Node, path string) (err error) {
	lf, err := lidario.NewLasFile(path, "r")
	if err != nil {
		return errors.Wrapf(err, "opening %s", path)
	}
	defer func() {
		err = multierr.Combine(err, lf.Close())
	}()

	total := lf.Header.NumberPoints
	merged := &DecodedChunk{}

	for start := 0; start < total; {
		end := start + l.batchSize
		if end > total {
			end = total
		}

		worker, werr := l.pool.Acquire()
		if werr != nil {
			return werr
		}
		base := merged.NumPoints
		outcome := <-worker.Decode(func() (*DecodedChunk, error) {
			return decodeLasBatch(lf, start, end, l.stride, base)
		})
		l.pool.Release(worker)
		if outcome.err != nil {
			return outcome.err
		}

		mergeChunk(merged, outcome.chunk)
		if l.batchHook != nil {
			l.batchHook(node)
		}

		// advance to the next un-skipped index so the decimation phase stays
		// uniform across batch boundaries
		sampled := (end - start + l.stride - 1) / l.stride
		start += sampled * l.stride
	}

	if l.disposed.Load() {
		// result would arrive after disposal; discard it
		node.CancelLoad()
		return nil
	}
	node.FinishLoad(&merged.Buffers, merged.NumPoints, normalizeTight(merged.Min, merged.Max), merged.Mean)
	return nil
}

// decodeLasBatch pulls one batch of point records and produces its typed buffers.
// Positions are made relative to the header's min corner so the merged tight box
// normalizes to a zero origin. Runs on a pool worker; batches are dispatched one at a
// time so the file handle is never read concurrently.
func decodeLasBatch(lf *lidario.LasFile, start, end, stride, baseIndex int) (*DecodedChunk, error) {
	hMin := r3.Vector{X: lf.Header.MinX, Y: lf.Header.MinY, Z: lf.Header.MinZ}
	hasColor := lf.Header.PointFormatID == 2 || lf.Header.PointFormatID == 3 ||
		lf.Header.PointFormatID == 5

	chunk := &DecodedChunk{}
	b := &chunk.Buffers
	var sum r3.Vector
	first := true

	for i := start; i < end; i += stride {
		p, err := lf.LasPoint(i)
		if err != nil {
			return nil, errors.Wrapf(err, "reading point %d", i)
		}
		data := p.PointData()

		pos := r3.Vector{X: data.X, Y: data.Y, Z: data.Z}.Sub(hMin)
		b.Positions = append(b.Positions, float32(pos.X), float32(pos.Y), float32(pos.Z))
		if first {
			chunk.Min, chunk.Max = pos, pos
			first = false
		} else {
			if pos.X < chunk.Min.X {
				chunk.Min.X = pos.X
			}
			if pos.Y < chunk.Min.Y {
				chunk.Min.Y = pos.Y
			}
			if pos.Z < chunk.Min.Z {
				chunk.Min.Z = pos.Z
			}
			if pos.X > chunk.Max.X {
				chunk.Max.X = pos.X
			}
			if pos.Y > chunk.Max.Y {
				chunk.Max.Y = pos.Y
			}
			if pos.Z > chunk.Max.Z {
				chunk.Max.Z = pos.Z
			}
		}
		sum = sum.Add(pos)

		if hasColor {
			r, g, bl := uint8(255), uint8(255), uint8(255)
			if rgb := p.RgbData(); rgb != nil {
				r = uint8(rgb.Red / 256)
				g = uint8(rgb.Green / 256)
				bl = uint8(rgb.Blue / 256)
			}
			b.Colors = append(b.Colors, r, g, bl, 255)
		}
		b.Intensities = append(b.Intensities, data.Intensity)
		b.Classifications = append(b.Classifications, data.ClassBitField.Value)
		b.ReturnNumbers = append(b.ReturnNumbers, data.BitField.Value&0b111)
		b.NumberOfReturns = append(b.NumberOfReturns, (data.BitField.Value>>3)&0b111)
		b.SourceIDs = append(b.SourceIDs, data.PointSourceID)

		var idx [4]byte
		binary.LittleEndian.PutUint32(idx[:], uint32(baseIndex+chunk.NumPoints))
		b.Indices = append(b.Indices, idx[:]...)
		chunk.NumPoints++
	}

	// LAS carries no normals; the contract still requires the buffer
	b.Normals = make([]float32, 3*chunk.NumPoints)
	if chunk.NumPoints > 0 {
		chunk.Mean = sum.Mul(1 / float64(chunk.NumPoints))
	}
	return chunk, nil
}
