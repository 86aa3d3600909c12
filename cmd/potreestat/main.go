// Package main streams a Potree point cloud with a synthetic orbiting camera and
// reports per-frame streaming statistics. It is useful for smoke-testing a converted
// cloud and for observing budget behavior without a renderer attached.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/edaniels/golog"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/virtuocityvr/three-loader/loader"
	"github.com/virtuocityvr/three-loader/octree"
	"github.com/virtuocityvr/three-loader/potree"
	"github.com/virtuocityvr/three-loader/spatialmath"
)

var logger = golog.NewDevelopmentLogger("potreestat")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

// cloudMeta mirrors the cloud.js metadata file written by the Potree converter.
type cloudMeta struct {
	Version     string `json:"version"`
	OctreeDir   string `json:"octreeDir"`
	BoundingBox struct {
		Lx float64 `json:"lx"`
		Ly float64 `json:"ly"`
		Lz float64 `json:"lz"`
		Ux float64 `json:"ux"`
		Uy float64 `json:"uy"`
		Uz float64 `json:"uz"`
	} `json:"boundingBox"`
	PointAttributes   json.RawMessage `json:"pointAttributes"`
	Spacing           float64         `json:"spacing"`
	Scale             float64         `json:"scale"`
	HierarchyStepSize int             `json:"hierarchyStepSize"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	flags := flag.NewFlagSet(args[0], flag.ContinueOnError)
	base := flags.String("cloud", "", "base URL or directory of the cloud (containing cloud.js)")
	frames := flags.Int("frames", 60, "number of visibility frames to run")
	budget := flags.Int64("budget", potree.DefaultPointBudget, "point budget")
	maxInFlight := flags.Int("max-in-flight", potree.DefaultMaxInFlight, "maximum concurrent node loads")
	screenHeight := flags.Float64("screen-height", 1080, "synthetic viewport height in pixels")
	fovDeg := flags.Float64("fov", 60, "vertical field of view in degrees")
	interval := flags.Duration("interval", 50*time.Millisecond, "delay between frames")
	if err := flags.Parse(args[1:]); err != nil {
		return err
	}
	if *base == "" {
		return errors.New("missing required -cloud flag")
	}

	var fetcher loader.Fetcher
	if strings.HasPrefix(*base, "http://") || strings.HasPrefix(*base, "https://") {
		fetcher = loader.NewHTTPFetcher(http.DefaultClient, nil)
	} else {
		fetcher = loader.FileFetcher{}
	}

	metaData, err := fetcher.Fetch(ctx, *base+"/cloud.js")
	if err != nil {
		return errors.Wrap(err, "fetching cloud metadata")
	}
	var meta cloudMeta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return errors.Wrap(err, "parsing cloud metadata")
	}

	geometry, err := geometryFromMeta(meta, *base, logger)
	if err != nil {
		return err
	}

	ldr, err := loaderFromMeta(meta, fetcher, logger)
	if err != nil {
		return err
	}

	engine := potree.New(potree.Config{
		PointBudget: *budget,
		MaxInFlight: *maxInFlight,
	}, logger)
	defer engine.Dispose()
	engine.AddPointCloud(geometry, ldr)

	box := geometry.BoundingBox()
	center := box.Center()
	orbit := box.Radius() * 2.5
	fov := *fovDeg * math.Pi / 180

	for frame := 0; frame < *frames; frame++ {
		angle := 2 * math.Pi * float64(frame) / float64(*frames)
		eye := r3.Vector{
			X: center.X + orbit*math.Cos(angle),
			Y: center.Y + orbit*0.3,
			Z: center.Z + orbit*math.Sin(angle),
		}
		cam := potree.Camera{
			Position: eye,
			View: mgl64.LookAtV(
				mgl64.Vec3{eye.X, eye.Y, eye.Z},
				mgl64.Vec3{center.X, center.Y, center.Z},
				mgl64.Vec3{0, 1, 0},
			),
			Projection:   mgl64.Perspective(fov, 16.0/9.0, 0.1, orbit*10),
			FOV:          fov,
			ScreenHeight: *screenHeight,
		}

		res := engine.UpdateVisibility(ctx, cam)
		logger.Infow("frame",
			"n", frame,
			"visible", res.VisibleNodes,
			"points", res.ResidentPoints,
			"loads", res.LoadsIssued,
			"evicted", res.Evicted,
			"inFlight", res.NumNodesLoading,
			"dirty", res.Dirty,
		)

		if !utils.SelectContextOrWait(ctx, *interval) {
			return ctx.Err()
		}
	}
	return nil
}

func geometryFromMeta(meta cloudMeta, base string, logger golog.Logger) (*octree.Geometry, error) {
	box, err := spatialmath.NewBoundingBox(
		r3.Vector{X: meta.BoundingBox.Lx, Y: meta.BoundingBox.Ly, Z: meta.BoundingBox.Lz},
		r3.Vector{X: meta.BoundingBox.Ux, Y: meta.BoundingBox.Uy, Z: meta.BoundingBox.Uz},
	)
	if err != nil {
		return nil, errors.Wrap(err, "cloud bounding box")
	}

	names, err := attributeNames(meta.PointAttributes)
	if err != nil {
		return nil, err
	}
	attrs, err := octree.NewPointAttributes(names)
	if err != nil {
		return nil, err
	}

	return octree.NewGeometry(octree.GeometryConfig{
		Version:           meta.Version,
		BoundingBox:       box,
		Scale:             meta.Scale,
		Spacing:           meta.Spacing,
		HierarchyStepSize: meta.HierarchyStepSize,
		PointAttributes:   attrs,
		OctreeDir:         meta.OctreeDir,
		URLResolver: func(rel string) string {
			return base + "/" + rel
		},
	}, logger)
}

// loaderFromMeta picks the node loader: clouds whose pointAttributes field is the
// string "LAS" or "LAZ" store whole files per node, everything else is the
// interleaved binary format.
func loaderFromMeta(meta cloudMeta, fetcher loader.Fetcher, logger golog.Logger) (loader.Loader, error) {
	var single string
	if err := json.Unmarshal(meta.PointAttributes, &single); err == nil {
		return loader.NewLasLazLoader(loader.LasLazConfig{
			Extension: strings.ToLower(single),
		}, fetcher, logger)
	}
	return loader.NewBinaryLoader(fetcher, logger), nil
}

func attributeNames(raw json.RawMessage) ([]string, error) {
	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		return names, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		// LAS/LAZ clouds decode into the full attribute set
		return []string{
			octree.AttrPositionCartesian,
			octree.AttrColorPacked,
			octree.AttrIntensity,
			octree.AttrClassification,
		}, nil
	}
	return nil, errors.New("unsupported pointAttributes in cloud metadata")
}
