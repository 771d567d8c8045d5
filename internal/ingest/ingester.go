// Package ingest turns observing-block descriptions into catalog records.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"obcatalog/internal/domain"
	"obcatalog/internal/events"
	"obcatalog/internal/logging"
	"obcatalog/internal/metadata"
	"obcatalog/internal/repo"
)

// Ingester materializes OB trees. A nil Registry selects degraded ingest:
// instruments and blocks are recorded, frames and facts are not.
type Ingester struct {
	Repo     repo.Repo
	Registry metadata.Registry
	// DataDir resolves relative frame paths before extraction.
	DataDir string
	Events  events.Writer
	Log     *zap.Logger
}

// Report summarizes one committed unit of work.
type Report struct {
	Roots    []string `json:"roots"`
	Blocks   int      `json:"blocks_created"`
	Frames   int      `json:"frames_created"`
	Degraded bool     `json:"degraded"`
}

// IngestFile ingests one description file as a single unit of work.
func (in *Ingester) IngestFile(ctx context.Context, path string) (Report, error) {
	roots, err := ParseFile(path)
	if err != nil {
		return Report{}, err
	}
	rep, err := in.Ingest(ctx, roots)
	if err != nil {
		return rep, fmt.Errorf("ingest %s: %w", path, err)
	}
	return rep, nil
}

// Ingest writes every tree in roots, depth first. Any failure rolls back all of them.
func (in *Ingester) Ingest(ctx context.Context, roots []*Node) (Report, error) {
	log := logging.OrNop(in.Log)
	uow, err := in.Repo.Begin(ctx)
	if err != nil {
		return Report{}, err
	}
	defer uow.Rollback()

	w := walker{in: in, uow: uow, log: log, frames: map[string]string{}}
	rep := Report{Degraded: in.Registry == nil}
	for _, root := range roots {
		if err := w.visit(ctx, root, nil); err != nil {
			return Report{}, err
		}
		rep.Roots = append(rep.Roots, root.ID)
	}
	rep.Blocks, rep.Frames = w.blocks, w.framesCreated
	if rep.Blocks+rep.Frames > 0 {
		payload := events.EventPayload{"roots": rep.Roots, "blocks": rep.Blocks, "frames": rep.Frames, "degraded": rep.Degraded}
		if err := in.Events.Append(ctx, uow.Tx(), events.TypeOBIngested, "ob", firstOrEmpty(rep.Roots), payload); err != nil {
			return Report{}, err
		}
	}
	if err := uow.Commit(); err != nil {
		return Report{}, err
	}
	log.Info("observing blocks ingested",
		zap.Strings("roots", rep.Roots),
		zap.Int("blocks_created", rep.Blocks),
		zap.Int("frames_created", rep.Frames),
		zap.Bool("degraded", rep.Degraded))
	return rep, nil
}

func firstOrEmpty(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

type walker struct {
	in  *Ingester
	uow *repo.UnitOfWork
	log *zap.Logger
	// frames maps names seen in this unit of work to their block.
	frames        map[string]string
	blocks        int
	framesCreated int
}

func (w *walker) visit(ctx context.Context, n *Node, parent *string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	kind, err := n.kind()
	if err != nil {
		return err
	}
	if _, err := w.uow.FindInstrument(ctx, n.Instrument); err != nil {
		return fmt.Errorf("observing block %s: %w", n.ID, err)
	}
	ob, created, err := w.ensureBlock(ctx, n, parent)
	if err != nil {
		return err
	}

	switch kind {
	case containerNode:
		for _, child := range n.Children {
			if err := w.visit(ctx, child, &ob.ID); err != nil {
				return err
			}
		}
		if ob.CompletionTime == nil {
			if err := w.uow.CompleteObservingBlock(ctx, ob.ID); err != nil {
				return fmt.Errorf("observing block %s: %w", ob.ID, err)
			}
		}
	case leafNode:
		if w.in.Registry == nil {
			w.log.Warn("no pipeline registry; skipping frames and facts",
				zap.String("ob_id", ob.ID), zap.String("instrument", ob.Instrument), zap.Int("frames", len(n.Frames)))
			return nil
		}
		if err := w.ingestFrames(ctx, n); err != nil {
			return err
		}
	}
	if len(n.Facts) > 0 && w.in.Registry != nil {
		if err := w.uow.ObservingBlockFacts(ob.ID).SetAll(ctx, n.Facts); err != nil {
			return fmt.Errorf("observing block %s: %w", ob.ID, err)
		}
	}
	if created {
		w.log.Debug("observing block created", zap.String("ob_id", ob.ID), zap.String("mode", ob.Mode))
	}
	return nil
}

// ensureBlock creates the block, or accepts an identical existing one.
func (w *walker) ensureBlock(ctx context.Context, n *Node, parent *string) (domain.ObservingBlock, bool, error) {
	existing, err := w.uow.GetObservingBlock(ctx, n.ID)
	if err == nil {
		if existing.Instrument != n.Instrument || existing.Mode != n.Mode || !sameParent(existing.ParentID, parent) {
			return existing, false, domain.Errorf(domain.ErrDuplicateObservingBlock,
				"observing block %s exists as %s/%s, file declares %s/%s", n.ID, existing.Instrument, existing.Mode, n.Instrument, n.Mode)
		}
		return existing, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return existing, false, err
	}
	ob, err := w.uow.CreateObservingBlock(ctx, domain.ObservingBlock{
		ID:         n.ID,
		Instrument: n.Instrument,
		Mode:       n.Mode,
		Object:     n.Object,
		ParentID:   parent,
	})
	if err != nil {
		return ob, false, err
	}
	w.blocks++
	return ob, true, nil
}

func sameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (w *walker) ingestFrames(ctx context.Context, n *Node) error {
	pipeline, err := w.in.Registry.Lookup(n.Instrument)
	if err != nil {
		return fmt.Errorf("observing block %s: %w", n.ID, err)
	}
	if pipeline.Extractor == nil {
		return domain.Errorf(domain.ErrValidation, "observing block %s: pipeline %s of %s has no metadata extractor", n.ID, pipeline.Name, n.Instrument)
	}
	obFacts := w.uow.ObservingBlockFacts(n.ID)
	for _, name := range n.Frames {
		if owner, ok := w.frames[name]; ok {
			return domain.Errorf(domain.ErrDuplicateFrame, "frame %s listed twice (observing blocks %s and %s)", name, owner, n.ID)
		}
		w.frames[name] = n.ID

		existing, err := w.uow.GetFrameByName(ctx, name)
		if err == nil {
			if existing.OBID != n.ID {
				return domain.Errorf(domain.ErrDuplicateFrame, "frame %s already belongs to observing block %s, not %s", name, existing.OBID, n.ID)
			}
			continue
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}

		md, err := pipeline.Extractor.Extract(ctx, metadata.Frame{Path: w.framePath(name)}, w.in.Registry)
		if err != nil {
			return fmt.Errorf("observing block %s: frame %s: %w", n.ID, name, err)
		}
		fr, err := frameFromMetadata(name, n.ID, md)
		if err != nil {
			return err
		}
		if _, err := w.uow.CreateFrame(ctx, fr); err != nil {
			return fmt.Errorf("observing block %s: %w", n.ID, err)
		}
		w.framesCreated++
		for _, key := range sortedKeys(md) {
			if err := obFacts.Set(ctx, key, md[key]); err != nil {
				return fmt.Errorf("observing block %s: frame %s: %w", n.ID, name, err)
			}
		}
	}
	return nil
}

func (w *walker) framePath(name string) string {
	if filepath.IsAbs(name) || w.in.DataDir == "" {
		return name
	}
	return filepath.Join(w.in.DataDir, name)
}

func frameFromMetadata(name, obID string, md metadata.Metadata) (domain.Frame, error) {
	fr := domain.Frame{Name: name, OBID: obID, Object: md.String(metadata.KeyObject), UUID: md.String(metadata.KeyUUID)}
	exp, ok, err := md.Float(metadata.KeyExposureTime)
	if err != nil {
		return fr, domain.Wrap(domain.ErrMalformedFrameMetadata, err, "frame %s: exposure time", name)
	}
	if ok {
		fr.ExposureTime = exp
	}
	start, ok, err := md.Time(metadata.KeyObservationDate)
	if err != nil {
		return fr, domain.Wrap(domain.ErrMalformedFrameMetadata, err, "frame %s: observation date", name)
	}
	if ok {
		end := start.Add(time.Duration(fr.ExposureTime * float64(time.Second)))
		fr.StartTime = &start
		fr.CompletionTime = &end
	}
	return fr, nil
}
