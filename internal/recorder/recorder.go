// Package recorder persists the outputs of a finished recipe run and
// promotes data-product outputs to tagged catalog products.
package recorder

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

type Recorder struct {
	Repo    repo.Repo
	Storage Storage
	Events  events.Writer
	Log     *zap.Logger
}

type promoted struct {
	out  Output
	path string
	tags ProductTags
}

// Record stores every output, extracts provenance from the stored data
// products, then writes the result, its values and the products in one unit
// of work. Files are always written before the catalog references them.
func (r *Recorder) Record(ctx context.Context, exec Execution, b Bundle) (domain.ReductionResult, error) {
	log := logging.OrNop(r.Log)
	if err := validate(exec, b); err != nil {
		return domain.ReductionResult{}, err
	}
	storage := r.Storage
	if storage == nil {
		storage = FileStorage{}
	}
	if _, ok := storage.(FileStorage); ok {
		if err := checkFileNames(exec.TaskID, b.Outputs); err != nil {
			return domain.ReductionResult{}, err
		}
	}

	task, err := r.Repo.GetTask(ctx, exec.TaskID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ReductionResult{}, domain.Errorf(domain.ErrValidation, "task %s not in catalog", exec.TaskID)
	} else if err != nil {
		return domain.ReductionResult{}, err
	}
	if existing, err := r.Repo.GetResultByTask(ctx, task.ID); err == nil {
		return domain.ReductionResult{}, domain.Errorf(domain.ErrConflict, "task %s already has result %s", task.ID, existing.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.ReductionResult{}, err
	}
	ob, err := r.Repo.GetObservingBlock(ctx, task.OBID)
	if err != nil {
		return domain.ReductionResult{}, fmt.Errorf("task %s: observing block %s: %w", task.ID, task.OBID, err)
	}

	if err := exec.Env.Prepare(); err != nil {
		return domain.ReductionResult{}, err
	}
	saved := map[string]any{}
	stored := map[string]string{resultFile: "", taskFile: ""}
	var values []domain.ReductionResultValue
	var products []promoted
	for _, out := range b.Outputs {
		if out.Name == QCSlot {
			saved[QCSlot] = b.QC()
			continue
		}
		rel, err := storage.Store(ctx, out, exec.Env.ResultsDir)
		if err != nil {
			return domain.ReductionResult{}, fmt.Errorf("task %s: store output %s: %w", task.ID, out.Name, err)
		}
		if prev, ok := stored[rel]; ok {
			return domain.ReductionResult{}, domain.Errorf(domain.ErrValidation, "task %s: output %s stored at %s, which %s", task.ID, out.Name, rel, clashWith(prev))
		}
		stored[rel] = out.Name
		saved[out.Name] = rel
		values = append(values, domain.ReductionResultValue{Name: out.Name, Datatype: typeName(out.Type), Path: rel})
		if _, ok := out.Type.(DataProductType); ok {
			products = append(products, promoted{out: out, path: filepath.Join(exec.Env.ResultsDir, filepath.FromSlash(rel))})
		}
	}
	if err := writeArtifact(exec.Env.ResultPath(), saved); err != nil {
		return domain.ReductionResult{}, fmt.Errorf("task %s: %w", task.ID, err)
	}

	for i := range products {
		p := &products[i]
		tags, err := p.out.Type.(DataProductType).ExtractTags(p.path)
		if err != nil {
			return domain.ReductionResult{}, domain.Wrap(domain.ErrProvenanceExtractionFailed, err, "task %s: output %s", task.ID, p.out.Name)
		}
		if tags.UUID == "" {
			return domain.ReductionResult{}, domain.Errorf(domain.ErrProvenanceExtractionFailed, "task %s: output %s: stored file has no uuid", task.ID, p.out.Name)
		}
		p.tags = tags
		if p.path, err = exec.Env.relToBase(p.path); err != nil {
			return domain.ReductionResult{}, fmt.Errorf("task %s: output %s: %w", task.ID, p.out.Name, err)
		}
	}

	frames, err := r.Repo.ListFrames(ctx, ob.ID)
	if err != nil {
		return domain.ReductionResult{}, err
	}

	uow, err := r.Repo.Begin(ctx)
	if err != nil {
		return domain.ReductionResult{}, err
	}
	defer uow.Rollback()

	res, err := uow.CreateReductionResult(ctx, domain.ReductionResult{
		Instrument: ob.Instrument,
		Pipeline:   exec.Pipeline,
		Mode:       ob.Mode,
		Recipe:     exec.Recipe,
		TaskID:     task.ID,
		OBID:       ob.ID,
		QC:         b.QC(),
		Values:     values,
	})
	if err != nil {
		return domain.ReductionResult{}, err
	}
	uuids := make([]string, 0, len(products))
	for _, p := range products {
		dp, err := uow.CreateDataProduct(ctx, domain.DataProduct{
			Instrument:      ob.Instrument,
			Datatype:        typeName(p.out.Type),
			TaskID:          task.ID,
			ResultID:        res.ID,
			UUID:            p.tags.UUID,
			ObservationDate: p.tags.ObservationDate,
			QC:              p.tags.QC,
			Path:            p.path,
		})
		if err != nil {
			return domain.ReductionResult{}, err
		}
		if err := uow.ProductFacts(dp.ID).SetAll(ctx, productFacts(dp, p.tags)); err != nil {
			return domain.ReductionResult{}, fmt.Errorf("data product %s: %w", dp.UUID, err)
		}
		uuids = append(uuids, dp.UUID)
	}
	if _, err := uow.FinishTask(ctx, task.ID); err != nil {
		return domain.ReductionResult{}, err
	}
	payload := events.EventPayload{"result_id": res.ID, "ob_id": ob.ID, "recipe": exec.Recipe, "products": uuids}
	if err := r.Events.Append(ctx, uow.Tx(), events.TypeResultRecorded, "task", task.ID, payload); err != nil {
		return domain.ReductionResult{}, err
	}

	resultRel, err := exec.Env.relToBase(exec.Env.ResultPath())
	if err != nil {
		return domain.ReductionResult{}, err
	}
	summary := taskArtifact{
		Observation: observationOf(ob, frames),
		Result:      resultRel,
		RunInfo:     artifactValue(runInfo(exec, task.ID)).(map[string]any),
	}
	if err := writeArtifact(exec.Env.TaskPath(), summary); err != nil {
		return domain.ReductionResult{}, fmt.Errorf("task %s: %w", task.ID, err)
	}
	if err := uow.Commit(); err != nil {
		return domain.ReductionResult{}, fmt.Errorf("task %s: %w", task.ID, err)
	}
	log.Info("result recorded",
		zap.String("task_id", task.ID),
		zap.String("ob_id", ob.ID),
		zap.String("recipe", exec.Recipe),
		zap.Int("values", len(values)),
		zap.Strings("products", uuids))
	return res, nil
}

func validate(exec Execution, b Bundle) error {
	if exec.TaskID == "" {
		return domain.Errorf(domain.ErrValidation, "execution has no task id")
	}
	if exec.Env.BaseDir == "" || exec.Env.ResultsDir == "" {
		return domain.Errorf(domain.ErrValidation, "task %s: base and results directories are required", exec.TaskID)
	}
	if exec.Pipeline == "" || exec.Recipe == "" {
		return domain.Errorf(domain.ErrValidation, "task %s: pipeline and recipe are required", exec.TaskID)
	}
	seen := map[string]bool{}
	for _, o := range b.Outputs {
		if o.Name == "" {
			return domain.Errorf(domain.ErrValidation, "task %s: output without name", exec.TaskID)
		}
		if seen[o.Name] {
			return domain.Errorf(domain.ErrValidation, "task %s: output %s declared twice", exec.TaskID, o.Name)
		}
		seen[o.Name] = true
	}
	return nil
}

// checkFileNames rejects outputs that FileStorage would write over each
// other or over the task artifacts.
func checkFileNames(taskID string, outputs []Output) error {
	files := map[string]string{resultFile: "the result artifact", taskFile: "the task artifact"}
	for _, o := range outputs {
		if o.Name == QCSlot {
			continue
		}
		name, err := storedName(o)
		if err != nil {
			return domain.Wrap(domain.ErrValidation, err, "task %s", taskID)
		}
		name = filepath.ToSlash(name)
		if owner, ok := files[name]; ok {
			return domain.Errorf(domain.ErrValidation, "task %s: output %s would be stored as %s, already used by %s", taskID, o.Name, name, owner)
		}
		files[name] = "output " + o.Name
	}
	return nil
}

func clashWith(output string) string {
	if output == "" {
		return "is reserved for a task artifact"
	}
	return "output " + output + " already uses"
}

func typeName(t ProductType) string {
	if t == nil {
		return "unknown"
	}
	return t.Name()
}

// productFacts merges type tags with the canonical provenance keys, which win.
func productFacts(dp domain.DataProduct, tags ProductTags) map[string]any {
	out := make(map[string]any, len(tags.Tags)+4)
	for k, v := range tags.Tags {
		out[k] = v
	}
	out[metadata.KeyInstrument] = dp.Instrument
	out[metadata.KeyUUID] = dp.UUID
	out[metadata.KeyQualityControl] = dp.QC.String()
	if dp.ObservationDate != nil {
		out[metadata.KeyObservationDate] = dp.ObservationDate.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func observationOf(ob domain.ObservingBlock, frames []domain.Frame) Observation {
	o := Observation{ID: ob.ID, Instrument: ob.Instrument, Mode: ob.Mode, Frames: []string{}}
	if ob.ParentID != nil {
		o.Parent = *ob.ParentID
	}
	for _, f := range frames {
		o.Frames = append(o.Frames, f.Name)
	}
	return o
}
