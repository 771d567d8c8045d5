package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"obcatalog/internal/domain"
	"obcatalog/internal/metadata"
)

// Manifest describes a finished recipe run on disk, for callers that cannot
// build a Bundle in process. It is read as YAML, so JSON works too.
type Manifest struct {
	TaskID   string           `yaml:"task_id"`
	Recipe   string           `yaml:"recipe"`
	Pipeline string           `yaml:"pipeline"`
	Started  string           `yaml:"started"`
	Finished string           `yaml:"finished"`
	QC       string           `yaml:"qc"`
	RunInfo  map[string]any   `yaml:"run_info"`
	Outputs  []ManifestOutput `yaml:"outputs"`

	dir string
}

// ManifestOutput is either a file (File, relative to the manifest) or an
// inline Value.
type ManifestOutput struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Product bool   `yaml:"product"`
	File    string `yaml:"file"`
	Value   any    `yaml:"value"`
}

func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, domain.Wrap(domain.ErrValidation, err, "manifest %s", path)
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// Times returns the run start and finish. Absent values are zero.
func (m Manifest) Times() (started, finished time.Time, err error) {
	if m.Started != "" {
		if started, err = metadata.ParseDate(m.Started); err != nil {
			return started, finished, domain.Wrap(domain.ErrValidation, err, "manifest started")
		}
	}
	if m.Finished != "" {
		if finished, err = metadata.ParseDate(m.Finished); err != nil {
			return started, finished, domain.Wrap(domain.ErrValidation, err, "manifest finished")
		}
	}
	return started, finished, nil
}

// Bundle reads the declared files and builds the result bundle. Product
// outputs extract provenance from their header through headers.
func (m Manifest) Bundle(headers metadata.HeaderReader) (Bundle, error) {
	var b Bundle
	if m.QC != "" {
		qc, err := domain.ParseQC(m.QC)
		if err != nil {
			return b, domain.Wrap(domain.ErrValidation, err, "manifest qc")
		}
		b.Outputs = append(b.Outputs, Output{Name: QCSlot, Value: qc})
	}
	for _, o := range m.Outputs {
		out := Output{Name: o.Name, Value: o.Value}
		if o.Type == "" {
			o.Type = "Object"
		}
		if o.Product {
			out.Type = HeaderProductType{TypeName: o.Type, Headers: headers}
		} else {
			out.Type = Type(o.Type)
		}
		if o.File != "" {
			path := o.File
			if !filepath.IsAbs(path) {
				path = filepath.Join(m.dir, path)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return b, fmt.Errorf("output %s: %w", o.Name, err)
			}
			out.Value = data
			out.Filename = filepath.Base(path)
		} else if o.Product {
			return b, domain.Errorf(domain.ErrValidation, "output %s: products need a file", o.Name)
		}
		b.Outputs = append(b.Outputs, out)
	}
	return b, nil
}

// HeaderProductType promotes outputs whose provenance lives in the primary
// header of the stored file.
type HeaderProductType struct {
	TypeName string
	Headers  metadata.HeaderReader
	// Keywords maps tag name to header keyword. Nil means metadata.DefaultKeywords.
	Keywords map[string]string
}

func (t HeaderProductType) Name() string { return t.TypeName }

func (t HeaderProductType) ExtractTags(path string) (ProductTags, error) {
	hdr, err := t.Headers.ReadHeader(context.Background(), path)
	if err != nil {
		return ProductTags{}, err
	}
	keywords := t.Keywords
	if keywords == nil {
		keywords = metadata.DefaultKeywords
	}
	md := metadata.Metadata{}
	for tag, kw := range keywords {
		if v, ok := hdr[kw]; ok && v != nil {
			md[tag] = v
		}
	}
	tags := ProductTags{UUID: md.String(metadata.KeyUUID), QC: domain.QCUnknown, Tags: map[string]any{}}
	if when, ok, err := md.Time(metadata.KeyObservationDate); err != nil {
		return ProductTags{}, err
	} else if ok {
		tags.ObservationDate = &when
	}
	if raw := md.String(metadata.KeyQualityControl); raw != "" {
		if tags.QC, err = domain.ParseQC(raw); err != nil {
			return ProductTags{}, err
		}
	}
	for tag, v := range md {
		switch tag {
		case metadata.KeyUUID, metadata.KeyObservationDate, metadata.KeyQualityControl, metadata.KeyInstrument:
			continue
		}
		tags.Tags[tag] = v
	}
	return tags, nil
}
