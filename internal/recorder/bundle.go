package recorder

import (
	"time"

	"obcatalog/internal/domain"
)

// QCSlot is the output name carrying the quality-control state of a whole result.
const QCSlot = "qc"

// ProductType describes the declared type of a recipe output.
type ProductType interface {
	Name() string
}

// DataProductType is a ProductType whose outputs are promoted to catalog
// products. ExtractTags reads provenance from the stored file.
type DataProductType interface {
	ProductType
	ExtractTags(path string) (ProductTags, error)
}

// ProductTags is what a data product type reports about a stored file.
type ProductTags struct {
	UUID            string
	ObservationDate *time.Time
	QC              domain.QC
	Tags            map[string]any
}

// Output is one named value of a result bundle.
type Output struct {
	Name  string
	Type  ProductType
	Value any
	// Filename overrides the stored file name, relative to the results directory.
	Filename string
}

// Bundle is the typed output of one recipe execution.
type Bundle struct {
	Outputs []Output
}

// QC returns the state declared in the quality-control slot, UNKNOWN when absent.
func (b Bundle) QC() domain.QC {
	for _, o := range b.Outputs {
		if o.Name != QCSlot {
			continue
		}
		switch v := o.Value.(type) {
		case domain.QC:
			return v
		case string:
			if q, err := domain.ParseQC(v); err == nil {
				return q
			}
		}
	}
	return domain.QCUnknown
}

// Execution is the run context of a finished recipe.
type Execution struct {
	TaskID   string
	Pipeline string
	Recipe   string
	Env      WorkEnvironment
	Started  time.Time
	Finished time.Time
	// RunInfo carries extra run metadata into the task artifact.
	RunInfo map[string]any
}

// Observation is the observing-block context written to the task artifact.
type Observation struct {
	ID         string   `json:"id"`
	Instrument string   `json:"instrument"`
	Mode       string   `json:"mode"`
	Parent     string   `json:"parent,omitempty"`
	Frames     []string `json:"frames"`
}

type simpleType string

func (t simpleType) Name() string { return string(t) }

// Type returns a ProductType that is never promoted.
func Type(name string) ProductType { return simpleType(name) }
