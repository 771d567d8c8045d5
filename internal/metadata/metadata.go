// Package metadata defines how raw frames are turned into canonical catalog
// fields, and the instrument registry the ingester resolves pipelines from.
package metadata

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"obcatalog/internal/domain"
)

// Canonical metadata field names.
const (
	KeyInstrument                = "instrument"
	KeyObservationDate           = "observation_date"
	KeyExposureTime              = "exposure_time"
	KeyDarkTime                  = "dark_time"
	KeyObject                    = "object"
	KeyUUID                      = "uuid"
	KeyInstrumentConfigurationID = "instrument_configuration_id"
	KeyQualityControl            = "quality_control"
)

// Frame is a handle on one raw frame file.
type Frame struct {
	Path string
}

// Metadata is the flat mapping returned by an Extractor.
type Metadata map[string]any

// Extractor reads canonical metadata from a raw frame.
type Extractor interface {
	Extract(ctx context.Context, fr Frame, reg Registry) (Metadata, error)
}

type ExtractorFunc func(ctx context.Context, fr Frame, reg Registry) (Metadata, error)

func (f ExtractorFunc) Extract(ctx context.Context, fr Frame, reg Registry) (Metadata, error) {
	return f(ctx, fr, reg)
}

// Pipeline is the registry entry of one instrument.
type Pipeline struct {
	Name       string
	Instrument string
	Extractor  Extractor
	// Recipes maps observing mode to recipe name.
	Recipes map[string]string
}

func (p Pipeline) Recipe(mode string) (string, error) {
	r, ok := p.Recipes[mode]
	if !ok {
		return "", domain.Errorf(domain.ErrValidation, "instrument %s pipeline %s has no recipe for mode %q", p.Instrument, p.Name, mode)
	}
	return r, nil
}

type Registry interface {
	Lookup(instrument string) (Pipeline, error)
}

// StaticRegistry is a fixed instrument name to pipeline table.
type StaticRegistry map[string]Pipeline

func (r StaticRegistry) Lookup(instrument string) (Pipeline, error) {
	p, ok := r[instrument]
	if !ok {
		return Pipeline{}, domain.Errorf(domain.ErrUnresolvedInstrument, "no pipeline registered for instrument %q", instrument)
	}
	if p.Instrument == "" {
		p.Instrument = instrument
	}
	return p, nil
}

func (r StaticRegistry) Instruments() []string {
	names := make([]string, 0, len(r))
	for k := range r {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// String returns the text value of key, or "" when absent.
func (m Metadata) String(key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Float returns key as a float. ok is false when the key is absent.
func (m Metadata) Float(key string) (f float64, ok bool, err error) {
	v, present := m[key]
	if !present || v == nil {
		return 0, false, nil
	}
	f, err = toFloat(v)
	return f, err == nil, err
}

// Time returns key parsed as an ISO-8601 timestamp. ok is false when the key is absent.
func (m Metadata) Time(key string) (t time.Time, ok bool, err error) {
	v, present := m[key]
	if !present || v == nil {
		return time.Time{}, false, nil
	}
	switch x := v.(type) {
	case time.Time:
		return x, true, nil
	case string:
		t, err = ParseDate(x)
		return t, err == nil, err
	}
	return time.Time{}, false, fmt.Errorf("%s: %T is not a date", key, v)
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	}
	return 0, fmt.Errorf("%T is not a number", v)
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDate accepts the ISO-8601 forms found in frame headers. Zone-less times are UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable date %q", s)
}
