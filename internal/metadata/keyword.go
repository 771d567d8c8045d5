package metadata

import (
	"context"
	"sort"
	"time"

	"obcatalog/internal/domain"
)

// Header is the flat keyword/value view of a frame's primary header.
type Header map[string]any

type HeaderReader interface {
	ReadHeader(ctx context.Context, path string) (Header, error)
}

// DefaultKeywords maps canonical fields to the usual primary-header keywords.
var DefaultKeywords = map[string]string{
	KeyInstrument:                "INSTRUME",
	KeyObservationDate:           "DATE-OBS",
	KeyExposureTime:              "EXPTIME",
	KeyDarkTime:                  "DARKTIME",
	KeyObject:                    "OBJECT",
	KeyUUID:                      "UUID",
	KeyInstrumentConfigurationID: "INSCONF",
	KeyQualityControl:            "NUMRQC",
}

// KeywordExtractor copies header keywords into metadata fields and
// normalizes the canonical ones.
type KeywordExtractor struct {
	Headers HeaderReader
	// Keywords maps field name to header keyword. Nil means DefaultKeywords.
	Keywords map[string]string
	// Required lists fields that must be present besides the instrument.
	Required []string
}

func (e KeywordExtractor) Extract(ctx context.Context, fr Frame, reg Registry) (Metadata, error) {
	hdr, err := e.Headers.ReadHeader(ctx, fr.Path)
	if err != nil {
		return nil, domain.Wrap(domain.ErrMalformedFrameMetadata, err, "frame %s: read header", fr.Path)
	}
	keywords := e.Keywords
	if keywords == nil {
		keywords = DefaultKeywords
	}
	fields := make([]string, 0, len(keywords))
	for f := range keywords {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	md := Metadata{}
	for _, f := range fields {
		if v, ok := hdr[keywords[f]]; ok && v != nil {
			md[f] = v
		}
	}

	instrument := md.String(KeyInstrument)
	if instrument == "" {
		return nil, domain.Errorf(domain.ErrMalformedFrameMetadata, "frame %s: no instrument keyword", fr.Path)
	}
	if reg != nil {
		if _, err := reg.Lookup(instrument); err != nil {
			return nil, domain.Wrap(domain.ErrUnresolvedInstrument, err, "frame %s", fr.Path)
		}
	}
	if err := normalize(fr, md); err != nil {
		return nil, err
	}
	for _, f := range e.Required {
		if _, ok := md[f]; !ok {
			return nil, domain.Errorf(domain.ErrMalformedFrameMetadata, "frame %s: missing required field %s", fr.Path, f)
		}
	}
	return md, nil
}

func normalize(fr Frame, md Metadata) error {
	md[KeyInstrument] = md.String(KeyInstrument)
	for _, key := range []string{KeyExposureTime, KeyDarkTime} {
		f, ok, err := md.Float(key)
		if err != nil {
			return domain.Wrap(domain.ErrMalformedFrameMetadata, err, "frame %s: %s", fr.Path, key)
		}
		if !ok {
			continue
		}
		if f < 0 {
			return domain.Errorf(domain.ErrMalformedFrameMetadata, "frame %s: negative %s %g", fr.Path, key, f)
		}
		md[key] = f
	}
	if _, ok := md[KeyDarkTime]; !ok {
		if exp, ok := md[KeyExposureTime]; ok {
			md[KeyDarkTime] = exp
		}
	}
	if t, ok, err := md.Time(KeyObservationDate); err != nil {
		return domain.Wrap(domain.ErrMalformedFrameMetadata, err, "frame %s: %s", fr.Path, KeyObservationDate)
	} else if ok {
		md[KeyObservationDate] = t.Format(time.RFC3339Nano)
	}
	qc, err := domain.ParseQC(md.String(KeyQualityControl))
	if err != nil {
		return domain.Wrap(domain.ErrMalformedFrameMetadata, err, "frame %s", fr.Path)
	}
	md[KeyQualityControl] = qc.String()
	for _, key := range []string{KeyObject, KeyUUID, KeyInstrumentConfigurationID} {
		if _, ok := md[key]; ok {
			md[key] = md.String(key)
		}
	}
	return nil
}
