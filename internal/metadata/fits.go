package metadata

import (
	"context"
	"fmt"
	"os"

	"github.com/astrogo/fitsio"
)

// FITSHeaders reads the primary HDU header of FITS files.
type FITSHeaders struct{}

func (FITSHeaders) ReadHeader(ctx context.Context, path string) (Header, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("open fits %s: %w", path, err)
	}
	defer f.Close()
	if len(f.HDUs()) == 0 {
		return nil, fmt.Errorf("fits %s has no HDU", path)
	}
	hdr := f.HDU(0).Header()
	out := Header{}
	for _, k := range hdr.Keys() {
		if card := hdr.Get(k); card != nil {
			out[k] = card.Value
		}
	}
	return out, nil
}
