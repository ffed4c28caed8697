//go:build !darwin

package probe

import (
	"context"
	"fmt"
)

// NewDarwinSampler is only functional on macOS. Other platforms get a
// sampler that always reports the probe as unavailable, which the
// tracker records as idle time.
func NewDarwinSampler(includeTitles bool) Sampler {
	return SamplerFunc(func(ctx context.Context) (Sample, error) {
		return Sample{}, fmt.Errorf("%w: no probe backend for this platform", ErrUnavailable)
	})
}
