// Package compress implements lossy population codecs used by the
// compression stage at the end of training.
package compress

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/banshee-data/timesplat/internal/fsutil"
	"github.com/banshee-data/timesplat/internal/splat"
)

// ErrUnknownCodec is returned by New for names it does not recognise.
var ErrUnknownCodec = errors.New("unknown compression codec")

// Codec writes a population's arrays to a directory and reads them back.
// Decompressed arrays have the same names, widths and row counts as the
// input; values may differ within the codec's quantization error.
type Codec interface {
	Name() string
	Compress(fsys fsutil.FileSystem, dir string, arrays map[string]splat.Array) error
	Decompress(fsys fsutil.FileSystem, dir string) (map[string]splat.Array, error)
}

// Names lists the codecs New accepts.
func Names() []string {
	return []string{CodecPNG}
}

// New returns the codec registered under name.
func New(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case CodecPNG:
		return PNG{}, nil
	default:
		return nil, fmt.Errorf("%w: %q (valid: %s)", ErrUnknownCodec, name, strings.Join(Names(), ", "))
	}
}

func sortedNames(arrays map[string]splat.Array) []string {
	names := make([]string, 0, len(arrays))
	for name := range arrays {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
