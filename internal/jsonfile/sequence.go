package jsonfile

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	"golang.org/x/exp/slices"
)

// Sequence names files in a dir with increasing decimal numbers, for
// example "round-00000012.json".
type Sequence struct {
	re      *regexp.Regexp
	nameFmt string
}

// NewSequence creates a sequence of files named prefix, number, suffix. It
// panics if prefix and suffix do not form a valid regexp.
func NewSequence(prefix, suffix string) Sequence {
	re := regexp.MustCompile("^" + regexp.QuoteMeta(prefix) + `([0-9]+)` +
		regexp.QuoteMeta(suffix) + "$")
	return Sequence{re: re, nameFmt: prefix + "%08d" + suffix}
}

// Name returns the filename of the i'th file.
func (seq Sequence) Name(i uint64) string {
	return fmt.Sprintf(seq.nameFmt, i)
}

// List returns the numbers of the sequence files found in dir, in ascending
// order. A missing dir is an empty sequence.
func (seq Sequence) List(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var res []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := seq.re.FindStringSubmatch(e.Name())
		if len(m) < 2 {
			continue
		}
		i, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		res = append(res, i)
	}
	slices.Sort(res)
	return res, nil
}

// Last returns the highest number in the sequence or 0 if dir has no
// sequence files.
func (seq Sequence) Last(dir string) (uint64, error) {
	ids, err := seq.List(dir)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	return ids[len(ids)-1], nil
}
