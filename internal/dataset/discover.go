package dataset

import (
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/pkg/errors"
)

var recordRegexp = regexp.MustCompile(`\.tfrecords?$`)

// DiscoverRecords returns the TFRecord files beneath root in lexical order.
func DiscoverRecords(root string) ([]string, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if recordRegexp.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "discover records")
	}
	sort.Strings(entries)
	return entries, nil
}

// DiscoverAll scans each root and concatenates the results, roots in the given order.
func DiscoverAll(roots []string) ([]string, error) {
	var result []string
	for _, root := range roots {
		files, err := DiscoverRecords(root)
		if err != nil {
			return nil, err
		}
		result = append(result, files...)
	}
	return result, nil
}
