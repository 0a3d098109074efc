package capture

import (
	"os"
	"path/filepath"
	"sort"
)

// SweepTempDir bounds the disk footprint of leftover inter-stage temp
// files in dir (the pipeline.temp_dir configuration key): it lists files
// matching the "pcapscrub-*.tmp" pattern pipeline.Run creates, and if
// their combined size exceeds maxBytes, deletes the oldest ones (by
// mtime) until the total falls back under budget.
//
// A normal run removes its own temp files as soon as each stage
// finishes; this is a housekeeping backstop for files a crashed or
// killed worker left behind.
func SweepTempDir(dir string, maxBytes int64) (freed int64, err error) {
	if maxBytes <= 0 {
		return 0, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	type tempFile struct {
		path    string
		size    int64
		modTime int64
	}
	var files []tempFile
	var total int64

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !isScrubTempFile(name) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, tempFile{
			path:    filepath.Join(dir, name),
			size:    info.Size(),
			modTime: info.ModTime().UnixNano(),
		})
		total += info.Size()
	}

	if total <= maxBytes {
		return 0, nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime < files[j].modTime })

	for _, f := range files {
		if total <= maxBytes {
			break
		}
		if err := os.Remove(f.path); err != nil {
			continue
		}
		total -= f.size
		freed += f.size
	}
	return freed, nil
}

func isScrubTempFile(name string) bool {
	const prefix, suffix = "pcapscrub-", ".tmp"
	return len(name) > len(prefix)+len(suffix) &&
		name[:len(prefix)] == prefix &&
		name[len(name)-len(suffix):] == suffix
}
