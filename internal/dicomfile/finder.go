package dicomfile

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DicomExtensions are common DICOM file extensions.
var DicomExtensions = map[string]bool{
	".dcm":   true,
	".dicom": true,
}

// ExcludedNames are filenames to skip.
var ExcludedNames = map[string]bool{
	"DICOMDIR":    true,
	".DS_Store":   true,
	"Thumbs.db":   true,
	"desktop.ini": true,
	"README":      true,
	"LICENSE":     true,
}

// ExcludedExtensions are file extensions that are never DICOM.
var ExcludedExtensions = map[string]bool{
	".json": true, ".yaml": true, ".yml": true, ".xml": true,
	".txt": true, ".md": true, ".log": true, ".csv": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".pdf": true, ".zip": true, ".tar": true, ".gz": true,
	".exe": true, ".dll": true, ".so": true,
}

// ExcludedDirs are directory names to skip entirely.
var ExcludedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"quarantine":   true,
}

// FindFiles finds all DICOM files under the given path.
func FindFiles(inputPath string, recursive bool) ([]string, error) {
	var files []string
	seen := make(map[string]bool)

	walkFn := func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip files we can't access
		}

		if info.IsDir() {
			if ExcludedDirs[info.Name()] {
				return filepath.SkipDir
			}
			if !recursive && path != inputPath {
				return filepath.SkipDir
			}
			return nil
		}

		if ExcludedNames[info.Name()] {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if ExcludedExtensions[ext] {
			return nil
		}

		// Unrecognized extension: fall back to the magic bytes.
		isDicom := DicomExtensions[ext]
		if !isDicom {
			isDicom = HasDicomMagicBytes(path)
		}

		if isDicom && !seen[path] {
			files = append(files, path)
			seen[path] = true
		}
		return nil
	}

	if err := filepath.Walk(inputPath, walkFn); err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// HasDicomMagicBytes checks for "DICM" at byte offset 128.
func HasDicomMagicBytes(path string) bool {
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	defer file.Close()

	header := make([]byte, 132)
	if n, err := io.ReadFull(file, header); err != nil || n < 132 {
		return false
	}
	return string(header[128:132]) == "DICM"
}
