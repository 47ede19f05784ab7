package blob

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
)

// Archive is an in-memory zip: file path to contents.
type Archive map[string][]byte

// Unzip expands a zip payload into an Archive.
func Unzip(payload []byte) (Archive, error) {
	r, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	out := make(Archive, len(r.File))
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s in archive: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s in archive: %w", f.Name, err)
		}
		out[f.Name] = data
	}
	return out, nil
}

// Zip packs the archive back into a zip payload with deterministic
// member ordering.
func (a Archive) Zip() ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, name := range a.sortedNames() {
		fw, err := w.Create(name)
		if err != nil {
			return nil, fmt.Errorf("failed to add %s to archive: %w", name, err)
		}
		if _, err := fw.Write(a[name]); err != nil {
			return nil, fmt.Errorf("failed to write %s to archive: %w", name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close archive: %w", err)
	}
	return buf.Bytes(), nil
}

func (a Archive) sortedNames() []string {
	names := make([]string, 0, len(a))
	for name := range a {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Find returns the contents of the first member whose base name
// matches, searching any directory depth.
func (a Archive) Find(baseName string) ([]byte, bool) {
	for _, name := range a.sortedNames() {
		if path.Base(name) == baseName {
			return a[name], true
		}
	}
	return nil, false
}

// CountyFromInputs resolves the county from an input archive: the
// "county" column of input.csv, falling back to county_jurisdiction in
// unnormalized_address.json.
func CountyFromInputs(a Archive) (string, error) {
	if raw, ok := a.Find("input.csv"); ok {
		if county := countyFromCSV(raw); county != "" {
			return county, nil
		}
	}
	if raw, ok := a.Find("unnormalized_address.json"); ok {
		var doc struct {
			CountyJurisdiction string `json:"county_jurisdiction"`
		}
		if err := json.Unmarshal(raw, &doc); err == nil && doc.CountyJurisdiction != "" {
			return doc.CountyJurisdiction, nil
		}
	}
	return "", fmt.Errorf("county not present in input archive")
}

func countyFromCSV(raw []byte) string {
	lines := strings.Split(string(raw), "\n")
	if len(lines) < 2 {
		return ""
	}
	headers := strings.Split(strings.TrimRight(lines[0], "\r"), ",")
	col := -1
	for i, h := range headers {
		if strings.TrimSpace(strings.ToLower(h)) == "county" {
			col = i
			break
		}
	}
	if col < 0 {
		return ""
	}
	for _, line := range lines[1:] {
		fields := strings.Split(strings.TrimRight(line, "\r"), ",")
		if col < len(fields) {
			if v := strings.TrimSpace(fields[col]); v != "" {
				return v
			}
		}
	}
	return ""
}
