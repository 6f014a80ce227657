package bulktest

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LoadDir reads every *.ndjson file in dir as an output file. The resource
// type is taken from the file name, so Patient.ndjson serves Patient
// resources. Files are returned in name order.
func LoadDir(dir string) ([]File, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.ndjson"))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	sort.Strings(matches)

	files := make([]File, 0, len(matches))
	for _, path := range matches {
		f, err := readFile(path)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

func readFile(path string) (File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer fh.Close()

	name := filepath.Base(path)
	out := File{Name: name, Type: strings.TrimSuffix(name, ".ndjson")}
	scanner := bufio.NewScanner(fh)
	scanner.Buffer(make([]byte, 64<<10), 16<<20)
	for scanner.Scan() {
		out.Lines = append(out.Lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return File{}, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}

// SampleFiles is a small two-patient export used when no data directory is
// given.
func SampleFiles() []File {
	return []File{
		{
			Name: "Patient.ndjson",
			Type: "Patient",
			Lines: []string{
				`{"resourceType":"Patient","id":"pat-1","name":[{"family":"Rivera","given":["Ana"]}],"gender":"female","birthDate":"1984-02-11"}`,
				`{"resourceType":"Patient","id":"pat-2","name":[{"family":"Okafor","given":["Chidi"]}],"gender":"male","birthDate":"1979-09-30"}`,
			},
		},
		{
			Name: "Condition.ndjson",
			Type: "Condition",
			Lines: []string{
				`{"resourceType":"Condition","id":"cond-1","subject":{"reference":"Patient/pat-1"},"code":{"coding":[{"system":"http://snomed.info/sct","code":"44054006","display":"Diabetes mellitus type 2"}]}}`,
			},
		},
		{
			Name: "Observation.ndjson",
			Type: "Observation",
			Lines: []string{
				`{"resourceType":"Observation","id":"obs-1","status":"final","subject":{"reference":"Patient/pat-1"},"code":{"coding":[{"system":"http://loinc.org","code":"4548-4","display":"Hemoglobin A1c"}]},"valueQuantity":{"value":7.2,"unit":"%"}}`,
				`{"resourceType":"Observation","id":"obs-2","status":"final","subject":{"reference":"Patient/pat-2"},"code":{"coding":[{"system":"http://loinc.org","code":"8867-4","display":"Heart rate"}]},"valueQuantity":{"value":72,"unit":"/min"}}`,
			},
		},
	}
}
