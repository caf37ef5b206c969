// Package bids holds the small amount of BIDS knowledge the pipeline needs:
// filename entities, PET sidecar metadata and derivative dataset files.
package bids

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// entityKeys maps filename keys to BIDS entity names, in canonical order
var entityKeys = []struct{ key, name string }{
	{"sub", "subject"},
	{"ses", "session"},
	{"task", "task"},
	{"trc", "tracer"},
	{"rec", "reconstruction"},
	{"acq", "acquisition"},
	{"run", "run"},
	{"echo", "echo"},
	{"space", "space"},
	{"desc", "desc"},
}

var datatypes = map[string]bool{"anat": true, "pet": true, "func": true, "fmap": true, "perf": true}

// Entities are the key-value pairs encoded in a BIDS filename
type Entities map[string]string

// ParseEntities extracts the entities of a BIDS path. Besides the filename
// entities it reports "suffix", "extension" and, when the parent directory
// names one, "datatype".
func ParseEntities(path string) Entities {
	e := Entities{}
	base := filepath.Base(path)
	stem, ext := splitExt(base)
	if ext != "" {
		e["extension"] = ext
	}
	if dt := filepath.Base(filepath.Dir(path)); datatypes[dt] {
		e["datatype"] = dt
	}

	parts := strings.Split(stem, "_")
	for i, p := range parts {
		k, v, ok := strings.Cut(p, "-")
		if !ok {
			if i == len(parts)-1 {
				e["suffix"] = p
			}
			continue
		}
		for _, ek := range entityKeys {
			if ek.key == k {
				e[ek.name] = v
				break
			}
		}
	}
	return e
}

// splitExt splits a filename at its first dot so ".nii.gz" stays whole
func splitExt(base string) (string, string) {
	if i := strings.Index(base, "."); i > 0 {
		return base[:i], base[i:]
	}
	return base, ""
}

// ExtractEntities merges the entities of several files. Each key maps to
// the sorted set of distinct values it takes across the files.
func ExtractEntities(paths []string) map[string][]string {
	seen := map[string]map[string]bool{}
	for _, p := range paths {
		for k, v := range ParseEntities(p) {
			if seen[k] == nil {
				seen[k] = map[string]bool{}
			}
			seen[k][v] = true
		}
	}
	out := make(map[string][]string, len(seen))
	for k, vals := range seen {
		list := make([]string, 0, len(vals))
		for v := range vals {
			list = append(list, v)
		}
		sort.Strings(list)
		out[k] = list
	}
	return out
}

// WorkflowName derives the per-series workflow name from a PET filename,
// dropping the subject and replacing the "_pet" suffix with "_wf".
//
//	sub-01_trc-FDG_run-1_pet.nii.gz -> pet_preproc_trc_FDG_run_1_wf
func WorkflowName(petFile string) string {
	stem, _ := splitExt(filepath.Base(petFile))
	parts := strings.Split(stem, "_")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	name := strings.Join(parts, "_")
	name = strings.NewReplacer(" ", "", "-", "_").Replace(name)
	if strings.HasSuffix(name, "_pet") {
		name = strings.TrimSuffix(name, "_pet") + "_wf"
	} else if name == "pet" {
		name = "wf"
	} else {
		name += "_wf"
	}
	return "pet_preproc_" + name
}

// SubjectLabel strips an optional "sub-" prefix
func SubjectLabel(s string) string {
	return strings.TrimPrefix(s, "sub-")
}

// FormatEntities renders entities in canonical order, e.g. "sub-01_trc-FDG"
func FormatEntities(e Entities) string {
	var parts []string
	for _, ek := range entityKeys {
		if v, ok := e[ek.name]; ok && v != "" {
			parts = append(parts, fmt.Sprintf("%s-%s", ek.key, v))
		}
	}
	return strings.Join(parts, "_")
}
