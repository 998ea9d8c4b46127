package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"path"
	"slices"
	"strconv"
	"strings"
)

// ErrInvalidIndex marks an index.json that parsed but lacks version or fileMap.
var ErrInvalidIndex = errors.New("invalid bundle index")

// Index is the per-bundle manifest stored at asset-bundle/<name>/index.json.
type Index struct {
	Version       int            `json:"version"`
	FileMap       map[string]int `json:"fileMap"`
	IsRequired    bool           `json:"isRequired,omitempty"`
	PreloadAssets []string       `json:"preloadAssets,omitempty"`
}

type rawIndex struct {
	Version       *int           `json:"version"`
	FileMap       map[string]int `json:"fileMap"`
	IsRequired    bool           `json:"isRequired"`
	PreloadAssets []string       `json:"preloadAssets"`
}

// ParseIndex decodes a bundle manifest. Missing version or fileMap is
// reported as ErrInvalidIndex.
func ParseIndex(data []byte) (*Index, error) {
	var raw rawIndex
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing bundle index: %w", err)
	}
	if raw.Version == nil {
		return nil, fmt.Errorf("%w: missing version", ErrInvalidIndex)
	}
	if raw.FileMap == nil {
		return nil, fmt.Errorf("%w: missing fileMap", ErrInvalidIndex)
	}
	return &Index{
		Version:       *raw.Version,
		FileMap:       raw.FileMap,
		IsRequired:    raw.IsRequired,
		PreloadAssets: raw.PreloadAssets,
	}, nil
}

// PreloadList returns every tracked file when the bundle is required,
// otherwise the declared preload assets.
func (idx *Index) PreloadList() []string {
	if idx.IsRequired {
		return slices.Sorted(maps.Keys(idx.FileMap))
	}
	return slices.Clone(idx.PreloadAssets)
}

// MasterIndex is the remote asset-bundle/index.json: bundle name to version.
type MasterIndex map[string]int

func ParseMasterIndex(data []byte) (MasterIndex, error) {
	var m MasterIndex
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing master index: %w", err)
	}
	if m == nil {
		return nil, errors.New("parsing master index: empty document")
	}
	return m, nil
}

// Plan is the outcome of reconciling a local file map against a remote index.
type Plan struct {
	// Discard holds bundle-relative versioned file names to delete.
	Discard []string
	// Needed holds logical paths whose current version is not on disk.
	Needed  []string
	FileMap map[string]int
	Preload []string
}

// Reconcile diffs local against remote. Files dropped remotely, and files
// whose local version is older, have their old versioned name discarded.
// New and stale files are needed. All outputs are sorted.
func Reconcile(local map[string]int, remote *Index) Plan {
	plan := Plan{FileMap: make(map[string]int, len(remote.FileMap))}

	for key, v := range local {
		if _, ok := remote.FileMap[key]; !ok {
			plan.Discard = append(plan.Discard, AssetVersionPath(key, v))
		}
	}
	for key, newVersion := range remote.FileMap {
		oldVersion, tracked := local[key]
		switch {
		case !tracked:
			plan.Needed = append(plan.Needed, key)
		case oldVersion < newVersion:
			plan.Discard = append(plan.Discard, AssetVersionPath(key, oldVersion))
			plan.Needed = append(plan.Needed, key)
		}
		plan.FileMap[key] = newVersion
	}

	slices.Sort(plan.Discard)
	slices.Sort(plan.Needed)
	plan.Preload = remote.PreloadList()
	return plan
}

// AssetVersionPath embeds version in a file name: "dir/a.png", 3 -> "dir/a_v3.png".
func AssetVersionPath(file string, version int) string {
	ext := path.Ext(file)
	stem := strings.TrimSuffix(file, ext)
	return stem + "_v" + strconv.Itoa(version) + ext
}

// ParseVersionPath reverses AssetVersionPath.
func ParseVersionPath(versioned string) (file string, version int, ok bool) {
	ext := path.Ext(versioned)
	stem := strings.TrimSuffix(versioned, ext)
	i := strings.LastIndex(stem, "_v")
	if i < 0 {
		return "", 0, false
	}
	digits := stem[i+2:]
	if digits == "" || strings.ContainsAny(digits, "+-") {
		return "", 0, false
	}
	version, err := strconv.Atoi(digits)
	if err != nil {
		return "", 0, false
	}
	return stem[:i] + ext, version, true
}
