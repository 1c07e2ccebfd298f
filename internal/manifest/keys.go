package manifest

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Storage layout. Every artifact of an estimation lives under one prefix,
// so a re-run overwrites the same keys.
const (
	ProcessedPrefix = "processed"
	UploadsPrefix   = "uploads"
	ManifestFile    = "trojan-manifest.json"
	MainDataFile    = "main-data.json"
	TreeFile        = "tree.json"
	AssetIndexFile  = "asset-index.json"
	UnassignedCode  = "_unassigned"
)

var estimationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidEstimationID reports whether id is usable as a key segment: 1-128
// letters, digits, '-' or '_'. Keys built from any other id may leave the
// estimation's prefix.
func ValidEstimationID(id string) bool {
	return estimationIDPattern.MatchString(id)
}

func Prefix(estimationID string) string {
	return path.Join(ProcessedPrefix, estimationID) + "/"
}

func ManifestKey(estimationID string) string {
	return path.Join(ProcessedPrefix, estimationID, ManifestFile)
}

func MainDataKey(estimationID string) string {
	return path.Join(ProcessedPrefix, estimationID, MainDataFile)
}

func TreeKey(estimationID string) string {
	return path.Join(ProcessedPrefix, estimationID, TreeFile)
}

func AssetIndexKey(estimationID string) string {
	return path.Join(ProcessedPrefix, estimationID, AssetIndexFile)
}

// ChunkKey locates one chunk of a sheet.
func ChunkKey(estimationID, sheet string, index int) string {
	return path.Join(ProcessedPrefix, estimationID, "chunks", SheetSlug(sheet), fmt.Sprintf("chunk-%04d.json.zst", index))
}

// AssetKey locates one re-encoded image. Unassigned images go under
// UnassignedCode.
func AssetKey(estimationID, conceptCode, assetID, ext string) string {
	if conceptCode == "" {
		conceptCode = UnassignedCode
	}
	return path.Join(ProcessedPrefix, estimationID, "assets", conceptCode, assetID+"."+strings.TrimPrefix(ext, "."))
}

// UploadKey locates a source workbook uploaded through the API.
func UploadKey(estimationID, filename string) string {
	return path.Join(UploadsPrefix, estimationID, path.Base("/"+filename))
}

// SheetSlug turns a sheet name into a key segment.
func SheetSlug(sheet string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(sheet) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
		default:
			dash = true
		}
	}
	if b.Len() == 0 {
		return "sheet"
	}
	return b.String()
}
