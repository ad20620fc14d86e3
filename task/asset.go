package task

import (
	"path/filepath"
	"strings"
)

// assetExtensions are forbidden for worker writes and flagged by the
// Reconciler when found on disk: images, fonts, audio, video.
var assetExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true,
	".svg": true, ".ico": true, ".webp": true,
	".ttf": true, ".otf": true, ".woff": true, ".woff2": true, ".eot": true,
	".mp3": true, ".wav": true, ".ogg": true, ".flac": true, ".aac": true,
	".mp4": true, ".avi": true, ".mov": true, ".webm": true,
}

// IsAssetExtension reports whether p's extension is in the forbidden asset
// set.
func IsAssetExtension(p string) bool {
	return assetExtensions[strings.ToLower(filepath.Ext(p))]
}

// sourceExtensions is the "has real output" set the Root Planner checks
// before giving up on an empty plan.
var sourceExtensions = map[string]bool{
	".py": true, ".js": true, ".ts": true, ".jsx": true, ".tsx": true,
	".html": true, ".css": true, ".scss": true,
	".java": true, ".c": true, ".cpp": true, ".h": true, ".hpp": true,
	".go": true, ".rs": true, ".rb": true, ".php": true, ".swift": true,
	".kt": true, ".cs": true, ".r": true, ".lua": true, ".sh": true, ".bat": true,
}

// IsSourceExtension reports whether p's extension is in the source-code
// set used to decide whether a project has produced real output.
func IsSourceExtension(p string) bool {
	return sourceExtensions[strings.ToLower(filepath.Ext(p))]
}

// HasSourceFile reports whether any path in paths has a source-code
// extension.
func HasSourceFile(paths []string) bool {
	for _, p := range paths {
		if IsSourceExtension(p) {
			return true
		}
	}
	return false
}
