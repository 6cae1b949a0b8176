package store

import (
	"crypto/sha256"
	"encoding/hex"
	"mime"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/kennygrant/sanitize"

	"github.com/stillweb/stillweb/internal/mirror"
)

// Extensions preferred over the platform mime table, which is both
// OS-dependent and ambiguous for these types.
var preferredExt = map[string]string{
	"text/html":              ".html",
	"application/xhtml+xml":  ".html",
	"text/css":               ".css",
	"text/javascript":        ".js",
	"application/javascript": ".js",
	"application/json":       ".json",
	"image/jpeg":             ".jpg",
	"image/svg+xml":          ".svg",
	"text/plain":             ".txt",
}

var extPattern = regexp.MustCompile(`^\.[a-zA-Z0-9]{1,8}$`)

// LocalPath derives the relative storage path for a canonical URL. The
// derivation depends only on the URL and the media type, so re-runs land on
// identical paths.
//
// URL path segments map to directories. An empty or trailing-slash path
// becomes index.html. A final segment without a usable extension gains one
// from the media type. A query string folds into the file name as a short
// hash so variants stay distinct.
func LocalPath(u mirror.CanonicalURL, mediaType string) string {
	parsed, err := u.Parse()
	if err != nil {
		return "resource-" + hashToken(string(u)) + extensionFor(mediaType, ".bin")
	}

	trailing := parsed.Path == "" || strings.HasSuffix(parsed.Path, "/")
	var segments []string
	for _, seg := range strings.Split(parsed.Path, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}

	var parts []string
	var fileName string
	if trailing || len(segments) == 0 {
		for _, seg := range segments {
			parts = append(parts, dirSegment(seg))
		}
		fileName = "index" + extensionFor(mediaType, ".html")
	} else {
		for _, seg := range segments[:len(segments)-1] {
			parts = append(parts, dirSegment(seg))
		}
		fileName = fileSegment(segments[len(segments)-1], mediaType)
	}
	if parsed.RawQuery != "" {
		fileName = insertSuffix(fileName, "-q"+hashToken(parsed.RawQuery))
	}
	return path.Join(append(parts, fileName)...)
}

// collisionPath disambiguates a derived path already owned by a different
// URL by folding a short URL hash into the file name.
func collisionPath(p string, u mirror.CanonicalURL) string {
	dir, base := path.Split(p)
	return dir + insertSuffix(base, "-"+hashToken(string(u)))
}

func dirSegment(seg string) string {
	cleaned := sanitize.BaseName(seg)
	if cleaned == "" {
		cleaned = hashToken(seg)
	}
	return cleaned
}

func fileSegment(seg, mediaType string) string {
	ext := path.Ext(seg)
	stem := strings.TrimSuffix(seg, ext)
	if !extPattern.MatchString(ext) {
		stem = seg
		ext = extensionFor(mediaType, ".bin")
	}
	cleaned := sanitize.BaseName(stem)
	if cleaned == "" {
		cleaned = "resource-" + hashToken(seg)
	}
	return cleaned + strings.ToLower(ext)
}

func insertSuffix(fileName, suffix string) string {
	ext := path.Ext(fileName)
	return strings.TrimSuffix(fileName, ext) + suffix + ext
}

func extensionFor(mediaType, fallback string) string {
	if mediaType == "" {
		return fallback
	}
	if ext, ok := preferredExt[mediaType]; ok {
		return ext
	}
	exts, err := mime.ExtensionsByType(mediaType)
	if err != nil || len(exts) == 0 {
		return fallback
	}
	sort.Strings(exts)
	return exts[0]
}

func hashToken(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:4])
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
