package utils

import (
	"path/filepath"
	"regexp"
	"strings"
)

var idRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

func IsValidID(id string) bool {
	return id != "" && len(id) <= 128 && idRegex.MatchString(id)
}

// Slugify derives a job id from a filesystem path. "/srv/www/data"
// becomes "srv-www-data".
func Slugify(path string) string {
	cleaned := strings.ToLower(strings.Trim(filepath.ToSlash(path), "/"))
	var b strings.Builder
	lastDash := true
	for _, r := range cleaned {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// ValidateSourcePath accepts absolute local paths only.
func ValidateSourcePath(path string) bool {
	return strings.HasPrefix(path, "/") && !strings.Contains(path, "..")
}

// ValidateBucketPrefix rejects prefixes that could escape a job's
// keyspace or collide with another job's.
func ValidateBucketPrefix(prefix string) bool {
	if prefix == "" || strings.HasPrefix(prefix, "/") {
		return false
	}
	return !strings.Contains(prefix, "..")
}
