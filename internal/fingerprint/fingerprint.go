// Package fingerprint derives stable dedup keys for job listings and filters batches against them.
//
// A fingerprint is "sourceSlug::normalizedURL::dedupID". Every part is built so that the "::"
// delimiter cannot appear inside it, which keeps distinct triples from colliding after concatenation.
package fingerprint

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/JakeFAU/jobstream/internal/listing"
)

// Fingerprint is an opaque dedup key.
type Fingerprint string

const (
	delimiter   = "::"
	unknownPart = "unknown"
)

var (
	nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)

	// Checked in order against the original URL when no platform ID is present.
	jobIDParams = []string{"id", "jobid", "jobId", "jk", "vjk"}
)

// BuildJobFingerprint returns the dedup key for a listing. It is pure and never panics.
func BuildJobFingerprint(job listing.RawJobListing) Fingerprint {
	parts := []string{
		SourceSlug(job.Source),
		escapeURLPart(NormalizeURL(job.URL)),
		escapeIDPart(DedupID(job)),
	}
	return Fingerprint(strings.Join(parts, delimiter))
}

// SourceSlug lowercases a source name and collapses non-alphanumeric runs to one hyphen.
func SourceSlug(source string) string {
	slug := nonAlphanumeric.ReplaceAllString(strings.ToLower(strings.TrimSpace(source)), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return unknownPart
	}
	return slug
}

// NormalizeURL drops query and fragment, lowercases scheme and host and strips trailing slashes.
// Inputs that do not parse as absolute URLs fall back to the trimmed, lowercased raw string.
func NormalizeURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return strings.ToLower(trimmed)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = ""
	u.ForceQuery = false
	u.Path = strings.TrimRight(u.Path, "/")
	if u.Path == "" {
		u.Path = "/"
	}
	u.RawPath = ""
	return u.String()
}

// DedupID prefers the platform job ID, then common job-ID query parameters on the original URL,
// then the last non-empty path segment.
func DedupID(job listing.RawJobListing) string {
	if id := strings.TrimSpace(job.PlatformJobID); id != "" {
		return strings.ToLower(id)
	}
	raw := strings.TrimSpace(job.URL)
	u, err := url.Parse(raw)
	if err != nil {
		return lastSegment(stripQueryAndFragment(raw))
	}
	query := u.Query()
	for _, key := range jobIDParams {
		if v := strings.TrimSpace(query.Get(key)); v != "" {
			return strings.ToLower(v)
		}
	}
	return lastSegment(u.Path)
}

func lastSegment(path string) string {
	segments := strings.Split(path, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if seg := strings.TrimSpace(segments[i]); seg != "" {
			return strings.ToLower(seg)
		}
	}
	return ""
}

func stripQueryAndFragment(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		return raw[:i]
	}
	return raw
}

// escapeURLPart keeps "::" out of the URL part and stops a trailing colon from merging with the
// delimiter that follows it.
func escapeURLPart(part string) string {
	part = strings.ReplaceAll(part, delimiter, "%3A%3A")
	if strings.HasSuffix(part, ":") {
		part = strings.TrimSuffix(part, ":") + "%3A"
	}
	return part
}

// escapeIDPart removes every colon from the trailing part. Inputs are lowercased first, so the
// uppercase escape cannot be confused with a literal "%3a".
func escapeIDPart(part string) string {
	if part == "" {
		return unknownPart
	}
	return strings.ReplaceAll(part, ":", "%3A")
}
