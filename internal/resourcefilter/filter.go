// Package resourcefilter blocks tracker and heavyweight sub-resource requests during headless page loads.
package resourcefilter

import (
	"net/url"
	"strings"
)

// Block reasons, also used as metric labels.
const (
	ReasonTracker = "tracker"
	ReasonHeavy   = "heavy_resource"
)

// Analytics and ad hosts; subdomains match too.
var trackerDomains = []string{
	"google-analytics.com",
	"googletagmanager.com",
	"googleadservices.com",
	"doubleclick.net",
	"facebook.net",
	"hotjar.com",
	"segment.io",
	"segment.com",
	"mixpanel.com",
	"amplitude.com",
	"fullstory.com",
	"clarity.ms",
	"nr-data.net",
	"scorecardresearch.com",
	"quantserve.com",
	"criteo.com",
	"taboola.com",
	"outbrain.com",
	"adsrvr.org",
	"bat.bing.com",
	"px.ads.linkedin.com",
	"snap.licdn.com",
}

// Resource types that only cost bandwidth on metered proxies.
var heavyTypes = map[string]struct{}{
	"image":      {},
	"stylesheet": {},
	"font":       {},
	"media":      {},
}

// ShouldBlock reports whether a sub-resource request should be refused.
func ShouldBlock(rawURL, resourceType string, usingPaidProxy bool) bool {
	block, _ := Classify(rawURL, resourceType, usingPaidProxy)
	return block
}

// Classify is ShouldBlock with the reason attached.
func Classify(rawURL, resourceType string, usingPaidProxy bool) (bool, string) {
	if IsTracker(rawURL) {
		return true, ReasonTracker
	}
	if usingPaidProxy {
		if _, ok := heavyTypes[strings.ToLower(strings.TrimSpace(resourceType))]; ok {
			return true, ReasonHeavy
		}
	}
	return false, ""
}

// IsTracker matches the request host against the denylist exactly or as a subdomain.
func IsTracker(rawURL string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return false
	}
	for _, domain := range trackerDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}
