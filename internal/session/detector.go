package session

import (
	"net/url"
	"strings"
)

// DefaultLinkHosts are the hosts accepted as identity links when no explicit
// host list is configured.
var DefaultLinkHosts = []string{"x.com", "twitter.com"}

// Decision is the duplicate-handle detector's verdict for a submission.
type Decision int

const (
	// DecisionAccept stores the record as a normal unverified submission.
	DecisionAccept Decision = iota
	// DecisionReject drops the submission under the one-link-per-user policy.
	DecisionReject
	// DecisionFraud stores the record with a fraud marker and reports all
	// submitters of the handle.
	DecisionFraud
)

// Detector derives canonical handles from submitted links and applies the
// duplicate decision table. It holds no session state; registry lookups are
// supplied by the engine.
type Detector struct {
	hosts          map[string]struct{}
	oneLinkPerUser bool
}

// NewDetector creates a detector accepting links from the given hosts.
// An empty host list falls back to DefaultLinkHosts.
func NewDetector(hosts []string, oneLinkPerUser bool) *Detector {
	if len(hosts) == 0 {
		hosts = DefaultLinkHosts
	}

	hostSet := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		hostSet[strings.ToLower(h)] = struct{}{}
	}

	return &Detector{
		hosts:          hostSet,
		oneLinkPerUser: oneLinkPerUser,
	}
}

// CanonicalHandle extracts the normalized account handle from a link.
// Returns false if the link is not an accepted identity link. Extraction is
// deterministic: the lowercased first path segment of an accepted host.
func (d *Detector) CanonicalHandle(link string) (string, bool) {
	link = strings.TrimSpace(link)
	if link == "" {
		return "", false
	}

	u, err := url.Parse(link)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}

	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	if _, ok := d.hosts[host]; !ok {
		return "", false
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return "", false
	}

	return strings.ToLower(segments[0]), true
}

// Decide applies the duplicate decision table for a handle submission.
// firstSeen reports whether this submission registered the handle;
// firstSubmitter is the user who did, valid only when firstSeen is false.
func (d *Detector) Decide(firstSeen bool, firstSubmitter, submitter uint64) Decision {
	if firstSeen {
		return DecisionAccept
	}

	if firstSubmitter == submitter {
		if d.oneLinkPerUser {
			return DecisionReject
		}
		return DecisionAccept
	}

	return DecisionFraud
}
