// Package links classifies resource URLs (issues, PRs, docs) attached to a
// session. Jira, GitHub, Confluence, and Linear URL shapes are recognized;
// everything else is kept with provider "unknown".
package links

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Type is the slot a link occupies on a session.
type Type string

const (
	TypeIssue Type = "issue"
	TypePR    Type = "pr"
	TypeDoc   Type = "doc"
)

// Provider identifies the hosting system of a link.
type Provider string

const (
	ProviderGitHub     Provider = "github"
	ProviderJira       Provider = "jira"
	ProviderConfluence Provider = "confluence"
	ProviderLinear     Provider = "linear"
	ProviderUnknown    Provider = "unknown"
)

// Link is one attached resource. A session holds at most one per Type.
type Link struct {
	URL             string     `json:"url"`
	Type            Type       `json:"type"`
	Provider        Provider   `json:"provider"`
	Label           string     `json:"label,omitempty"`
	Title           string     `json:"title,omitempty"`
	Status          string     `json:"status,omitempty"`
	StatusCheckedAt *time.Time `json:"statusCheckedAt,omitempty"`
}

// Set holds at most one link per slot.
type Set struct {
	Issue *Link `json:"issue,omitempty"`
	PR    *Link `json:"pr,omitempty"`
	Doc   *Link `json:"doc,omitempty"`
}

// IsEmpty reports whether no slot is filled.
func (s Set) IsEmpty() bool {
	return s.Issue == nil && s.PR == nil && s.Doc == nil
}

// Merge overlays other on top of s per slot; other wins where both are set.
func (s Set) Merge(other Set) Set {
	out := s
	if other.Issue != nil {
		out.Issue = other.Issue
	}
	if other.PR != nil {
		out.PR = other.PR
	}
	if other.Doc != nil {
		out.Doc = other.Doc
	}
	return out
}

var (
	jiraBrowseRe     = regexp.MustCompile(`https?://[\w.-]+\.atlassian\.net/browse/([A-Z][A-Z0-9]+-\d+)`)
	jiraSelectedRe   = regexp.MustCompile(`https?://[\w.-]+\.atlassian\.net/[^\s<>|]*selectedIssue=([A-Z][A-Z0-9]+-\d+)`)
	githubPullRe     = regexp.MustCompile(`https?://github\.com/([\w.-]+)/([\w.-]+)/pull/(\d+)`)
	githubIssueRe    = regexp.MustCompile(`https?://github\.com/([\w.-]+)/([\w.-]+)/issues/(\d+)`)
	confluenceRe     = regexp.MustCompile(`https?://[\w.-]+\.atlassian\.net/wiki/spaces/[^\s<>|]+`)
	linearIssueRe    = regexp.MustCompile(`https?://linear\.app/([\w-]+)/issue/([A-Z][A-Z0-9]*-\d+)`)
	slackLinkWrapRe  = regexp.MustCompile(`<(https?://[^|>]+)(\|[^>]*)?>`)
	genericHTTPRe    = regexp.MustCompile(`^https?://`)
)

// Classify derives the provider and human label for a URL assigned to the
// given slot. It never rejects a URL; unrecognized shapes keep provider
// "unknown" and an empty label.
func Classify(rawURL string, slot Type) Link {
	link := Link{URL: rawURL, Type: slot, Provider: ProviderUnknown}

	if m := jiraBrowseRe.FindStringSubmatch(rawURL); m != nil {
		link.Provider = ProviderJira
		link.Label = m[1]
		return link
	}
	if m := jiraSelectedRe.FindStringSubmatch(rawURL); m != nil {
		link.Provider = ProviderJira
		link.Label = m[1]
		return link
	}
	if m := githubPullRe.FindStringSubmatch(rawURL); m != nil {
		link.Provider = ProviderGitHub
		link.Label = fmt.Sprintf("PR #%s", m[3])
		return link
	}
	if m := githubIssueRe.FindStringSubmatch(rawURL); m != nil {
		link.Provider = ProviderGitHub
		link.Label = fmt.Sprintf("Issue #%s", m[3])
		return link
	}
	if confluenceRe.MatchString(rawURL) {
		link.Provider = ProviderConfluence
		link.Label = "Confluence"
		return link
	}
	if m := linearIssueRe.FindStringSubmatch(rawURL); m != nil {
		link.Provider = ProviderLinear
		link.Label = m[2]
		return link
	}
	return link
}

// IsHTTP reports whether a string is an http(s) URL.
func IsHTTP(rawURL string) bool {
	return genericHTTPRe.MatchString(rawURL)
}

// ExtractFromText scans free text for known URL patterns and fills link
// slots. The first Jira hit wins the issue slot over GitHub issues; the
// first match per slot wins overall.
func ExtractFromText(text string) Set {
	// Unwrap Slack's <url|label> syntax first so patterns see bare URLs.
	text = slackLinkWrapRe.ReplaceAllString(text, "$1")

	var set Set

	for _, re := range []*regexp.Regexp{jiraBrowseRe, jiraSelectedRe} {
		if m := re.FindString(text); m != "" && set.Issue == nil {
			l := Classify(m, TypeIssue)
			set.Issue = &l
		}
	}
	if m := githubPullRe.FindString(text); m != "" {
		l := Classify(m, TypePR)
		set.PR = &l
	}
	// GitHub issues fill the issue slot only when Jira did not.
	if set.Issue == nil {
		if m := githubIssueRe.FindString(text); m != "" {
			l := Classify(m, TypeIssue)
			set.Issue = &l
		}
	}
	if set.Issue == nil {
		if m := linearIssueRe.FindString(text); m != "" {
			l := Classify(m, TypeIssue)
			set.Issue = &l
		}
	}
	if m := confluenceRe.FindString(text); m != "" {
		l := Classify(m, TypeDoc)
		set.Doc = &l
	}
	return set
}

// SlotFor normalizes a directive key to a link slot. "jira" and "issue" both
// map to the issue slot.
func SlotFor(key string) (Type, bool) {
	switch strings.ToLower(key) {
	case "jira", "issue":
		return TypeIssue, true
	case "pr":
		return TypePR, true
	case "doc":
		return TypeDoc, true
	}
	return "", false
}
