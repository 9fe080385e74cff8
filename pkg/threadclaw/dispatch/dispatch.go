// Package dispatch classifies an incoming user message into a workflow via a
// cheap classifier call, with deterministic fallback. Structural links are
// always extracted from the message text regardless of classifier outcome.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/threadclaw/threadclaw/pkg/threadclaw/directive"
	"github.com/threadclaw/threadclaw/pkg/threadclaw/links"
)

// Workflow is the closed classification set.
type Workflow string

const (
	WorkflowOnboarding       Workflow = "onboarding"
	WorkflowJiraExecSummary  Workflow = "jira-executive-summary"
	WorkflowJiraBrainstorm   Workflow = "jira-brainstorming"
	WorkflowJiraPlanning     Workflow = "jira-planning"
	WorkflowJiraCreatePR     Workflow = "jira-create-pr"
	WorkflowPRReview         Workflow = "pr-review"
	WorkflowPRFixAndUpdate   Workflow = "pr-fix-and-update"
	WorkflowPRDocsConfluence Workflow = "pr-docs-confluence"
	WorkflowDeploy           Workflow = "deploy"
	WorkflowDefault          Workflow = "default"
)

var knownWorkflows = map[Workflow]bool{
	WorkflowOnboarding:       true,
	WorkflowJiraExecSummary:  true,
	WorkflowJiraBrainstorm:   true,
	WorkflowJiraPlanning:     true,
	WorkflowJiraCreatePR:     true,
	WorkflowPRReview:         true,
	WorkflowPRFixAndUpdate:   true,
	WorkflowPRDocsConfluence: true,
	WorkflowDeploy:           true,
	WorkflowDefault:          true,
}

// IsKnown reports whether w belongs to the closed workflow set.
func IsKnown(w Workflow) bool { return knownWorkflows[w] }

// Result is the outcome of dispatching one user message.
type Result struct {
	Workflow Workflow
	Title    string
	Links    links.Set
}

// Classifier produces the raw model response for a classification prompt.
// Implementations wrap a cheap model; nil disables classification entirely.
type Classifier interface {
	Classify(ctx context.Context, userMessage string) (string, error)
}

// Config holds dispatch configuration.
type Config struct {
	// TimeoutSeconds bounds the classifier call (default 10).
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{TimeoutSeconds: 10}
}

// Service routes user messages to workflows.
type Service struct {
	classifier Classifier
	timeout    time.Duration
	logger     *slog.Logger

	// fallbackCount counts classifications that fell back to default.
	fallbackCount atomic.Int64
}

// NewService creates a dispatch service. classifier may be nil, in which
// case every message routes to the default workflow with a heuristic title.
func NewService(classifier Classifier, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		classifier: classifier,
		timeout:    timeout,
		logger:     logger.With("component", "dispatch"),
	}
}

// FallbackCount returns how many dispatches fell back to the default
// workflow.
func (s *Service) FallbackCount() int64 { return s.fallbackCount.Load() }

// Dispatch classifies one user message. It never fails: every error path
// degrades to {default, heuristic title, text-extracted links}.
func (s *Service) Dispatch(ctx context.Context, userMessage string) Result {
	textLinks := links.ExtractFromText(userMessage)
	fallback := Result{
		Workflow: WorkflowDefault,
		Title:    HeuristicTitle(userMessage),
		Links:    textLinks,
	}

	if s.classifier == nil {
		s.fallbackCount.Add(1)
		return fallback
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.classifier.Classify(cctx, userMessage)
	if err != nil {
		s.fallbackCount.Add(1)
		s.logger.Warn("dispatch: classifier failed, using default workflow", "error", err)
		return fallback
	}

	parsed, ok := parseClassifierResponse(raw)
	if !ok {
		s.fallbackCount.Add(1)
		s.logger.Warn("dispatch: unparseable classifier response")
		return fallback
	}

	workflow := Workflow(parsed.Workflow)
	if !IsKnown(workflow) {
		s.fallbackCount.Add(1)
		s.logger.Warn("dispatch: unknown workflow from classifier", "workflow", parsed.Workflow)
		workflow = WorkflowDefault
	}

	title := SanitizeTitle(parsed.Title)
	if title == "" {
		title = fallback.Title
	}

	// Classifier links take precedence per slot over text-extracted ones.
	merged := textLinks.Merge(parsed.linkSet())

	return Result{Workflow: workflow, Title: title, Links: merged}
}

// classifierResponse is the JSON shape the classification prompt requests.
type classifierResponse struct {
	Workflow string `json:"workflow"`
	Title    string `json:"title"`
	Links    struct {
		Issue string `json:"issue"`
		PR    string `json:"pr"`
		Doc   string `json:"doc"`
	} `json:"links"`
}

func (r classifierResponse) linkSet() links.Set {
	var set links.Set
	if links.IsHTTP(r.Links.Issue) {
		l := links.Classify(r.Links.Issue, links.TypeIssue)
		set.Issue = &l
	}
	if links.IsHTTP(r.Links.PR) {
		l := links.Classify(r.Links.PR, links.TypePR)
		set.PR = &l
	}
	if links.IsHTTP(r.Links.Doc) {
		l := links.Classify(r.Links.Doc, links.TypeDoc)
		set.Doc = &l
	}
	return set
}

var (
	workflowTagRe = regexp.MustCompile(`(?s)<workflow>\s*(.*?)\s*</workflow>`)
	titleTagRe    = regexp.MustCompile(`(?s)<title>\s*(.*?)\s*</title>`)
)

// parseClassifierResponse extracts the structured response: balanced-brace
// JSON first, legacy <workflow>/<title> XML tags as fallback.
func parseClassifierResponse(raw string) (classifierResponse, bool) {
	if obj := directive.FirstObject(raw); obj != "" {
		var resp classifierResponse
		if err := json.Unmarshal([]byte(obj), &resp); err == nil && resp.Workflow != "" {
			return resp, true
		}
	}

	var resp classifierResponse
	if m := workflowTagRe.FindStringSubmatch(raw); m != nil {
		resp.Workflow = strings.TrimSpace(m[1])
	}
	if m := titleTagRe.FindStringSubmatch(raw); m != nil {
		resp.Title = strings.TrimSpace(m[1])
	}
	return resp, resp.Workflow != ""
}

const maxTitleLen = 60

var (
	mentionRe   = regexp.MustCompile(`<@[A-Z0-9]+(\|[^>]*)?>`)
	channelRe   = regexp.MustCompile(`<#[A-Z0-9]+(\|[^>]*)?>`)
	slackLinkRe = regexp.MustCompile(`<(https?://[^|>]+)\|([^>]*)>`)
	bareLinkRe  = regexp.MustCompile(`<(https?://[^>]+)>`)
)

// SanitizeTitle strips Slack mention/link markup and truncates to 60 chars.
func SanitizeTitle(title string) string {
	title = mentionRe.ReplaceAllString(title, "")
	title = channelRe.ReplaceAllString(title, "")
	title = slackLinkRe.ReplaceAllString(title, "$2")
	title = bareLinkRe.ReplaceAllString(title, "$1")
	title = strings.Join(strings.Fields(title), " ")

	runes := []rune(title)
	if len(runes) > maxTitleLen {
		title = string(runes[:maxTitleLen])
	}
	return strings.TrimSpace(title)
}

// HeuristicTitle derives a title from the first 50 characters of the
// message.
func HeuristicTitle(userMessage string) string {
	title := SanitizeTitle(userMessage)
	runes := []rune(title)
	if len(runes) > 50 {
		title = string(runes[:50])
	}
	return strings.TrimSpace(title)
}
