package directive

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/threadclaw/threadclaw/pkg/threadclaw/links"
)

// Directive type discriminators on the model-to-system wire.
const (
	TypeSessionLinks   = "session_links"
	TypeChannelMessage = "channel_message"
	TypeUserChoice     = "user_choice"
	TypeUserChoices    = "user_choices"
)

// SessionLinks carries link attachments emitted by the model. Values are
// validated http(s) URLs classified into slots.
type SessionLinks struct {
	Links links.Set
}

// ChannelMessage carries text the model wants posted to the channel (not the
// thread).
type ChannelMessage struct {
	Text string
}

// Choice is one selectable option.
type Choice struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is one question with its options.
type Question struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Choices  []Choice `json:"choices"`
	Context  string   `json:"context,omitempty"`
}

// UserChoice is a single-question prompt.
type UserChoice struct {
	Question string   `json:"question"`
	Choices  []Choice `json:"choices"`
	Context  string   `json:"context,omitempty"`
}

// UserChoices is a multi-question form.
type UserChoices struct {
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	Questions   []Question `json:"questions"`
}

// ChoicePrompt is the normalized result of the user-choice parser: exactly
// one of Single or Form is set.
type ChoicePrompt struct {
	Single *UserChoice
	Form   *UserChoices
}

// ---------- session_links ----------

// ParseSessionLinks extracts a session_links directive. It returns the
// detected payload (nil when absent) and the text with the directive removed.
func ParseSessionLinks(text string) (*SessionLinks, string) {
	for _, c := range findCandidates(text) {
		var obj struct {
			Type string `json:"type"`
			Jira string `json:"jira"`
			Issue string `json:"issue"`
			PR   string `json:"pr"`
			Doc  string `json:"doc"`
		}
		if err := json.Unmarshal([]byte(c.raw), &obj); err != nil {
			continue
		}
		if obj.Type != TypeSessionLinks {
			continue
		}

		var set links.Set
		issueURL := obj.Jira
		if issueURL == "" {
			issueURL = obj.Issue
		}
		if links.IsHTTP(issueURL) {
			l := links.Classify(issueURL, links.TypeIssue)
			set.Issue = &l
		}
		if links.IsHTTP(obj.PR) {
			l := links.Classify(obj.PR, links.TypePR)
			set.PR = &l
		}
		if links.IsHTTP(obj.Doc) {
			l := links.Classify(obj.Doc, links.TypeDoc)
			set.Doc = &l
		}
		if set.IsEmpty() {
			continue
		}
		return &SessionLinks{Links: set}, strip(text, c)
	}
	return nil, text
}

// ---------- channel_message ----------

// ParseChannelMessage extracts a channel_message directive. The payload text
// may arrive under "text", "message", or "content" and must be non-empty
// after trimming.
func ParseChannelMessage(text string) (*ChannelMessage, string) {
	for _, c := range findCandidates(text) {
		var obj struct {
			Type    string `json:"type"`
			Text    string `json:"text"`
			Message string `json:"message"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(c.raw), &obj); err != nil {
			continue
		}
		if obj.Type != TypeChannelMessage {
			continue
		}
		body := obj.Text
		if body == "" {
			body = obj.Message
		}
		if body == "" {
			body = obj.Content
		}
		body = strings.TrimSpace(body)
		if body == "" {
			continue
		}
		return &ChannelMessage{Text: body}, strip(text, c)
	}
	return nil, text
}

// ---------- user_choice / user_choices ----------

// legacyGroup is the untyped historical shape: an outer question whose
// choices are themselves UserChoice objects.
type legacyGroup struct {
	Question string       `json:"question"`
	Choices  []UserChoice `json:"choices"`
	Context  string       `json:"context,omitempty"`
}

// ParseUserChoice extracts a choice directive in any of its three admissible
// shapes and normalizes it. Legacy groups with exactly one sub-choice become
// a single user_choice; larger groups become a form titled by the outer
// question.
func ParseUserChoice(text string) (*ChoicePrompt, string) {
	for _, c := range findCandidates(text) {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(c.raw), &head); err != nil {
			continue
		}

		switch head.Type {
		case TypeUserChoice:
			var single UserChoice
			if err := json.Unmarshal([]byte(c.raw), &single); err != nil {
				continue
			}
			if single.Question == "" || len(single.Choices) == 0 {
				continue
			}
			return &ChoicePrompt{Single: &single}, strip(text, c)

		case TypeUserChoices:
			var form UserChoices
			if err := json.Unmarshal([]byte(c.raw), &form); err != nil {
				continue
			}
			if len(form.Questions) == 0 {
				continue
			}
			return &ChoicePrompt{Form: &form}, strip(text, c)

		case "":
			group, ok := parseLegacyGroup(c.raw)
			if !ok {
				continue
			}
			return normalizeGroup(group), strip(text, c)
		}
	}
	return nil, text
}

func parseLegacyGroup(raw string) (*legacyGroup, bool) {
	var group legacyGroup
	if err := json.Unmarshal([]byte(raw), &group); err != nil {
		return nil, false
	}
	if group.Question == "" || len(group.Choices) == 0 {
		return nil, false
	}
	// Every sub-choice must itself carry a question and options; otherwise
	// this is not the legacy shape and stays in the text.
	for _, sub := range group.Choices {
		if sub.Question == "" || len(sub.Choices) == 0 {
			return nil, false
		}
	}
	return &group, true
}

func normalizeGroup(group *legacyGroup) *ChoicePrompt {
	if len(group.Choices) == 1 {
		single := group.Choices[0]
		if single.Context == "" {
			single.Context = group.Context
		}
		return &ChoicePrompt{Single: &single}
	}

	form := UserChoices{
		Title:       group.Question,
		Description: group.Context,
	}
	for i, sub := range group.Choices {
		form.Questions = append(form.Questions, Question{
			ID:       questionID(i),
			Question: sub.Question,
			Choices:  sub.Choices,
			Context:  sub.Context,
		})
	}
	return &ChoicePrompt{Form: &form}
}

func questionID(i int) string {
	return "q" + strconv.Itoa(i+1)
}
