// Package templates holds the canned offline answers for chat prompts
// and the trigger-phrase matcher that picks one.
package templates

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/tidwall/jsonc"

	"github.com/pario-ai/offlinekit/pkg/models"
)

// Defaults returns the built-in template set, ordered by category.
func Defaults() []models.TemplateRecord {
	out := []models.TemplateRecord{
		{
			Category: "memo-internal",
			Triggers: []string{"internal memo", "memo to", "company memo", "staff memo"},
			Body: "Here is a structure for your internal memo while we are offline:\n\n" +
				"TO: [recipient]\nFROM: [you]\nDATE: [today]\nSUBJECT: [one line summary]\n\n" +
				"1. Purpose: state the decision or update in one sentence.\n" +
				"2. Background: two or three facts the reader needs.\n" +
				"3. Action: what you need from the reader and by when.\n\n" +
				"I will draft the full memo when the connection is back.",
		},
		{
			Category: "email-reply",
			Triggers: []string{"reply to this email", "draft an email", "write an email", "email reply", "respond to this email"},
			Body: "A reply that works in most cases:\n\n" +
				"Hi [name],\n\nThanks for your message. [Answer the main question in one or two sentences.] " +
				"[Mention the next step and a date.]\n\nBest,\n[you]\n\n" +
				"This is an offline template. Ask again once you are online for a tailored draft.",
		},
		{
			Category: "meeting-notes",
			Triggers: []string{"meeting notes", "meeting summary", "summarize the meeting", "action items", "meeting agenda"},
			Body: "Meeting notes template:\n\n" +
				"Attendees:\nGoal of the meeting:\nDecisions made:\nAction items (owner, due date):\nOpen questions:\n\n" +
				"Fill in what you have and I will tidy it up when the connection returns.",
		},
		{
			Category: "brainstorm",
			Triggers: []string{"brainstorm", "give me ideas", "ideas for", "list some ideas"},
			Body: "A quick way to brainstorm offline:\n\n" +
				"1. Write the goal as a question.\n2. List ten answers without judging them.\n" +
				"3. Group similar ones.\n4. Pick the two most promising and note the first step for each.\n\n" +
				"I can expand on your list once we are back online.",
		},
		{
			Category: "translation",
			Triggers: []string{"translate", "translation of"},
			Body: "Translation needs the live service. Your text is kept in this conversation; " +
				"send it again when the connection is restored.",
		},
		{
			Category: "code-help",
			Triggers: []string{"write a function", "debug this", "fix this code", "code review", "stack trace"},
			Body: "While offline, a checklist for the code question:\n\n" +
				"1. Reproduce with the smallest input.\n2. Read the first error, not the last.\n" +
				"3. Check recent changes to the lines involved.\n4. Add a test that fails before the fix.\n\n" +
				"Ask again when online for a line-by-line answer.",
		},
		{
			Category: "greeting",
			Triggers: []string{"hello", "good morning", "good afternoon", "good evening"},
			Body:     "Hello! You are offline right now, so my answers are limited to saved content and templates.",
		},
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// Match is the outcome of scoring a prompt against the template set.
type Match struct {
	Template models.TemplateRecord
	Phrase   string
}

// Find returns the template whose matched trigger phrase is longest in
// runes. Equal lengths resolve to the lowest category key. Templates
// without a body never match.
func Find(prompt string, set []models.TemplateRecord) (Match, bool) {
	text := " " + normalize(prompt) + " "

	var (
		best    Match
		bestLen int
		found   bool
	)
	for _, t := range set {
		if t.Body == "" {
			continue
		}
		for _, trigger := range t.Triggers {
			phrase := normalize(trigger)
			if phrase == "" || !strings.Contains(text, " "+phrase+" ") {
				continue
			}
			n := utf8.RuneCountInString(phrase)
			if !found || n > bestLen || (n == bestLen && t.Category < best.Template.Category) {
				best = Match{Template: t, Phrase: phrase}
				bestLen = n
				found = true
			}
		}
	}
	return best, found
}

// normalize lowercases s and turns every run of non-word runes into a
// single space so phrases match on word boundaries.
func normalize(s string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(mapped), " ")
}

type pack struct {
	Templates []models.TemplateRecord `json:"templates"`
}

// Parse decodes a template pack. The document may be JSON with comments
// and trailing commas, either {"templates":[...]} or a bare array.
func Parse(data []byte) ([]models.TemplateRecord, error) {
	clean := jsonc.ToJSON(data)

	var recs []models.TemplateRecord
	trimmed := strings.TrimSpace(string(clean))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(clean, &recs); err != nil {
			return nil, fmt.Errorf("parse template pack: %w", err)
		}
	} else {
		var p pack
		if err := json.Unmarshal(clean, &p); err != nil {
			return nil, fmt.Errorf("parse template pack: %w", err)
		}
		recs = p.Templates
	}

	seen := make(map[string]bool, len(recs))
	for i, t := range recs {
		if t.Category == "" {
			return nil, fmt.Errorf("template %d: category cannot be empty", i)
		}
		if seen[t.Category] {
			return nil, fmt.Errorf("template %q: duplicate category", t.Category)
		}
		if t.Body == "" {
			return nil, fmt.Errorf("template %q: body cannot be empty", t.Category)
		}
		if len(t.Triggers) == 0 {
			return nil, fmt.Errorf("template %q: at least one trigger required", t.Category)
		}
		seen[t.Category] = true
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Category < recs[j].Category })
	return recs, nil
}

// LoadPack reads a template pack file.
func LoadPack(path string) ([]models.TemplateRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template pack: %w", err)
	}
	return Parse(data)
}
