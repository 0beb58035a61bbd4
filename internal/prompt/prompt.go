package prompt

import (
	"fmt"
	"strings"
	"unicode"

	"paperchat/internal/models"
)

const (
	// InitialUploadMessage opens every thread created by an upload.
	InitialUploadMessage = "I've uploaded a research paper. Please analyze it and help me understand its key points."
	// PreferenceNotice is the inline notice appended after a preference change.
	PreferenceNotice = "User preference updated"
	// SummaryApology replaces a summary that could not be generated.
	SummaryApology = "Sorry, I couldn't generate a summary at this time. Please try asking me questions about the paper."
)

// DefaultSystemPrompt guides ordinary chat replies on the endpoint.
const DefaultSystemPrompt = `You are a helpful, friendly AI assistant.
Provide clear, concise, and accurate responses.
Format your responses using Markdown when appropriate.
If you don't know the answer to something, be honest about it.`

// PreferenceSummary is the compact preference line sent with suggestion requests.
func PreferenceSummary(p models.Preferences) string {
	return fmt.Sprintf("How familiar are you with the topic? %s\nWhat is your goal regarding this paper? %s", p.Familiarity, p.Goal)
}

// Instruction builds the leading turn of a chat request. A non-empty
// excerpt is appended verbatim after the base prompt.
func Instruction(p models.Preferences, excerpt string) string {
	var sb strings.Builder
	sb.WriteString("You are an AI assistant that is helping a user understand this research paper better. ")
	sb.WriteString("The user has provided you with the following information regarding their familiarity with the topic of the paper:\n\n")
	sb.WriteString(PreferenceSummary(p))
	sb.WriteString("\n\nUse the message history if there is anything relevant there. Format your responses in markdown when applicable.\n\n")
	sb.WriteString("Answer the user's question to the best of your ability.")
	if excerpt != "" {
		sb.WriteString("\n\nThe user has highlighted the following excerpt from the paper. Use it as additional context for their next question:\n\n")
		sb.WriteString(excerpt)
	}
	return sb.String()
}

type styleKey struct {
	familiarity models.Familiarity
	goal        models.Goal
}

var summaryTemplates = map[styleKey]string{
	{models.FamiliarityBeginner, models.GoalSkim}: "Write a brief, high-level summary of this research paper for a newcomer to the field. " +
		"Use plain language with no jargon and no equations; if a technical term is unavoidable, explain it in everyday words. " +
		"Cover the problem, the main idea and why it matters in at most five short bullet points.",
	{models.FamiliarityBeginner, models.GoalDeepDive}: "Write a thorough but approachable walkthrough of this research paper for a reader new to the field. " +
		"Define each technical term the first time it appears and build intuition with analogies before details. " +
		"Go section by section through the problem, the method, the experiments, the results and the limitations.",
	{models.FamiliarityExpert, models.GoalSkim}: "Write a concise technical summary of this research paper for a domain expert. " +
		"State the core contribution, the key method, the headline results with their numbers and how the work differs from prior art. " +
		"Use precise terminology and keep it under 200 words.",
	{models.FamiliarityExpert, models.GoalDeepDive}: "Write a comprehensive technical analysis of this research paper for a domain expert. " +
		"Cover the formal problem setup, the method including its key equations and assumptions, the experimental design, " +
		"the quantitative results and ablations, threats to validity, limitations and open research questions.",
}

// SummaryTemplate selects the summary instruction for the reader's style.
// Unknown values fall back to the defaults.
func SummaryTemplate(p models.Preferences) string {
	if tmpl, ok := summaryTemplates[styleKey{p.Familiarity, p.Goal}]; ok {
		return tmpl
	}
	d := models.DefaultPreferences()
	return summaryTemplates[styleKey{d.Familiarity, d.Goal}]
}

// SummaryRequest stands in for the summary trigger on the model side.
const SummaryRequest = "Please summarize this research paper following the instructions."

// SuggestionRequest closes a suggestion prompt.
const SuggestionRequest = "Suggest follow-up questions I could ask next."

// TitleInstruction asks for a short title in JSON.
const TitleInstruction = `Read the attached research paper and produce a short title for a chat about it.
The title must be 2 to 4 words, without quotes or trailing punctuation.
Respond only with a JSON object of the form {"title": "..."}.`

// SuggestionInstruction asks for follow-up questions in JSON.
func SuggestionInstruction(preferenceSummary, excerpt string) string {
	var sb strings.Builder
	sb.WriteString("You suggest follow-up questions a reader could ask about the attached research paper.\n")
	if preferenceSummary != "" {
		sb.WriteString("The reader described themselves as follows:\n")
		sb.WriteString(preferenceSummary)
		sb.WriteString("\n")
	}
	if excerpt != "" {
		sb.WriteString("The reader highlighted this excerpt, so favour questions about it:\n")
		sb.WriteString(excerpt)
		sb.WriteString("\n")
	}
	sb.WriteString("Consider the recent conversation and avoid questions that were already answered.\n")
	sb.WriteString(`Return between 3 and 7 short questions as a JSON object of the form {"suggestions": ["...", "..."]}.`)
	return sb.String()
}

const (
	MinSuggestions = 3
	MaxSuggestions = 7
	maxTitleWords  = 4
)

// CleanTitle trims a model-produced title to at most four words.
func CleanTitle(raw string) string {
	line := strings.TrimSpace(raw)
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimPrefix(line, "Title:")
	line = strings.Trim(line, "\"'`* ")
	words := strings.FieldsFunc(line, unicode.IsSpace)
	if len(words) > maxTitleWords {
		words = words[:maxTitleWords]
	}
	title := strings.Join(words, " ")
	return strings.Trim(title, "\"'`*.,:;!? ")
}

// CleanSuggestions drops blank entries and caps the list.
func CleanSuggestions(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
		if len(out) == MaxSuggestions {
			break
		}
	}
	return out
}
