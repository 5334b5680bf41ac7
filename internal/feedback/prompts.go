package feedback

import (
	"fmt"
	"regexp"
	"strings"
)

// languageNames turns ISO codes into prompt-friendly English names.
// Unknown codes fall back to their upper-cased form.
var languageNames = map[string]string{
	"fr": "French",
	"es": "Spanish",
	"de": "German",
	"it": "Italian",
	"pt": "Portuguese",
	"nl": "Dutch",
	"sv": "Swedish",
	"no": "Norwegian",
	"da": "Danish",
	"ru": "Russian",
	"ja": "Japanese",
	"ko": "Korean",
	"zh": "Chinese",
	"ar": "Arabic",
	"en": "English",
}

func languageName(code string) string {
	if name, ok := languageNames[strings.ToLower(code)]; ok {
		return name
	}
	return strings.ToUpper(code)
}

// explainPromptInput carries everything the word-explanation template
// needs.
type explainPromptInput struct {
	TargetLanguage    string
	NativeLanguage    string
	CEFRLevel         string
	TargetWord        string
	NativeTranslation string
	GrammarTags       []string
	ErrorPattern      string
	KnownSimilarWords []string
}

func buildExplainPrompt(in explainPromptInput) string {
	tags := "none identified"
	if len(in.GrammarTags) > 0 {
		tags = strings.Join(in.GrammarTags, ", ")
	}
	known := "none available"
	if len(in.KnownSimilarWords) > 0 {
		words := in.KnownSimilarWords
		if len(words) > 5 {
			words = words[:5]
		}
		known = strings.Join(words, ", ")
	}
	translation := in.NativeTranslation
	if translation == "" {
		translation = "translation unavailable"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are a %s language tutor for a native %s speaker at %s level.\n",
		languageName(in.TargetLanguage), languageName(in.NativeLanguage), in.CEFRLevel)
	fmt.Fprintf(&b, "The learner keeps making errors with the word: %q (%s)\n", in.TargetWord, translation)
	fmt.Fprintf(&b, "Grammar tags: %s\n", tags)
	fmt.Fprintf(&b, "Their specific error pattern: %s\n", in.ErrorPattern)
	fmt.Fprintf(&b, "Words they know well (for analogy): %s\n", known)
	b.WriteString("Write a personalized explanation in 2-3 sentences maximum. " +
		"Use an analogy to a word they already know if possible. " +
		"End with one example sentence using only vocabulary at their level. " +
		"Do not use markdown.")
	return b.String()
}

// grammarPromptInput carries the grammar example-sentence template
// parameters.
type grammarPromptInput struct {
	TargetLanguage     string
	NativeLanguage     string
	CEFRLevel          string
	GrammarConcept     string
	GrammarExplanation string
	KnownWords         []string
}

func buildGrammarPrompt(in grammarPromptInput) string {
	target := languageName(in.TargetLanguage)
	native := languageName(in.NativeLanguage)

	known := "basic vocabulary"
	if len(in.KnownWords) > 0 {
		words := in.KnownWords
		if len(words) > 30 {
			words = words[:30]
		}
		known = strings.Join(words, ", ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are a %s language tutor for a native %s speaker at %s level.\n",
		target, native, in.CEFRLevel)
	fmt.Fprintf(&b, "The learner just completed a grammar lesson on: %s\n", in.GrammarConcept)
	if in.GrammarExplanation != "" {
		fmt.Fprintf(&b, "Lesson summary: %s\n", in.GrammarExplanation)
	}
	fmt.Fprintf(&b, "The learner knows these words: %s\n\n", known)
	fmt.Fprintf(&b, "Write exactly 3 example sentences in %s that demonstrate this grammar concept. Rules:\n", target)
	b.WriteString("1. Use ONLY vocabulary the learner already knows (listed above)\n")
	b.WriteString("2. Each sentence should show a different usage of the grammar concept\n")
	b.WriteString("3. Order from simplest to most complex\n")
	fmt.Fprintf(&b, "4. After each %s sentence, add the %s translation in parentheses\n", target, native)
	b.WriteString("5. Do not use markdown, numbered lists, or bullet points\n")
	b.WriteString("6. Separate each sentence pair with a blank line\n")
	b.WriteString("Do not include any other text or explanation.")
	return b.String()
}

// sentenceBoundary splits prose after terminal punctuation.
var sentenceBoundary = regexp.MustCompile(`(?:[.!?])\s+`)

// parseExplainResponse splits generated text into the explanation body
// and the trailing example sentence.
func parseExplainResponse(text string) (explanation, example string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "Unable to generate explanation.", ""
	}

	lines := nonEmptyLines(text, "\n")
	if len(lines) >= 2 {
		return strings.Join(lines[:len(lines)-1], " "), lines[len(lines)-1]
	}

	sentences := splitSentences(text)
	if len(sentences) >= 2 {
		return strings.Join(sentences[:len(sentences)-1], " "), sentences[len(sentences)-1]
	}
	return text, ""
}

// parseGrammarResponse extracts up to three example sentences.
// Paragraph breaks are preferred; single lines are the fallback, with
// bare list numbers filtered out.
func parseGrammarResponse(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	paragraphs := nonEmptyLines(text, "\n\n")
	if len(paragraphs) >= 3 {
		return paragraphs[:3]
	}

	var sentences []string
	for _, line := range nonEmptyLines(text, "\n") {
		if len(line) <= 10 || isListNumber(line) {
			continue
		}
		sentences = append(sentences, line)
	}
	if len(sentences) > 3 {
		sentences = sentences[:3]
	}
	return sentences
}

func nonEmptyLines(text, sep string) []string {
	var out []string
	for _, part := range strings.Split(text, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func splitSentences(text string) []string {
	var out []string
	rest := text
	for {
		loc := sentenceBoundary.FindStringIndex(rest)
		if loc == nil {
			break
		}
		// Keep the punctuation, drop the whitespace.
		out = append(out, strings.TrimSpace(rest[:loc[0]+1]))
		rest = rest[loc[1]:]
	}
	if trimmed := strings.TrimSpace(rest); trimmed != "" {
		out = append(out, trimmed)
	}
	return out
}

func isListNumber(line string) bool {
	trimmed := strings.TrimRight(strings.TrimSpace(line), ".):")
	if trimmed == "" {
		return false
	}
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
