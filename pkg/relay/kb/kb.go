// Package kb retrieves passages from a knowledge base and condenses them into
// short factual answers for the lookup service.
package kb

import (
	"context"
	"regexp"
	"strings"
)

// Result is one retrieved passage with its relevance score.
type Result struct {
	Content string
	Score   float64
}

// Retriever fetches the passages most relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, maxResults int) ([]Result, error)
}

// NoResultsAnswer is returned when retrieval comes back empty.
const NoResultsAnswer = "I apologize, but I couldn't find any relevant information in the knowledge base for your query."

type factPattern struct {
	re     *regexp.Regexp
	format func(val string) string
}

var factPatterns = []factPattern{
	{
		re:     regexp.MustCompile(`[Mm]inimum\s+age(?:\s+requirement)?(?:\s+is)?:\s*(\d+)\s*years?`),
		format: func(v string) string { return "Minimum age: " + v + " years" },
	},
	{
		re:     regexp.MustCompile(`CIBIL score(?:\s+of)?:\s*(\d+\+?)`),
		format: func(v string) string { return "Required credit score: " + v },
	},
	{
		re:     regexp.MustCompile(`[Mm]inimum(?:\s+loan\s+amount)?:\s*(?:INR|Rs\.?|₹)\s*([\d,]+)`),
		format: func(v string) string { return "Minimum loan amount: ₹" + v },
	},
	{
		re:     regexp.MustCompile(`[Mm]aximum(?:\s+loan\s+amount)?:\s*(?:INR|Rs\.?|₹)\s*([\d,]+)`),
		format: func(v string) string { return "Maximum loan amount: ₹" + v },
	},
	{
		re:     regexp.MustCompile(`[Ii]nterest\s+[Rr]ate(?:\s+range)?:.*?(\d+(?:\.\d+)?%.*?\d+(?:\.\d+)?%)`),
		format: func(v string) string { return "Interest rate: " + v },
	},
	{
		re:     regexp.MustCompile(`[Rr]epayment\s+[Pp]eriod:.*?(\d+\s*months.*?\d+\s*months)`),
		format: func(v string) string { return "Repayment period: " + v },
	},
	{
		re:     regexp.MustCompile(`[Pp]rocessing\s+[Ff]ee:.*?(\d+%.*?\d+%)`),
		format: func(v string) string { return "Processing fee: " + v },
	},
}

var sectionHeaders = []string{
	"Eligibility Criteria:",
	"Loan Amount Range:",
	"Interest Rates and Charges:",
	"Repayment Period:",
	"Processing Fee:",
	"Late Payment Penalties:",
}

// FormatResponse condenses retrieved passages into a short answer: known fact
// patterns first, then labeled sections, then the first paragraph of the top
// result.
func FormatResponse(results []Result) string {
	if len(results) == 0 {
		return NoResultsAnswer
	}

	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, r.Content)
	}
	all := strings.Join(parts, " ")

	var facts []string
	for _, p := range factPatterns {
		if m := p.re.FindStringSubmatch(all); len(m) > 1 && m[1] != "" {
			facts = append(facts, p.format(m[1]))
		}
	}
	if len(facts) > 0 {
		return strings.Join(facts, ". ")
	}

	if sections := extractSections(all); len(sections) > 0 {
		return strings.Join(sections, ". ")
	}

	content := results[0].Content
	if _, after, found := strings.Cut(content, "Based on the available information:"); found {
		content = strings.TrimSpace(after)
	}
	para, _, _ := strings.Cut(content, "\n\n")
	return para
}

// extractSections pulls out the labeled banking sections, each section
// running up to the next known header.
func extractSections(content string) []string {
	var sections []string
	for _, header := range sectionHeaders {
		start := strings.Index(content, header)
		if start < 0 {
			continue
		}
		end := len(content)
		for _, next := range sectionHeaders {
			if next == header {
				continue
			}
			if i := strings.Index(content[start+len(header):], next); i >= 0 {
				if abs := start + len(header) + i; abs < end {
					end = abs
				}
			}
		}
		sections = append(sections, strings.TrimSpace(content[start:end]))
	}
	return sections
}
