// Package lookup resolves user utterances into authoritative answers. The
// reconciler issues a lookup for every user utterance; when the answer marks
// a fact query, it overrides the model's own generated text.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/vango-go/voice-relay/pkg/relay/classify"
	"github.com/vango-go/voice-relay/pkg/relay/kb"
	"github.com/vango-go/voice-relay/pkg/relay/store"
)

// Answer is the resolved authoritative response for one utterance.
type Answer struct {
	Text        string
	Category    string
	IsFactQuery bool
}

// Service resolves utterances. Implementations must be safe for concurrent
// use; the session loop calls Query from a goroutine per utterance.
type Service interface {
	Query(ctx context.Context, text, identityKey string) (Answer, error)
}

// Canned answers for the fixed fact categories.
const (
	answerAge         = "The minimum age requirement to apply for a loan is 21 years."
	answerLoanAmount  = "The loan amount range is from ₹10,000 (minimum) to ₹25,00,000 (maximum)."
	answerFees        = "The processing fee is 1% to 2% of the loan amount. GST is applicable on processing and foreclosure charges."
	answerInterest    = "The interest rate ranges from 10% to 24% per annum depending on loan type and creditworthiness."
	answerEligibility = "Eligibility Criteria:\n- Minimum age requirement: 21 years\n- CIBIL score: 650+\n- Stable income source and valid KYC documents"
	answerNoScore     = "The minimum credit score required is 650+."
)

// Resolver is the concrete Service: canned category answers first, customer
// record facts where the category needs them, knowledge base retrieval for
// everything else.
type Resolver struct {
	Classify  classify.Func
	Customers store.Store
	KB        kb.Retriever
	Log       *slog.Logger

	// MaxResults caps knowledge base retrieval; zero means the default.
	MaxResults int
}

func NewResolver(classifier classify.Func, customers store.Store, retriever kb.Retriever, log *slog.Logger) *Resolver {
	if classifier == nil {
		classifier = classify.Default()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{Classify: classifier, Customers: customers, KB: retriever, Log: log}
}

func (r *Resolver) Query(ctx context.Context, text, identityKey string) (Answer, error) {
	res := r.Classify(text)
	ans := Answer{Category: res.Category, IsFactQuery: res.IsFactQuery}

	switch res.Category {
	case classify.CategoryAgeRequirement:
		ans.Text = answerAge
	case classify.CategoryLoanAmount:
		ans.Text = answerLoanAmount
	case classify.CategoryProcessingFee:
		ans.Text = answerFees
	case classify.CategoryInterestRate:
		ans.Text = answerInterest
	case classify.CategoryEligibility:
		ans.Text = answerEligibility
	case classify.CategoryCreditScore:
		ans.Text = r.creditScoreAnswer(ctx, identityKey)
	case classify.CategoryLoanSummary:
		ans.Text = r.loanSummaryAnswer(ctx, identityKey)
	default:
		text, err := r.retrieve(ctx, text)
		if err != nil {
			return Answer{}, err
		}
		ans.Text = text
	}
	return ans, nil
}

func (r *Resolver) creditScoreAnswer(ctx context.Context, identityKey string) string {
	if identityKey != "" && r.Customers != nil {
		c, err := r.Customers.LookupByKey(ctx, identityKey)
		if err == nil {
			return fmt.Sprintf("Your credit score is %d.", c.CreditScore)
		}
		if !errors.Is(err, store.ErrNotFound) {
			r.Log.Error("customer lookup failed", "identity_key", identityKey, "error", err)
		}
	}
	return answerNoScore
}

func (r *Resolver) loanSummaryAnswer(ctx context.Context, identityKey string) string {
	if identityKey == "" || r.Customers == nil {
		return "No active loans found for this phone number."
	}
	c, err := r.Customers.LookupByKey(ctx, identityKey)
	if err != nil || len(c.Loans) == 0 {
		return "No active loans found for this phone number."
	}

	var b strings.Builder
	b.WriteString("Here are your loan details:\n")
	for _, loan := range c.Loans {
		fmt.Fprintf(&b, "\n• Loan ID: %s\n• Type: %s\n• Amount: ₹%d\nStatus: %s\nDue Date: %s\n",
			loan.LoanID, loan.LoanType, loan.Amount, loan.Status, loan.DueDate)
	}
	return b.String()
}

var importantSentence = regexp.MustCompile(`(?i)\d|[₹$€£]|minimum|maximum|eligibility|score|interest|rate|period|fee|age|years|months`)

// retrieve answers general queries from the knowledge base, keeping the
// sentences that carry concrete facts.
func (r *Resolver) retrieve(ctx context.Context, query string) (string, error) {
	if r.KB == nil {
		return kb.NoResultsAnswer, nil
	}
	max := r.MaxResults
	if max <= 0 {
		max = 10
	}
	results, err := r.KB.Retrieve(ctx, query, max)
	if err != nil {
		return "", fmt.Errorf("lookup retrieve: %w", err)
	}
	return condense(kb.FormatResponse(results)), nil
}

// condense keeps short answers whole and trims longer ones to their three
// most factual sentences.
func condense(text string) string {
	sentences := strings.Split(text, ".")
	if len(sentences) <= 3 {
		return text
	}

	var important []string
	for _, s := range sentences {
		if importantSentence.MatchString(s) {
			important = append(important, s)
		}
	}
	picked := important
	if len(picked) == 0 {
		picked = sentences
	}
	if len(picked) > 3 {
		picked = picked[:3]
	}
	return strings.Join(picked, ".") + "."
}
