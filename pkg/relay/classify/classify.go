// Package classify categorizes user utterances so the reconciler knows
// whether an authoritative answer should override the model's own text.
package classify

import "strings"

// Result is the classification of one utterance. IsFactQuery marks the
// categories whose answers must come from the lookup service verbatim.
type Result struct {
	IsFactQuery bool
	Category    string
}

// Func classifies an utterance. Implementations must be pure and fast; the
// session loop calls them inline.
type Func func(text string) Result

// Category names. These travel on transcript messages and outbound text
// frames, so they are part of the client contract.
const (
	CategoryPersonalInfo    = "personal_info"
	CategoryCreditScore     = "credit_score"
	CategoryAgeRequirement  = "age_requirement"
	CategoryLoanAmount      = "loan_amount"
	CategoryProcessingFee   = "processing_fee"
	CategoryInterestRate    = "interest_rate"
	CategoryLoanSummary     = "loan_summary"
	CategoryEligibility     = "eligibility"
	CategoryGeneralLoan     = "general_loan"
	CategoryPersonalAccount = "personal_account"
	CategoryGeneralBanking  = "general_banking"
)

// Default returns the keyword classifier. Category precedence is fixed:
// the first matching bucket wins, so "my credit score" is credit_score, not
// personal_account.
func Default() Func {
	return func(text string) Result {
		q := strings.ToLower(text)
		has := func(subs ...string) bool {
			for _, s := range subs {
				if strings.Contains(q, s) {
					return true
				}
			}
			return false
		}

		personalInfo := has("my name", "my account", "my details", "my information")
		creditScore := has("credit score", "cibil score", "credit rating") ||
			(has("credit") && has("score"))
		age := has("minimum age", "age requirement", "how old", "age limit") ||
			(has("age") && has("apply"))
		loanAmount := has("loan amount", "minimum loan", "maximum loan", "minimum and maximum",
			"how much can i borrow", "how much loan") ||
			(has("loan") && has("amount"))
		fee := has("processing fee", "fees", "fee", "charges")
		interest := has("interest rate", "interest", "rate of interest")
		loanSummary := (has("my") && has("loan")) ||
			has("loan status", "loan summary", "my current loans", "show me my loans")
		eligibility := has("eligibility", "criteria", "requirement", "qualify")
		generalLoan := has("loan") && !loanAmount && !loanSummary
		personal := personalInfo || creditScore || loanSummary || has("my", "account", "balance")

		fact := age || eligibility || loanAmount || fee || interest || creditScore

		var category string
		switch {
		case personalInfo:
			category = CategoryPersonalInfo
		case creditScore:
			category = CategoryCreditScore
		case age:
			category = CategoryAgeRequirement
		case loanAmount:
			category = CategoryLoanAmount
		case fee:
			category = CategoryProcessingFee
		case interest:
			category = CategoryInterestRate
		case loanSummary:
			category = CategoryLoanSummary
		case eligibility:
			category = CategoryEligibility
		case generalLoan:
			category = CategoryGeneralLoan
		case personal:
			category = CategoryPersonalAccount
		default:
			category = CategoryGeneralBanking
		}

		return Result{IsFactQuery: fact, Category: category}
	}
}
