// Package prompt assembles the system prompt sent to the speech model when a
// session configures its conversation.
package prompt

import (
	"fmt"
	"strings"

	"github.com/vango-go/voice-relay/pkg/relay/store"
)

const base = `You are a helpful banking assistant. Your role is to provide clear, concise, and accurate information about banking products and services.`

const guidelines = `Key Guidelines:
1. Keep responses brief and to the point - typically 1-2 sentences
2. Only answer questions that are directly related to banking
3. If asked about information not in the knowledge base, simply state that you don't have that specific information
4. Focus on providing factual information from the knowledge base
5. Avoid speculation or providing information beyond what's in the knowledge base`

const internalReference = `### INTERNAL REFERENCE ONLY - DO NOT DISPLAY THIS INFORMATION DIRECTLY TO THE USER ###
Eligibility Criteria:
- Minimum age requirement: 21 years (this is a strict requirement)
- CIBIL score: 650+ for personal and business loans
- Stable income source and valid KYC documents

Loan Amount Range:
- Minimum: INR 10,000
- Maximum: INR 25,00,000

Repayment Period:
- Ranges from 3 months to 60 months depending on loan type.

Interest Rates and Charges:
- Interest Rate: Ranges between 10% to 24% per annum depending on loan type and creditworthiness.
- Processing Fee: 1% to 2% of the loan amount.
- Late Payment Fee: 2% per month on overdue EMIs.
- GST: Applicable on processing and foreclosure charges.
### END OF INTERNAL REFERENCE ###`

const closing = `Remember: Quality over quantity. It's better to give a short, accurate answer than a long, comprehensive one that may include irrelevant information. When answering loan-related questions, use the internal reference information to provide accurate details but DO NOT directly paste these details verbatim in your response. For age-related queries, always use the minimum age of 21 years as specified in the internal reference.`

// System builds the full system prompt, personalized when a customer record
// is available.
func System(customer *store.Customer) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n")

	if customer != nil {
		b.WriteString("\nCurrent User: ")
		b.WriteString(userInfo(*customer))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(guidelines)
	if customer != nil {
		b.WriteString("\n6. Use the customer information provided above to personalize responses and make loan recommendations")
	}
	b.WriteString("\n\n")
	b.WriteString(internalReference)
	b.WriteString("\n\n")
	b.WriteString(closing)
	return b.String()
}

func userInfo(c store.Customer) string {
	var loans strings.Builder
	for i, loan := range c.Loans {
		fmt.Fprintf(&loans, "\n      Loan %d: %s (%s)\n      - Amount: ₹%d\n      - Status: %s\n      - Due Date: %s",
			i+1, loan.LoanType, loan.LoanID, loan.Amount, loan.Status, loan.DueDate)
	}
	loansInfo := loans.String()
	if loansInfo == "" {
		loansInfo = " No loans found"
	}

	var bank strings.Builder
	for _, acct := range c.BankDetails {
		fmt.Fprintf(&bank, "\n    - Account Type: %s\n    - Bank: %s\n    - IFSC: %s",
			acct.AccountType, acct.BankName, acct.IFSCCode)
	}

	return fmt.Sprintf(`
Logged in as: %s | Phone: %s | Credit Score: %d
Customer Details:
  - Name: %s
  - Customer ID: %s
  - Credit Score: %d
  - Income: ₹%d
  - Bank Details:%s
  - Loans:%s`,
		c.Name, c.PhoneNumber, c.CreditScore,
		c.Name, c.CustomerID, c.CreditScore, c.IncomeINR,
		bank.String(), loansInfo)
}
