package calculator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
)

// LoanInput is the payload of an annuity loan record.
type LoanInput struct {
	Principal  float64 `json:"principal"`
	AnnualRate float64 `json:"annual_rate"`
	Years      int     `json:"years"`
}

// LoanResult is the output of an annuity loan record.
type LoanResult struct {
	MonthlyPayment float64 `json:"monthly_payment"`
	TotalPaid      float64 `json:"total_paid"`
	TotalInterest  float64 `json:"total_interest"`
	Months         int     `json:"months"`
}

// Validate checks the input against the calculator limits.
func (in *LoanInput) Validate() error {
	var problems []string
	if in.Principal <= 0 || in.Principal > MaxPrincipal {
		problems = append(problems, fmt.Sprintf("principal must be in (0, %.0f]", MaxPrincipal))
	}
	if in.AnnualRate < 0 || in.AnnualRate > MaxAnnualRate {
		problems = append(problems, fmt.Sprintf("annual_rate must be in [0, %.0f]", MaxAnnualRate))
	}
	if in.Years <= 0 || in.Years > MaxYears {
		problems = append(problems, fmt.Sprintf("years must be in (0, %d]", MaxYears))
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Loan computes the constant monthly payment of an annuity loan.
func Loan(_ context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in LoanInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decode loan input: %w", err)
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	months := in.Years * 12
	r := in.AnnualRate / 100 / 12
	payment := in.Principal / float64(months)
	if r > 0 {
		payment = in.Principal * r / (1 - math.Pow(1+r, -float64(months)))
	}
	total := payment * float64(months)
	return json.Marshal(LoanResult{
		MonthlyPayment: roundCents(payment),
		TotalPaid:      roundCents(total),
		TotalInterest:  roundCents(total - in.Principal),
		Months:         months,
	})
}
