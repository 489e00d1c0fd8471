package calculator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Built-in calculator types
const (
	TypeCompoundInterest = "compound-interest"
	TypeLoan             = "loan"
)

// Input limits for the built-in calculators
const (
	MaxPrincipal      = 10_000_000.0
	MaxAnnualRate     = 20.0
	MaxYears          = 50
	MaxMonthlyPayment = 50_000.0
)

// Compounding frequencies
const (
	FrequencyMonthly   = "monthly"
	FrequencyQuarterly = "quarterly"
	FrequencyYearly    = "yearly"
)

// ValidationError lists every rule an input violated.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid input: " + strings.Join(e.Problems, "; ")
}

// CompoundInterestInput is the payload of a compound-interest record.
type CompoundInterestInput struct {
	Principal         float64 `json:"principal"`
	MonthlyPayment    float64 `json:"monthly_payment"`
	AnnualRate        float64 `json:"annual_rate"`
	Years             int     `json:"years"`
	CompoundFrequency string  `json:"compound_frequency"`
}

// YearlyBreakdown is one year of a compound-interest schedule.
type YearlyBreakdown struct {
	Year          int     `json:"year"`
	StartAmount   float64 `json:"start_amount"`
	Contributions float64 `json:"contributions"`
	Interest      float64 `json:"interest"`
	EndAmount     float64 `json:"end_amount"`
	GrowthRate    float64 `json:"growth_rate"`
}

// CompoundInterestResult is the output of a compound-interest record.
type CompoundInterestResult struct {
	FinalAmount        float64           `json:"final_amount"`
	TotalContributions float64           `json:"total_contributions"`
	TotalInterest      float64           `json:"total_interest"`
	AnnualReturn       float64           `json:"annual_return"`
	YearlyBreakdown    []YearlyBreakdown `json:"yearly_breakdown"`
}

// Validate checks the input against the calculator limits.
func (in *CompoundInterestInput) Validate() error {
	var problems []string
	if in.Principal <= 0 {
		problems = append(problems, "principal must be greater than 0")
	}
	if in.Principal > MaxPrincipal {
		problems = append(problems, fmt.Sprintf("principal must not exceed %.0f", MaxPrincipal))
	}
	if in.AnnualRate <= 0 {
		problems = append(problems, "annual_rate must be greater than 0")
	}
	if in.AnnualRate > MaxAnnualRate {
		problems = append(problems, fmt.Sprintf("annual_rate must not exceed %.0f%%", MaxAnnualRate))
	}
	if in.Years <= 0 {
		problems = append(problems, "years must be greater than 0")
	}
	if in.Years > MaxYears {
		problems = append(problems, fmt.Sprintf("years must not exceed %d", MaxYears))
	}
	if in.MonthlyPayment < 0 {
		problems = append(problems, "monthly_payment must not be negative")
	}
	if in.MonthlyPayment > MaxMonthlyPayment {
		problems = append(problems, fmt.Sprintf("monthly_payment must not exceed %.0f", MaxMonthlyPayment))
	}
	switch in.CompoundFrequency {
	case FrequencyMonthly, FrequencyQuarterly, FrequencyYearly:
	default:
		problems = append(problems, fmt.Sprintf("compound_frequency must be one of %s, %s, %s",
			FrequencyMonthly, FrequencyQuarterly, FrequencyYearly))
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// CompoundInterest computes a savings plan. With monthly compounding the
// monthly payment is added before each period's interest; with quarterly or
// yearly compounding twelve payments are added at year end.
func CompoundInterest(_ context.Context, raw json.RawMessage) (json.RawMessage, error) {
	in := CompoundInterestInput{CompoundFrequency: FrequencyMonthly}
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decode compound-interest input: %w", err)
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(compoundInterest(in))
}

func compoundInterest(in CompoundInterestInput) CompoundInterestResult {
	periods := 12
	switch in.CompoundFrequency {
	case FrequencyQuarterly:
		periods = 4
	case FrequencyYearly:
		periods = 1
	}
	ratePerPeriod := in.AnnualRate / 100 / float64(periods)
	monthly := in.CompoundFrequency == FrequencyMonthly

	current := in.Principal
	contributed := in.Principal
	breakdown := make([]YearlyBreakdown, 0, in.Years)

	for year := 1; year <= in.Years; year++ {
		start := current
		var yearContrib, yearInterest float64

		for p := 0; p < periods; p++ {
			if monthly && in.MonthlyPayment > 0 {
				current += in.MonthlyPayment
				yearContrib += in.MonthlyPayment
				contributed += in.MonthlyPayment
			}
			interest := current * ratePerPeriod
			current += interest
			yearInterest += interest
		}
		if !monthly && in.MonthlyPayment > 0 {
			annual := in.MonthlyPayment * 12
			current += annual
			yearContrib += annual
			contributed += annual
		}

		growth := 0.0
		if start > 0 {
			growth = (current - start) / start * 100
		}
		breakdown = append(breakdown, YearlyBreakdown{
			Year:          year,
			StartAmount:   roundCents(start),
			Contributions: roundCents(yearContrib),
			Interest:      roundCents(yearInterest),
			EndAmount:     roundCents(current),
			GrowthRate:    roundCents(growth),
		})
	}

	annualReturn := 0.0
	if contributed > 0 && in.Years > 0 {
		annualReturn = (math.Pow(current/contributed, 1/float64(in.Years)) - 1) * 100
	}
	return CompoundInterestResult{
		FinalAmount:        roundCents(current),
		TotalContributions: roundCents(contributed),
		TotalInterest:      roundCents(current - contributed),
		AnnualReturn:       roundCents(annualReturn),
		YearlyBreakdown:    breakdown,
	}
}

// roundCents rounds half away from zero to two decimals.
func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
