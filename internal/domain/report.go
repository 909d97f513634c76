package domain

// DateLayout is the canonical wire format for dates sent to ERPNext.
const DateLayout = "2006-01-02"

type Periodicity string

const (
	PeriodicityDaily      Periodicity = "Daily"
	PeriodicityWeekly     Periodicity = "Weekly"
	PeriodicityMonthly    Periodicity = "Monthly"
	PeriodicityQuarterly  Periodicity = "Quarterly"
	PeriodicityHalfYearly Periodicity = "Half-yearly"
	PeriodicityYearly     Periodicity = "Yearly"
)

var Periodicities = []Periodicity{
	PeriodicityDaily,
	PeriodicityWeekly,
	PeriodicityMonthly,
	PeriodicityQuarterly,
	PeriodicityHalfYearly,
	PeriodicityYearly,
}

func (p Periodicity) Valid() bool {
	for _, candidate := range Periodicities {
		if p == candidate {
			return true
		}
	}
	return false
}

// ReportRequest carries the common report parameters plus report-specific
// filters such as account, party, party_type and group_by.
type ReportRequest struct {
	Company     string
	FromDate    string
	ToDate      string
	Periodicity Periodicity
	Filters     map[string]any
}

type ReportResult struct {
	Result     []map[string]any `json:"result"`
	Columns    []string         `json:"columns"`
	ReportName string           `json:"report_name"`
	Company    string           `json:"company"`
	FromDate   string           `json:"from_date"`
	ToDate     string           `json:"to_date"`
}
