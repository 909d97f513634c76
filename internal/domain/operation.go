package domain

// OperationKind is the remote call shape a business operation is expressed as.
type OperationKind string

const (
	KindCreate    OperationKind = "create"
	KindUpdate    OperationKind = "update"
	KindSubmit    OperationKind = "submit"
	KindList      OperationKind = "list"
	KindGet       OperationKind = "get"
	KindRunReport OperationKind = "run_report"
)

func (k OperationKind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindSubmit, KindList, KindGet, KindRunReport:
		return true
	default:
		return false
	}
}

// OperationDescriptor identifies one business operation. Descriptors are built
// once from the catalog and never mutated afterwards.
type OperationDescriptor struct {
	Name     string        `json:"name"`
	Domain   string        `json:"domain"`
	DocType  string        `json:"doctype,omitempty"`
	Kind     OperationKind `json:"kind"`
	FieldMap string        `json:"field_map"`
	// ReportType pins a report operation to one report. Empty means the caller
	// supplies report_type.
	ReportType string `json:"report_type,omitempty"`
	// Raw report operations call the named query report directly, without
	// report definitions or the list fallback.
	Raw bool `json:"raw,omitempty"`
	// Subject is the human name used in success messages.
	Subject string `json:"subject,omitempty"`
	// Verb replaces the kind's default verb in success messages.
	Verb        string `json:"-"`
	Description string `json:"description,omitempty"`
}
