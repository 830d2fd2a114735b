package harness

// Step kinds recorded in the trace.
const (
	KindSubmit = "submit"
	KindReplay = "replay"
	KindTamper = "tamper"
)

// TraceEvent is the observable outcome of one step.
type TraceEvent struct {
	Step          int      `json:"step"`
	Kind          string   `json:"kind"`
	RunID         string   `json:"run_id"`
	Status        string   `json:"status,omitempty"`
	ErrorCode     string   `json:"error_code,omitempty"`
	FeeTotal      int64    `json:"fee_total,omitempty"`
	StateHash     string   `json:"state_hash,omitempty"`
	ReceiptHashes []string `json:"receipt_hashes,omitempty"`
	OK            *bool    `json:"ok,omitempty"`
	Diffs         []string `json:"diffs,omitempty"`
	Field         string   `json:"field,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace has one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors is empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step outcome.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
