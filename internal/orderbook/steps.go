package orderbook

// StepKind tells the client what a step's data payload is.
type StepKind string

// Step kinds.
const (
	StepTransaction  StepKind = "transaction"
	StepSignature    StepKind = "signature"
	StepRequest      StepKind = "request"
	StepConfirmation StepKind = "confirmation"
)

// StepStatus marks progress through a step sequence.
type StepStatus string

// Step statuses: complete steps convey what the user already did, the first
// incomplete step carries the next wallet payload.
const (
	StepComplete   StepStatus = "complete"
	StepIncomplete StepStatus = "incomplete"
)

// Step is one entry of the ordered sequence a user must walk through to
// list, bid, fill or cancel.
type Step struct {
	Action      string      `json:"action"`
	Description string      `json:"description"`
	Status      StepStatus  `json:"status"`
	Kind        StepKind    `json:"kind"`
	Data        interface{} `json:"data,omitempty"`
}
