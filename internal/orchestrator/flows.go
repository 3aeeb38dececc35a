package orchestrator

// Enrichment calls an external tool during Retrieve when the query metadata
// carries MetadataKey. The value is passed to the tool as Argument.
type Enrichment struct {
	Tool        string
	MetadataKey string
	Argument    string
}

// Flow is the per-use-case configuration the state machine runs.
type Flow struct {
	UseCase      string
	Description  string
	SystemPrompt string
	Source       string
	TopK         int
	Enrichments  []Enrichment
}

func SupportFlow() Flow {
	return Flow{
		UseCase:     "support",
		Description: "Answer a customer support message using the support knowledge base.",
		SystemPrompt: "You are a helpful support copilot. Answer using ONLY the context provided. " +
			"If you are unsure, say you are unsure and recommend escalation.",
		Source: "kb",
		TopK:   5,
		Enrichments: []Enrichment{
			{Tool: "crm.lookup_customer", MetadataKey: "customer_id", Argument: "customer_id"},
		},
	}
}

func HRFlow() Flow {
	return Flow{
		UseCase:     "hr",
		Description: "Answer an employee question about HR policies, benefits or procedures.",
		SystemPrompt: "You are an HR policy copilot. Answer the employee using ONLY the policy context provided. " +
			"If the policies do not cover the question, say so and recommend escalation to HR.",
		Source: "policies",
		TopK:   5,
		Enrichments: []Enrichment{
			{Tool: "hr.get_employee_benefits", MetadataKey: "employee_id", Argument: "employee_id"},
		},
	}
}

func LegalFlow() Flow {
	return Flow{
		UseCase:     "legal",
		Description: "Review a contract and provide a risk analysis.",
		SystemPrompt: "You are a legal review copilot. Summarize the contract, rate its overall risk " +
			"and flag risky clauses, using ONLY the reference clauses in the context. " +
			"Recommend escalation to counsel for any high or unacceptable risk.",
		Source: "contracts",
		TopK:   8,
	}
}

// DefaultFlows returns the built-in use cases.
func DefaultFlows() []Flow {
	return []Flow{SupportFlow(), HRFlow(), LegalFlow()}
}
