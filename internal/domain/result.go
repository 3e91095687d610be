package domain

// Outcome is the typed result of one component step.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// SkipReason explains a skipped outcome so callers can reconcile later.
type SkipReason string

const (
	SkipNone               SkipReason = ""
	SkipAlreadyProcessed   SkipReason = "already_processed"
	SkipBelowThreshold     SkipReason = "below_threshold"
	SkipAlreadySynthesized SkipReason = "already_synthesized"
	SkipAlreadyQualified   SkipReason = "already_qualified"
	SkipUnlinkedPerson     SkipReason = "unlinked_person"
	SkipAlreadyApplied     SkipReason = "already_applied"
	SkipNotConfirmed       SkipReason = "not_fraud_confirmed"
	SkipNoVerdict          SkipReason = "no_verdict"
)

// Workflow step names.
const (
	StepRecordEvent = "record_event"
	StepAnalysis    = "analysis"
	StepTampering   = "tampering"
	StepHistorique  = "historique"
	StepAlert       = "alert"
	StepRisk        = "risk"
)

// StepResult reports the outcome of one workflow step.
type StepResult struct {
	Step    string     `json:"step"`
	Outcome Outcome    `json:"outcome"`
	Reason  SkipReason `json:"reason,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// ProcessingStatus summarizes a whole workflow run.
type ProcessingStatus string

const (
	ProcessingSuccess ProcessingStatus = "success"
	ProcessingPartial ProcessingStatus = "partial"
	ProcessingFailed  ProcessingStatus = "failed"
	ProcessingPending ProcessingStatus = "pending"
)

// RiskImpact describes one applied or skipped risk profile update.
type RiskImpact struct {
	AlertID       string     `json:"alertId"`
	AssureID      string     `json:"assureId,omitempty"`
	RisqueID      string     `json:"risqueId,omitempty"`
	Outcome       Outcome    `json:"outcome"`
	Reason        SkipReason `json:"reason,omitempty"`
	PreviousLevel RiskLevel  `json:"previousLevel,omitempty"`
	NewLevel      RiskLevel  `json:"newLevel,omitempty"`
}

// ProcessingResult is returned by the workflow orchestrator.
type ProcessingResult struct {
	EventID      string           `json:"eventId"`
	HistoriqueID string           `json:"historiqueId,omitempty"`
	AlertIDs     []string         `json:"alertIds"`
	RiskImpacts  []RiskImpact     `json:"riskImpacts"`
	Band         Band             `json:"band,omitempty"`
	Verdict      *AnalysisVerdict `json:"verdict,omitempty"`
	Status       ProcessingStatus `json:"status"`
	FailedStep   string           `json:"failedStep,omitempty"`
	Steps        []StepResult     `json:"steps"`
}

// Record appends a step result.
func (r *ProcessingResult) Record(step string, outcome Outcome, reason SkipReason, err error) {
	sr := StepResult{Step: step, Outcome: outcome, Reason: reason}
	if err != nil {
		sr.Error = err.Error()
	}
	r.Steps = append(r.Steps, sr)
}
