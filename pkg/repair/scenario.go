package repair

import "strings"

// Scenario tags which validation stage produced the errors artifact.
// Mirror-validation failures never route to the DLQ on exhaustion;
// schema-validation failures do.
type Scenario string

const (
	ScenarioMVL Scenario = "mvl"
	ScenarioSVL Scenario = "svl"
)

const mvlSuffix = "mvl_errors.csv"

// ScenarioForURI derives the scenario from the errors-artifact name.
func ScenarioForURI(errorsURI string) Scenario {
	if strings.HasSuffix(errorsURI, mvlSuffix) {
		return ScenarioMVL
	}
	return ScenarioSVL
}

// RoutesToDLQ reports whether an exhausted repair should park the
// source object on the DLQ.
func (s Scenario) RoutesToDLQ() bool {
	return s == ScenarioSVL
}

// ForwardsTransactionItems reports whether committed transaction items
// go to the output queue.
func (s Scenario) ForwardsTransactionItems() bool {
	return s == ScenarioSVL
}
