// Package experiment deterministically assigns customers to experiment
// treatments. Assignment is a pure function of (customerId, experimentId),
// so the same customer lands in the same arm on every run and every host.
package experiment

import (
	"hash/fnv"

	"ceap-engine/internal/common/config"
	"ceap-engine/internal/models"
)

// ControlTreatmentID marks customers outside every allocated arm.
const ControlTreatmentID = "CONTROL"

// bucket hashes the customer into 0..99.
func bucket(customerID, experimentID string) int {
	h := fnv.New32a()
	h.Write([]byte(customerID))
	h.Write([]byte{':'})
	h.Write([]byte(experimentID))
	return int(h.Sum32() % 100)
}

// Assign returns the treatment for a customer in one experiment. Buckets
// map onto treatments by cumulative allocation; the remainder is control.
func Assign(customerID string, exp config.ExperimentConfig) models.ExperimentTreatment {
	assignment := models.ExperimentTreatment{
		ExperimentID: exp.ExperimentID,
		TreatmentID:  ControlTreatmentID,
	}
	if !exp.Enabled {
		return assignment
	}

	b := bucket(customerID, exp.ExperimentID)
	cumulative := 0
	for _, treatment := range exp.Treatments {
		cumulative += treatment.AllocationPercent
		if b < cumulative {
			assignment.TreatmentID = treatment.TreatmentID
			return assignment
		}
	}
	return assignment
}

// Apply stamps the first enabled experiment's assignment onto the
// candidate. Programs run at most one experiment at a time; extra entries
// are ignored.
func Apply(cand *models.Candidate, experiments []config.ExperimentConfig) {
	for _, exp := range experiments {
		if !exp.Enabled {
			continue
		}
		assignment := Assign(cand.CustomerID, exp)
		cand.Metadata.ExperimentTreatment = &assignment
		return
	}
}

// ChannelOverride resolves the treatment's template override for a
// channel. Empty means the arm keeps the channel's default template;
// control always does.
func ChannelOverride(exp config.ExperimentConfig, treatmentID, channel string) string {
	for _, treatment := range exp.Treatments {
		if treatment.TreatmentID != treatmentID {
			continue
		}
		return treatment.ChannelOverrides[channel]
	}
	return ""
}
