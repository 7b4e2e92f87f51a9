package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var modelNow = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func validCandidate() *Candidate {
	return &Candidate{
		CustomerID: "C1",
		Context: []ContextEntry{
			{Type: ContextTypeProgram, ID: "product-reviews"},
			{Type: ContextTypeMarketplace, ID: "US"},
		},
		Subject: Subject{Type: "product", ID: "P1"},
		Attributes: Attributes{
			EventDate:          modelNow.Add(-48 * time.Hour),
			OrderValue:         59.99,
			ChannelEligibility: map[string]bool{"EMAIL": true},
		},
		Metadata: Metadata{
			CreatedAt: modelNow,
			UpdatedAt: modelNow,
			ExpiresAt: modelNow.Add(30 * 24 * time.Hour),
			Version:   1,
		},
		RejectionHistory: []RejectionRecord{},
	}
}

func TestKey_ComposedFromIdentityFields(t *testing.T) {
	cand := validCandidate()
	assert.Equal(t, "C1#product-reviews#US#product#P1", cand.Key())

	// Same customer and subject under a different program is a distinct
	// candidate.
	other := validCandidate()
	other.Context[0].ID = "seller-feedback"
	assert.NotEqual(t, cand.Key(), other.Key())
}

func TestContextID_AbsentType(t *testing.T) {
	cand := validCandidate()
	assert.Equal(t, "", cand.ContextID(ContextTypeVertical))
}

func TestIsExpired(t *testing.T) {
	cand := validCandidate()
	assert.False(t, cand.IsExpired(modelNow))
	assert.False(t, cand.IsExpired(cand.Metadata.ExpiresAt.Add(-time.Second)))
	assert.True(t, cand.IsExpired(cand.Metadata.ExpiresAt))
	assert.True(t, cand.IsExpired(cand.Metadata.ExpiresAt.Add(time.Hour)))

	cand.Metadata.ExpiresAt = time.Time{}
	assert.False(t, cand.IsExpired(modelNow))
}

func TestSetScore_ReplacesOnlySameModel(t *testing.T) {
	cand := validCandidate()
	cand.SetScore(Score{ModelID: "m1", Value: 0.4})
	cand.SetScore(Score{ModelID: "m2", Value: 0.9})
	cand.SetScore(Score{ModelID: "m1", Value: 0.6})

	require.Len(t, cand.Scores, 2)
	assert.Equal(t, 0.6, cand.Scores["m1"].Value)
	assert.Equal(t, 0.9, cand.Scores["m2"].Value)
	assert.Equal(t, 0.9, cand.PrimaryScore())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, validCandidate().Validate())

	missingCustomer := validCandidate()
	missingCustomer.CustomerID = ""
	assert.Error(t, missingCustomer.Validate())

	noContext := validCandidate()
	noContext.Context = nil
	assert.Error(t, noContext.Validate())

	emptySubject := validCandidate()
	emptySubject.Subject.ID = ""
	assert.Error(t, emptySubject.Validate())

	noEventDate := validCandidate()
	noEventDate.Attributes.EventDate = time.Time{}
	assert.Error(t, noEventDate.Validate())

	badExpiry := validCandidate()
	badExpiry.Metadata.ExpiresAt = badExpiry.Metadata.CreatedAt
	assert.Error(t, badExpiry.Validate())
}

func TestClone_IsDeep(t *testing.T) {
	orig := validCandidate()
	orig.SetScore(Score{ModelID: "m1", Value: 0.4})
	orig.Subject.Metadata = map[string]string{"title": "Widget"}
	deliveryDate := modelNow.Add(-24 * time.Hour)
	orig.Attributes.DeliveryDate = &deliveryDate
	orig.Metadata.ExperimentTreatment = &ExperimentTreatment{ExperimentID: "e1", TreatmentID: "T1"}

	cp := orig.Clone()
	cp.SetScore(Score{ModelID: "m1", Value: 0.99})
	cp.Attributes.ChannelEligibility["SMS"] = true
	cp.Subject.Metadata["title"] = "Gadget"
	cp.Context[0].ID = "other-program"
	*cp.Attributes.DeliveryDate = modelNow
	cp.Metadata.ExperimentTreatment.TreatmentID = "T2"
	cp.AddRejection("f1", "too old", "EVENT_TOO_OLD", modelNow)

	assert.Equal(t, 0.4, orig.Scores["m1"].Value)
	assert.False(t, orig.ChannelEligible("SMS"))
	assert.Equal(t, "Widget", orig.Subject.Metadata["title"])
	assert.Equal(t, "product-reviews", orig.ProgramID())
	assert.True(t, orig.Attributes.DeliveryDate.Equal(deliveryDate))
	assert.Equal(t, "T1", orig.Metadata.ExperimentTreatment.TreatmentID)
	assert.Empty(t, orig.RejectionHistory)
}
