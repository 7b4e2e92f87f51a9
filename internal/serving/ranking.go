// Package serving answers customer-facing candidate queries: which
// engagement opportunities to show a customer on a channel, in what order.
package serving

import (
	"sort"
	"time"

	"ceap-engine/internal/models"
)

// DefaultChannelWeights bias ranking per channel. Email favors raw
// propensity; in-app surfaces favor fresher events.
var DefaultChannelWeights = map[string]RankWeights{
	"EMAIL":  {Score: 1.0, Recency: 0.1},
	"SMS":    {Score: 1.0, Recency: 0.2},
	"PUSH":   {Score: 0.8, Recency: 0.4},
	"IN_APP": {Score: 0.6, Recency: 0.6},
}

var defaultWeights = RankWeights{Score: 1.0, Recency: 0.1}

// RankWeights blend model score and event recency into a rank value.
type RankWeights struct {
	Score   float64
	Recency float64
}

const recencyHorizon = 30 * 24 * time.Hour

// Ranker orders candidates for a channel. Ranking is a pure function of
// the candidate set, the channel, and the reference time.
type Ranker struct {
	weights map[string]RankWeights
}

func NewRanker() *Ranker {
	return &Ranker{weights: DefaultChannelWeights}
}

// rankValue computes the blended rank for one candidate. Recency decays
// linearly to zero at the horizon.
func (r *Ranker) rankValue(cand *models.Candidate, channel string, now time.Time) float64 {
	w, ok := r.weights[channel]
	if !ok {
		w = defaultWeights
	}

	age := now.Sub(cand.Attributes.EventDate)
	recency := 1 - float64(age)/float64(recencyHorizon)
	if recency < 0 {
		recency = 0
	}
	if recency > 1 {
		recency = 1
	}
	return w.Score*cand.PrimaryScore() + w.Recency*recency
}

// Rank sorts candidates in place for the channel. Ties break on score,
// then event date, then identity key, so equal inputs always produce the
// same ordering.
func (r *Ranker) Rank(cands []*models.Candidate, channel string, now time.Time) {
	sort.SliceStable(cands, func(i, j int) bool {
		ri, rj := r.rankValue(cands[i], channel, now), r.rankValue(cands[j], channel, now)
		if ri != rj {
			return ri > rj
		}
		si, sj := cands[i].PrimaryScore(), cands[j].PrimaryScore()
		if si != sj {
			return si > sj
		}
		di, dj := cands[i].Attributes.EventDate, cands[j].Attributes.EventDate
		if !di.Equal(dj) {
			return di.After(dj)
		}
		return cands[i].Key() < cands[j].Key()
	})
}
