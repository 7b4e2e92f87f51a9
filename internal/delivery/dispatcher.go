package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"ceap-engine/internal/common/config"
	stderrors "ceap-engine/internal/common/errors"
	"ceap-engine/internal/common/logger"
	"ceap-engine/internal/common/metrics"
	"ceap-engine/internal/common/retry"
	"ceap-engine/internal/experiment"
	"ceap-engine/internal/models"
)

const defaultSendConcurrency = 8

// Context scopes one Deliver invocation to a program and channel.
type Context struct {
	Program *config.ProgramConfig
	Channel string
}

// Dispatcher pushes candidates through a channel adapter. Policy order is
// fixed: template resolution, opt-out, frequency cap, then the send
// fan-out. Every input candidate ends up in exactly one of the result's
// Delivered or Failed lists.
type Dispatcher struct {
	adapters    *AdapterRegistry
	preferences *PreferenceService
	frequency   *FrequencyTracker
	tracking    TrackingStore
	analytics   *CampaignAnalytics
	logger      logger.Logger

	concurrency int
	retryPolicy retry.Policy
	now         func() time.Time
	newID       func() string
}

func NewDispatcher(adapters *AdapterRegistry, preferences *PreferenceService, frequency *FrequencyTracker, tracking TrackingStore, analytics *CampaignAnalytics, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		adapters:    adapters,
		preferences: preferences,
		frequency:   frequency,
		tracking:    tracking,
		analytics:   analytics,
		logger:      log.WithFields(map[string]interface{}{"component": "dispatcher"}),
		concurrency: defaultSendConcurrency,
		retryPolicy: retry.Default(),
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// IsShadowMode reports whether sends for this program+channel are
// suppressed.
func (d *Dispatcher) IsShadowMode(dctx *Context) bool {
	if channelCfg := dctx.Program.Channel(dctx.Channel); channelCfg != nil {
		return channelCfg.ShadowMode
	}
	return false
}

// HealthCheck verifies the adapter for the channel is reachable.
func (d *Dispatcher) HealthCheck(ctx context.Context, channel string) error {
	adapter, err := d.adapters.Get(channel)
	if err != nil {
		return err
	}
	return adapter.HealthCheck(ctx)
}

// Deliver sends the candidates through the channel configured on the
// program. Policy exclusions and send failures land in Failed with their
// reason codes; nothing is silently dropped.
func (d *Dispatcher) Deliver(ctx context.Context, cands []*models.Candidate, dctx *Context) (*models.DeliveryResult, error) {
	start := d.now()
	shadow := d.IsShadowMode(dctx)
	result := &models.DeliveryResult{
		Delivered: []models.DeliveryRecord{},
		Failed:    []models.FailedDelivery{},
	}

	// Template resolution comes first: without one, the whole program's
	// batch fails NO_TEMPLATE. There is no cross-program fallback.
	templateID := ""
	if channelCfg := dctx.Program.Channel(dctx.Channel); channelCfg != nil {
		templateID = channelCfg.TemplateID
	}
	if templateID == "" {
		for _, cand := range cands {
			result.Failed = append(result.Failed, models.FailedDelivery{
				CandidateKey: cand.Key(),
				CustomerID:   cand.CustomerID,
				ReasonCode:   string(stderrors.ErrCodeNoTemplate),
				Reason:       "no template configured for program on channel " + dctx.Channel,
				Retryable:    false,
			})
			metrics.DeliveryOutcomes.WithLabelValues(dctx.Channel, "no_template").Inc()
		}
		d.finish(result, len(cands), shadow, start)
		return result, nil
	}

	sendable, optedOut := d.preferences.filterOptedOut(ctx, cands, dctx.Channel)
	result.Failed = append(result.Failed, optedOut...)
	for range optedOut {
		metrics.DeliveryOutcomes.WithLabelValues(dctx.Channel, "opted_out").Inc()
	}

	sendable, capped := d.filterCapped(ctx, sendable, dctx, shadow)
	result.Failed = append(result.Failed, capped...)
	for range capped {
		metrics.DeliveryOutcomes.WithLabelValues(dctx.Channel, "frequency_capped").Inc()
	}

	adapter, err := d.adapters.Get(dctx.Channel)
	if err != nil {
		for _, cand := range sendable {
			result.Failed = append(result.Failed, models.FailedDelivery{
				CandidateKey: cand.Key(),
				CustomerID:   cand.CustomerID,
				ReasonCode:   string(stderrors.ErrCodeChannelSendFailed),
				Reason:       err.Error(),
				Retryable:    false,
			})
			metrics.DeliveryOutcomes.WithLabelValues(dctx.Channel, "no_adapter").Inc()
		}
		d.finish(result, len(cands), shadow, start)
		return result, nil
	}

	type sendOutcome struct {
		record *models.DeliveryRecord
		failed *models.FailedDelivery
	}
	outcomes := make([]sendOutcome, len(sendable))
	sem := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup

	for i, cand := range sendable {
		wg.Add(1)
		go func(i int, cand *models.Candidate) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			record, failed := d.sendOne(ctx, adapter, cand, templateID, dctx, shadow)
			outcomes[i] = sendOutcome{record: record, failed: failed}
		}(i, cand)
	}
	wg.Wait()

	for _, out := range outcomes {
		if out.record != nil {
			result.Delivered = append(result.Delivered, *out.record)
			metrics.DeliveryOutcomes.WithLabelValues(dctx.Channel, "delivered").Inc()
			continue
		}
		result.Failed = append(result.Failed, *out.failed)
		metrics.DeliveryOutcomes.WithLabelValues(dctx.Channel, "send_failed").Inc()
	}

	d.finish(result, len(cands), shadow, start)
	return result, nil
}

// filterCapped excludes candidates at or over the frequency cap. The
// window count is read once per customer and every admitted candidate
// reserves one unit of the remaining budget, so a batch holding several
// candidates for the same customer cannot overshoot the cap before the
// first Record lands. Shadow sends never Record and so reserve nothing.
// Tracker failures fail closed with a retryable code.
func (d *Dispatcher) filterCapped(ctx context.Context, cands []*models.Candidate, dctx *Context, shadow bool) (sendable []*models.Candidate, failed []models.FailedDelivery) {
	var capCfg config.FrequencyCapConfig
	if channelCfg := dctx.Program.Channel(dctx.Channel); channelCfg != nil {
		capCfg = channelCfg.FrequencyCap
	}
	if capCfg.MaxSends <= 0 || d.frequency == nil {
		return cands, nil
	}

	counts := make(map[string]int)
	pending := make(map[string]int)
	for _, cand := range cands {
		n, ok := counts[cand.CustomerID]
		if !ok {
			var err error
			n, err = d.frequency.Count(ctx, cand.CustomerID, dctx.Program.ProgramID)
			if err != nil {
				d.logger.WithError(err).Warn("frequency lookup failed, excluding candidate", map[string]interface{}{
					"customerId": cand.CustomerID,
				})
				failed = append(failed, models.FailedDelivery{
					CandidateKey: cand.Key(),
					CustomerID:   cand.CustomerID,
					ReasonCode:   string(stderrors.ErrCodeStoreUnavailable),
					Reason:       "frequency lookup failed",
					Retryable:    true,
				})
				continue
			}
			counts[cand.CustomerID] = n
		}
		if n+pending[cand.CustomerID] >= capCfg.MaxSends {
			failed = append(failed, models.FailedDelivery{
				CandidateKey: cand.Key(),
				CustomerID:   cand.CustomerID,
				ReasonCode:   string(stderrors.ErrCodeFrequencyCapExceeded),
				Reason:       "frequency cap reached for program",
				Retryable:    true,
			})
			continue
		}
		if !shadow {
			pending[cand.CustomerID]++
		}
		sendable = append(sendable, cand)
	}
	return sendable, failed
}

// templateFor resolves the template for one candidate. A candidate in an
// experiment arm uses the arm's template override for the channel when it
// has one; everyone else gets the channel default.
func (d *Dispatcher) templateFor(cand *models.Candidate, dctx *Context, base string) string {
	treatment := cand.Metadata.ExperimentTreatment
	if treatment == nil {
		return base
	}
	for _, exp := range dctx.Program.Experiments {
		if exp.ExperimentID != treatment.ExperimentID {
			continue
		}
		if override := experiment.ChannelOverride(exp, treatment.TreatmentID, dctx.Channel); override != "" {
			return override
		}
	}
	return base
}

// sendOne performs one candidate's send, or simulates it in shadow mode.
// The external send retries on retryable errors; tracking and analytics
// writes after a successful send are best-effort.
func (d *Dispatcher) sendOne(ctx context.Context, adapter ChannelAdapter, cand *models.Candidate, templateID string, dctx *Context, shadow bool) (*models.DeliveryRecord, *models.FailedDelivery) {
	templateID = d.templateFor(cand, dctx, templateID)
	if !shadow {
		err := d.retryPolicy.Do(ctx, func(ctx context.Context) error {
			_, sendErr := adapter.Send(ctx, cand, templateID)
			return sendErr
		})
		if err != nil {
			d.logger.WithError(err).Error("channel send failed", map[string]interface{}{
				"channel":    dctx.Channel,
				"customerId": cand.CustomerID,
			})
			return nil, &models.FailedDelivery{
				CandidateKey: cand.Key(),
				CustomerID:   cand.CustomerID,
				ReasonCode:   string(stderrors.CodeOf(err)),
				Reason:       err.Error(),
				Retryable:    stderrors.IsRetryable(err),
			}
		}
	}

	record := models.DeliveryRecord{
		DeliveryID:   d.newID(),
		CandidateKey: cand.Key(),
		CustomerID:   cand.CustomerID,
		ProgramID:    dctx.Program.ProgramID,
		Channel:      dctx.Channel,
		TemplateID:   templateID,
		Status:       models.DeliveryStatusSent,
		Shadow:       shadow,
		SentAt:       d.now().UTC(),
	}

	if d.tracking != nil {
		if err := d.tracking.Record(ctx, record); err != nil {
			d.logger.WithError(err).Error("delivery sent but tracking write failed", map[string]interface{}{
				"deliveryId": record.DeliveryID,
			})
		}
	}
	if !shadow && d.frequency != nil {
		var window time.Duration
		if channelCfg := dctx.Program.Channel(dctx.Channel); channelCfg != nil {
			window = channelCfg.FrequencyCap.Window()
		}
		if err := d.frequency.Record(ctx, cand.CustomerID, dctx.Program.ProgramID, window); err != nil {
			d.logger.WithError(err).Warn("frequency record failed", map[string]interface{}{
				"customerId": cand.CustomerID,
			})
		}
	}
	d.analytics.IndexDelivery(ctx, record)

	return &record, nil
}

func (d *Dispatcher) finish(result *models.DeliveryResult, attempted int, shadow bool, start time.Time) {
	result.Metrics = models.DeliveryMetrics{
		Attempted:  attempted,
		Delivered:  len(result.Delivered),
		Failed:     len(result.Failed),
		ShadowMode: shadow,
		Duration:   d.now().Sub(start),
	}
}
