package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"ceap-engine/internal/common/logger"
	"ceap-engine/internal/models"
)

// DefaultAnalyticsIndex holds delivery documents for campaign analytics.
const DefaultAnalyticsIndex = "deliveries"

// CampaignAnalytics mirrors delivery records into Elasticsearch so
// campaign dashboards can slice them without touching the tracking
// database. Indexing is best-effort; a failed index write never fails the
// delivery it describes.
type CampaignAnalytics struct {
	client *elasticsearch.Client
	index  string
	logger logger.Logger
}

func NewCampaignAnalytics(client *elasticsearch.Client, index string, log logger.Logger) *CampaignAnalytics {
	if index == "" {
		index = DefaultAnalyticsIndex
	}
	return &CampaignAnalytics{
		client: client,
		index:  index,
		logger: log.WithFields(map[string]interface{}{"component": "campaign-analytics"}),
	}
}

// IndexDelivery writes one delivery document, keyed by delivery ID so
// replays overwrite instead of duplicating.
func (a *CampaignAnalytics) IndexDelivery(ctx context.Context, rec models.DeliveryRecord) {
	if a == nil || a.client == nil {
		return
	}

	body, err := json.Marshal(rec)
	if err != nil {
		a.logger.WithError(err).Warn("marshal delivery document failed", nil)
		return
	}

	req := esapi.IndexRequest{
		Index:      a.index,
		DocumentID: rec.DeliveryID,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, a.client)
	if err != nil {
		a.logger.WithError(err).Warn("index delivery document failed", map[string]interface{}{
			"deliveryId": rec.DeliveryID,
		})
		return
	}
	defer res.Body.Close()
	if res.IsError() {
		a.logger.Warn("index delivery document rejected", map[string]interface{}{
			"deliveryId": rec.DeliveryID,
			"status":     res.Status(),
		})
	}
}

// CampaignMetrics aggregates sent/opened counts for a program+channel from
// the analytics index. Shadow deliveries are excluded.
func (a *CampaignAnalytics) CampaignMetrics(ctx context.Context, programID, channel string) (models.CampaignMetrics, error) {
	m := models.CampaignMetrics{ProgramID: programID, Channel: channel}
	if a == nil || a.client == nil {
		return m, fmt.Errorf("analytics client not configured")
	}

	queryBody := map[string]interface{}{
		"size": 0,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []interface{}{
					map[string]interface{}{"term": map[string]interface{}{"programId": programID}},
					map[string]interface{}{"term": map[string]interface{}{"channel": channel}},
					map[string]interface{}{"term": map[string]interface{}{"shadow": false}},
				},
			},
		},
		"aggs": map[string]interface{}{
			"opened": map[string]interface{}{
				"filter": map[string]interface{}{
					"term": map[string]interface{}{"status": models.DeliveryStatusOpened},
				},
			},
		},
	}
	body, _ := json.Marshal(queryBody)

	res, err := a.client.Search(
		a.client.Search.WithContext(ctx),
		a.client.Search.WithIndex(a.index),
		a.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return m, fmt.Errorf("campaign metrics search: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return m, fmt.Errorf("campaign metrics search: %s", res.Status())
	}

	var parsed struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
		} `json:"hits"`
		Aggregations struct {
			Opened struct {
				DocCount int64 `json:"doc_count"`
			} `json:"opened"`
		} `json:"aggregations"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return m, fmt.Errorf("decode campaign metrics: %w", err)
	}

	m.Sent = parsed.Hits.Total.Value
	m.Opened = parsed.Aggregations.Opened.DocCount
	if m.Sent > 0 {
		m.OpenRate = float64(m.Opened) / float64(m.Sent)
	}
	return m, nil
}
