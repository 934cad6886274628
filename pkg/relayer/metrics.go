package relayer

import (
	"context"
	"os"
	"time"

	datadog "github.com/DataDog/datadog-api-client-go/api/v2/datadog"
	"github.com/rs/zerolog/log"

	"erc20-relay/pkg/shared"
)

// Metrics posts fire-and-forget submission counts to Datadog. Enabled only
// when DD_API_KEY is set; a federation without it just runs without the
// counts.
type Metrics struct {
	ctx    context.Context
	client *datadog.APIClient
	tags   []string
}

func NewMetricsFromEnv(account string) *Metrics {
	apiKey := os.Getenv("DD_API_KEY")
	if apiKey == "" {
		return nil
	}
	ctx := context.WithValue(context.Background(), datadog.ContextAPIKeys, map[string]datadog.APIKey{
		"apiKeyAuth": {Key: apiKey},
		"appKeyAuth": {Key: os.Getenv("DD_APP_KEY")},
	})
	return &Metrics{
		ctx:    ctx,
		client: datadog.NewAPIClient(datadog.NewConfiguration()),
		tags:   []string{"account_addr:" + account},
	}
}

// SubmissionHook returns a dispatcher hook counting accepted submissions on
// the given chain, split by kind (approval, anchor).
func (m *Metrics) SubmissionHook(chain shared.Chain) func(kind string) {
	return func(kind string) {
		tags := append([]string{"chain:" + chain.String(), "kind:" + kind}, m.tags...)
		go m.post("relay.submission", 1, tags)
	}
}

func (m *Metrics) post(name string, value float64, tags []string) {
	now := time.Now().Unix()
	payload := datadog.MetricPayload{
		Series: []datadog.MetricSeries{{
			Metric: name,
			Type:   datadog.METRICINTAKETYPE_COUNT.Ptr(),
			Points: []datadog.MetricPoint{{
				Timestamp: datadog.PtrInt64(now),
				Value:     datadog.PtrFloat64(value),
			}},
			Tags: tags,
		}},
	}
	if _, _, err := m.client.MetricsApi.SubmitMetrics(m.ctx, payload); err != nil {
		log.Debug().Err(err).Msgf("failed to post %s metric", name)
	}
}
