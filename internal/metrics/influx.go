package metrics

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mdnsync/mdnsync/internal/logging"
)

// InfluxTarget describes an InfluxDB v2 write endpoint.
type InfluxTarget struct {
	URL      string
	Token    string
	Org      string
	Bucket   string
	Interval time.Duration
}

// StartInfluxPusher pushes the current snapshot to InfluxDB every interval
// until ctx is cancelled.
func StartInfluxPusher(ctx context.Context, target InfluxTarget) {
	if target.URL == "" || target.Bucket == "" || target.Interval <= 0 {
		return
	}
	logging.Get().Info().Str("url", target.URL).Dur("interval", target.Interval).Msg("starting influxdb pusher")

	ticker := time.NewTicker(target.Interval)
	defer ticker.Stop()

	client := &http.Client{Timeout: 5 * time.Second}
	writeURL := fmt.Sprintf("%s/api/v2/write?org=%s&bucket=%s&precision=s",
		strings.TrimRight(target.URL, "/"), url.QueryEscape(target.Org), url.QueryEscape(target.Bucket))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pushToInflux(ctx, client, writeURL, target.Token, time.Now())
		}
	}
}

// lineProtocol renders s as one InfluxDB line.
func lineProtocol(s StatsSnapshot, now time.Time) string {
	return fmt.Sprintf(
		"mdnsync polls=%di,poll_failures=%di,invalid_snapshots=%di,published=%di,unpublished=%di,collisions=%di,tracked=%di,advertised=%di %d",
		s.Polls, s.PollFailures, s.InvalidSnapshots, s.Published, s.Unpublished, s.Collisions, s.Tracked, s.Advertised, now.Unix(),
	)
}

func pushToInflux(ctx context.Context, client *http.Client, url, token string, now time.Time) {
	body := lineProtocol(GetSnapshot(), now)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(body)))
	if err != nil {
		logging.Get().Error().Err(err).Msg("influxdb request creation failed")
		return
	}

	req.Header.Set("Authorization", "Token "+token)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := client.Do(req)
	if err != nil {
		logging.Get().Error().Err(err).Msg("influxdb push failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		logging.Get().Warn().Int("status", resp.StatusCode).Msg("influxdb rejected metrics")
	}
}
