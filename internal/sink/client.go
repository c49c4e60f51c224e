// Package sink implements the Measurement Sink: a fire-and-forget HTTP
// push of InfluxDB line-protocol records to an external time-series
// database. Each write is a POST to /write?db=<name>, with optional HTTP
// basic auth, no retry, and no backlog — a failed write is logged and
// the record is gone.
package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sme-gmbh/openffucontrol-particleserver/internal/infrastructure/config"
	"github.com/sme-gmbh/openffucontrol-particleserver/internal/infrastructure/logging"
	"github.com/sme-gmbh/openffucontrol-particleserver/internal/instrument"
)

const writeTimeout = 5 * time.Second

// Client posts line-protocol records to a single configured InfluxDB-style
// HTTP endpoint. Every post runs on its own goroutine; Client never blocks
// a caller on network I/O, and never retries a failed post.
//
// Thread safety: all methods are safe for concurrent use.
type Client struct {
	httpClient  *http.Client
	writeURL    string
	username    string
	password    string
	measurement string
	hasAuth     bool
	log         *logging.Logger
}

// New builds a Client from the [influxDB] section of config.Config.
func New(cfg config.InfluxDBConfig, log *logging.Logger) *Client {
	q := url.Values{}
	q.Set("db", cfg.MeasurementName)

	return &Client{
		httpClient: &http.Client{Timeout: writeTimeout},
		writeURL:   fmt.Sprintf("http://%s:%d/write?%s", cfg.Hostname, cfg.Port, q.Encode()),
		username:   cfg.Username,
		password:   cfg.Password,
		// hasAuth tracks whether *either* field was configured, so an
		// empty password with a configured username still sends basic
		// auth.
		hasAuth:     cfg.Username != "" || cfg.Password != "",
		measurement: cfg.MeasurementName,
		log:         log,
	}
}

// OnActualData implements instrument.Sink. It posts one line-protocol
// record per channel of the instrument's live data.
func (c *Client) OnActualData(id int, room string, data instrument.ActualData) {
	lines := make([]string, 0, len(data.Channels))
	for _, ch := range data.Channels {
		lines = append(lines, formatLine(c.measurement, id, ch.Channel, room, ch.Count, data.Timestamp))
	}
	c.postAsync(lines)
}

// OnArchiveData implements instrument.Sink. It posts one record per
// channel whose status is not OFF.
func (c *Client) OnArchiveData(id int, room string, archive instrument.ArchiveDataset) {
	lines := make([]string, 0, len(archive.Channels))
	for _, ch := range archive.Channels {
		if ch.Status == instrument.ChannelOff {
			continue
		}
		lines = append(lines, formatLine(c.measurement, id, ch.Channel, room, ch.Count, archive.Timestamp))
	}
	c.postAsync(lines)
}

// postAsync fires the HTTP POST on its own goroutine. Errors are logged
// and otherwise discarded: no retry, no backlog.
func (c *Client) postAsync(lines []string) {
	if len(lines) == 0 {
		return
	}
	go c.post(lines)
}

func (c *Client) post(lines []string) {
	body := joinLines(lines)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.writeURL, bytes.NewBufferString(body))
	if err != nil {
		c.logError(fmt.Errorf("%w: building request: %w", ErrWriteFailed, err))
		return
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if c.hasAuth {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logError(fmt.Errorf("%w: %w", ErrWriteFailed, err))
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		c.logError(fmt.Errorf("%w: HTTP %d", ErrWriteFailed, resp.StatusCode))
	}
}

func (c *Client) logError(err error) {
	if c.log == nil {
		return
	}
	c.log.Error("sink write failed", "error", err)
}

func joinLines(lines []string) string {
	total := 0
	for _, l := range lines {
		total += len(l) + 1
	}
	buf := make([]byte, 0, total)
	for i, l := range lines {
		if i > 0 {
			buf = append(buf, '\n')
		}
		buf = append(buf, l...)
	}
	return string(buf)
}
