package logsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/practable/logrelay/internal/logevent"
)

// TimeFormat is how timestamps appear in log_data events (always UTC)
const TimeFormat = "2006-01-02 15:04:05"

// namespaceLabel is the stream label loki attaches to pod logs
const namespaceLabel = "k8s_namespace_name"

// Loki queries the query_range endpoint of a loki server
type Loki struct {
	URL    string
	Limit  int
	Client *http.Client
}

// NewLoki returns a client for the query_range endpoint at u
func NewLoki(u string, limit int) *Loki {
	return &Loki{
		URL:    u,
		Limit:  limit,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Entry is a log line with its raw timestamp in nanoseconds
type Entry struct {
	Nanos int64
	logevent.LogEvent
}

type queryResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

// StatusError is returned when loki does not answer 200 OK
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("loki returned %d: %s", e.Code, e.Body)
}

// Query builds the LogQL stream selector for namespaces. No namespaces
// selects every namespace, the same as an empty relay filter; the older
// dashboard poller queried "default" instead.
func Query(namespaces []string) string {

	if len(namespaces) == 0 {
		return "{" + namespaceLabel + `=~".+"}`
	}

	quoted := make([]string, len(namespaces))
	for i, ns := range namespaces {
		quoted[i] = regexp.QuoteMeta(ns)
	}

	return "{" + namespaceLabel + "=~" + strconv.Quote(strings.Join(quoted, "|")) + "}"
}

// Fetch returns entries at or after start (nanoseconds since epoch), sorted
// oldest first
func (l *Loki) Fetch(ctx context.Context, namespaces []string, start int64) ([]Entry, error) {

	params := url.Values{}
	params.Set("query", Query(namespaces))
	params.Set("start", strconv.FormatInt(start, 10))
	params.Set("limit", strconv.Itoa(l.Limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := l.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var qr queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return nil, fmt.Errorf("decoding loki response: %w", err)
	}

	return entries(qr)
}

func entries(qr queryResponse) ([]Entry, error) {

	var out []Entry

	for _, stream := range qr.Data.Result {
		ns := stream.Stream[namespaceLabel]
		for _, v := range stream.Values {
			nanos, err := strconv.ParseInt(v[0], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad timestamp %q: %w", v[0], err)
			}
			out = append(out, Entry{
				Nanos: nanos,
				LogEvent: logevent.LogEvent{
					Timestamp: FormatTimestamp(nanos),
					Namespace: ns,
					Log:       v[1],
				},
			})
		}
	}

	// loki orders within a stream, not across streams
	sort.SliceStable(out, func(i, j int) bool { return out[i].Nanos < out[j].Nanos })

	return out, nil
}

// FormatTimestamp renders nanoseconds since the epoch as UTC TimeFormat
func FormatTimestamp(nanos int64) string {
	return time.Unix(0, nanos).UTC().Format(TimeFormat)
}
