package nsq

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/bitly/go-simplejson"
)

// LookupClient discovers which nsqd instances currently produce a topic.
// spec.md treats this as an external collaborator the Reader polls; the
// default implementation below (httpLookupClient) still ships so the module
// is usable standalone, grounded on davidpelaez-nsq-events's vendored
// bitly/nsq/util/lookupd/lookupd.go (GetLookupdTopicProducers).
type LookupClient interface {
	// Lookup returns the "host:tcp_port" addresses currently producing
	// topic, querying every configured lookupd and unioning the results.
	// A lookupd that fails to answer is logged and excluded, never fatal
	// (spec.md §4.4): only when none of them answer is an error returned.
	Lookup(topic string) ([]string, error)
}

// httpLookupClient is the default LookupClient, polling nsqlookupd's
// /lookup HTTP endpoint.
type httpLookupClient struct {
	addrs  []string
	client *http.Client
	logger Logger
}

// NewHTTPLookupClient returns a LookupClient polling the given nsqlookupd
// HTTP addresses (host:port, no scheme).
func NewHTTPLookupClient(addrs []string, logger Logger) LookupClient {
	if logger == nil {
		logger = nopLogger{}
	}
	return &httpLookupClient{
		addrs:  addrs,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

func (l *httpLookupClient) Lookup(topic string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	anySucceeded := false

	for _, addr := range l.addrs {
		endpoint := fmt.Sprintf("http://%s/lookup?topic=%s", addr, url.QueryEscape(topic))
		producers, err := l.queryProducers(endpoint)
		if err != nil {
			l.logger.Log(LogLevelWarn, "lookupd query failed", "endpoint", endpoint, "err", err)
			continue
		}
		anySucceeded = true
		for _, p := range producers {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}

	if !anySucceeded {
		return nil, fmt.Errorf("nsq: unable to query any lookupd in %v", l.addrs)
	}
	sort.Strings(out)
	return out, nil
}

func (l *httpLookupClient) queryProducers(endpoint string) ([]string, error) {
	resp, err := l.client.Get(endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	js, err := simplejson.NewFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode lookup response: %w", err)
	}

	producers, err := js.Get("producers").Array()
	if err != nil {
		return nil, fmt.Errorf("decode producers array: %w", err)
	}

	out := make([]string, 0, len(producers))
	for i := range producers {
		p := js.Get("producers").GetIndex(i)
		broadcast := p.Get("broadcast_address").MustString()
		tcpPort := p.Get("tcp_port").MustInt()
		out = append(out, fmt.Sprintf("%s:%d", broadcast, tcpPort))
	}
	return out, nil
}
