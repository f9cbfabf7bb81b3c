package nsq

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
)

func TestHTTPLookupClient_UnionsProducersAcrossLookupds(t *testing.T) {
	srv1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"producers":[{"broadcast_address":"10.0.0.1","tcp_port":4150}]}`)
	}))
	defer srv1.Close()

	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"producers":[{"broadcast_address":"10.0.0.2","tcp_port":4150}]}`)
	}))
	defer srv2.Close()

	addrs := []string{strings.TrimPrefix(srv1.URL, "http://"), strings.TrimPrefix(srv2.URL, "http://")}
	client := NewHTTPLookupClient(addrs, nopLogger{})

	producers, err := client.Lookup("my-topic")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	sort.Strings(producers)
	want := []string{"10.0.0.1:4150", "10.0.0.2:4150"}
	if len(producers) != len(want) || producers[0] != want[0] || producers[1] != want[1] {
		t.Fatalf("producers = %v, want %v", producers, want)
	}
}

func TestHTTPLookupClient_OneDeadLookupdIsNotFatal(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"producers":[{"broadcast_address":"10.0.0.1","tcp_port":4150}]}`)
	}))
	defer ok.Close()

	client := NewHTTPLookupClient([]string{
		"127.0.0.1:1", // nothing listens here
		strings.TrimPrefix(ok.URL, "http://"),
	}, nopLogger{})

	producers, err := client.Lookup("my-topic")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(producers) != 1 || producers[0] != "10.0.0.1:4150" {
		t.Fatalf("producers = %v, want [10.0.0.1:4150]", producers)
	}
}

func TestHTTPLookupClient_AllDeadIsAnError(t *testing.T) {
	client := NewHTTPLookupClient([]string{"127.0.0.1:1", "127.0.0.1:2"}, nopLogger{})
	if _, err := client.Lookup("my-topic"); err == nil {
		t.Fatal("expected an error when every lookupd is unreachable")
	}
}
