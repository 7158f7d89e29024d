package serv

import (
	"net/http/httptest"
	"testing"

	"github.com/qbloq/cordal/core"
)

func TestAllowEndpointBucket(t *testing.T) {
	l := newEndpointLimiters(RateLimiter{})
	spec := &core.RateLimitSpec{Enabled: true, Requests: 3, WindowSeconds: 60}

	for i := 0; i < 3; i++ {
		if !l.allowEndpoint("trades", spec) {
			t.Fatalf("request %d rejected inside the bucket", i+1)
		}
	}
	if l.allowEndpoint("trades", spec) {
		t.Error("request above the bucket should be rejected")
	}

	// a different endpoint has its own bucket
	if !l.allowEndpoint("orders", spec) {
		t.Error("separate endpoint shares exhausted bucket")
	}
}

func TestAllowEndpointNoSpec(t *testing.T) {
	l := newEndpointLimiters(RateLimiter{})

	if !l.allowEndpoint("open", nil) {
		t.Error("endpoint without a limit spec must always pass")
	}
	if !l.allowEndpoint("off", &core.RateLimitSpec{Enabled: false, Requests: 1}) {
		t.Error("disabled limit spec must always pass")
	}
}

func TestAllowEndpointSpecChangeRebuildsBucket(t *testing.T) {
	l := newEndpointLimiters(RateLimiter{})

	tight := &core.RateLimitSpec{Enabled: true, Requests: 1, WindowSeconds: 60}
	if !l.allowEndpoint("trades", tight) {
		t.Fatal("first request rejected")
	}
	if l.allowEndpoint("trades", tight) {
		t.Fatal("bucket of one should be exhausted")
	}

	// a reload raised the limit; the limiter is rebuilt
	wide := &core.RateLimitSpec{Enabled: true, Requests: 10, WindowSeconds: 60}
	if !l.allowEndpoint("trades", wide) {
		t.Error("raised limit should admit the request")
	}
}

func TestAllowClientPerIP(t *testing.T) {
	l := newEndpointLimiters(RateLimiter{Rate: 1, Bucket: 1})

	r1 := httptest.NewRequest("GET", "/api/trades", nil)
	r1.RemoteAddr = "10.0.0.1:1234"
	r2 := httptest.NewRequest("GET", "/api/trades", nil)
	r2.RemoteAddr = "10.0.0.2:1234"

	if !l.allowClient(r1, "") {
		t.Fatal("first request from client rejected")
	}
	if l.allowClient(r1, "") {
		t.Error("second request from same client should exceed the bucket")
	}
	if !l.allowClient(r2, "") {
		t.Error("distinct client shares exhausted bucket")
	}
}

func TestAllowClientIPHeader(t *testing.T) {
	l := newEndpointLimiters(RateLimiter{Rate: 1, Bucket: 1})

	r := httptest.NewRequest("GET", "/api/trades", nil)
	r.RemoteAddr = "127.0.0.1:9999"
	r.Header.Set("X-Forwarded-For", "203.0.113.4")

	if !l.allowClient(r, "X-Forwarded-For") {
		t.Fatal("first request rejected")
	}
	if l.allowClient(r, "X-Forwarded-For") {
		t.Error("same forwarded client should exceed the bucket")
	}

	// different forwarded address, same socket
	r.Header.Set("X-Forwarded-For", "203.0.113.5")
	if !l.allowClient(r, "X-Forwarded-For") {
		t.Error("distinct forwarded client shares exhausted bucket")
	}
}

func TestAllowClientDisabled(t *testing.T) {
	l := newEndpointLimiters(RateLimiter{})

	r := httptest.NewRequest("GET", "/api/trades", nil)
	for i := 0; i < 50; i++ {
		if !l.allowClient(r, "") {
			t.Fatal("disabled global limiter must always pass")
		}
	}
}
