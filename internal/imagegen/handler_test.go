package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gaspardpetit/imagerelay/internal/metrics"
	"github.com/gaspardpetit/imagerelay/internal/upstream"
)

// stubUpstream starts an inference stub and returns a handler wired to it
// along with a counter of upstream calls.
func stubUpstream(t *testing.T, credential string, fn http.HandlerFunc, opts Options) (*Handler, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fn(w, r)
	}))
	t.Cleanup(up.Close)
	c := upstream.New(upstream.Config{Endpoint: up.URL + "/hf-inference/models/org/model", Credential: credential, Model: "org/model"})
	return New(c, opts), &calls
}

func okImage(b []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(b)
	}
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected JSON error, got content type %q", ct)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

func TestNonPostMethodsRejected(t *testing.T) {
	h, calls := stubUpstream(t, "k", okImage([]byte("img")), Options{})
	for _, m := range []string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodHead} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(m, "/api/generate-image", strings.NewReader(`{"inputs":"x"}`)))
		if rr.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s: expected 405, got %d", m, rr.Code)
		}
		if allow := rr.Header().Get("Allow"); allow != http.MethodPost {
			t.Fatalf("%s: Allow header %q", m, allow)
		}
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("upstream called %d times", n)
	}
}

func TestMissingCredential(t *testing.T) {
	h, calls := stubUpstream(t, "", okImage([]byte("img")), Options{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"inputs":"x"}`)))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if msg := decodeError(t, rr); msg != "API key not configured" {
		t.Fatalf("error %q", msg)
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("upstream called %d times", n)
	}
}

func TestInvalidInputsRejected(t *testing.T) {
	h, calls := stubUpstream(t, "k", okImage([]byte("img")), Options{})
	cases := []struct {
		name string
		body string
		want string
	}{
		{"empty body", ``, ErrMissingInputs.Error()},
		{"missing inputs", `{"parameters":{"width":512}}`, ErrMissingInputs.Error()},
		{"empty inputs", `{"inputs":""}`, ErrMissingInputs.Error()},
		{"null inputs", `{"inputs":null}`, ErrMissingInputs.Error()},
		{"numeric inputs", `{"inputs":42}`, ErrMissingInputs.Error()},
		{"not json", `inputs=a fox`, ErrInvalidBody.Error()},
		{"array", `["a fox"]`, ErrInvalidBody.Error()},
		{"truncated", `{"inputs":"a fox"`, ErrInvalidBody.Error()},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(c.body)))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
			if msg := decodeError(t, rr); msg != c.want {
				t.Fatalf("error %q; want %q", msg, c.want)
			}
		})
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("upstream called %d times", n)
	}
}

func TestBodyTooLarge(t *testing.T) {
	h, calls := stubUpstream(t, "k", okImage([]byte("img")), Options{MaxBodyBytes: 32})
	body := `{"inputs":"` + strings.Repeat("a", 64) + `"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("upstream called %d times", n)
	}
}

func TestSuccessRelaysBytes(t *testing.T) {
	img := []byte{0x00, 0x01, 0x02, 0xfe, 0xff, 'h', 'i'}
	h, calls := stubUpstream(t, "k", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(img)
	}, Options{CacheImmutable: true})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"inputs":"a red fox"}`)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("content type %q", ct)
	}
	if cc := rr.Header().Get("Cache-Control"); cc != ImmutableCacheControl {
		t.Fatalf("cache control %q", cc)
	}
	if !bytes.Equal(rr.Body.Bytes(), img) {
		t.Fatalf("body %v; want %v", rr.Body.Bytes(), img)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("upstream called %d times; want 1", n)
	}
}

func TestSuccessKeepsUpstreamImageType(t *testing.T) {
	h, _ := stubUpstream(t, "k", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PNG\r\n\x1a\n"))
	}, Options{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"inputs":"x"}`)))
	if ct := rr.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content type %q", ct)
	}
	if cc := rr.Header().Get("Cache-Control"); cc != "" {
		t.Fatalf("unexpected cache control %q", cc)
	}
}

func TestUpstreamErrorRelayedVerbatim(t *testing.T) {
	h, _ := stubUpstream(t, "k", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("model loading"))
	}, Options{CacheImmutable: true})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"inputs":"x"}`)))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if got := rr.Body.String(); got != "model loading" {
		t.Fatalf("body %q", got)
	}
	if cc := rr.Header().Get("Cache-Control"); cc != "" {
		t.Fatalf("errors must not be cached, got %q", cc)
	}
}

func TestNetworkFaultIsInternalError(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := up.URL
	up.Close()
	h := New(upstream.New(upstream.Config{Endpoint: url, Credential: "k"}), Options{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"inputs":"x"}`)))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if msg := decodeError(t, rr); msg == "" {
		t.Fatalf("empty error message")
	}
}

func TestUpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	h, _ := stubUpstream(t, "k", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, Options{Timeout: 20 * time.Millisecond})
	defer close(release)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"inputs":"x"}`)))
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rr.Code)
	}
}

func TestOutboundBodyIsInboundBody(t *testing.T) {
	var got []byte
	var auth string
	h, _ := stubUpstream(t, "hf_secret", func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte("img"))
	}, Options{})
	in := `{"inputs":"a lighthouse at dusk","parameters":{"negative_prompt":"blurry","num_inference_steps":30}}`
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(in))
	req.Header.Set("Authorization", "Bearer client-token")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if string(got) != in {
		t.Fatalf("outbound body %q; want %q", got, in)
	}
	if auth != "Bearer hf_secret" {
		t.Fatalf("outbound auth %q", auth)
	}
	var m map[string]any
	if err := json.Unmarshal(got, &m); err != nil {
		t.Fatalf("outbound body not JSON: %v", err)
	}
	for k := range m {
		if strings.EqualFold(k, "authorization") {
			t.Fatalf("credential field in outbound body")
		}
	}
}

type failingGen struct{ err error }

func (failingGen) Configured() bool { return true }
func (g failingGen) Generate(context.Context, []byte) (*upstream.Image, error) {
	return nil, g.err
}

func TestUnexpectedErrorIsJSON500(t *testing.T) {
	h := New(failingGen{err: errors.New("boom")}, Options{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"inputs":"x"}`)))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if msg := decodeError(t, rr); msg != "internal server error" {
		t.Fatalf("error %q", msg)
	}
}

// generationCount reads the generation counter for model and outcome.
func generationCount(t *testing.T, model, outcome string) float64 {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != "imagerelay_generation_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["model"] == model && labels["outcome"] == outcome {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestCanceledGenerationIs504(t *testing.T) {
	h := New(failingGen{err: fmt.Errorf("upstream request: %w", context.Canceled)}, Options{Model: "m"})
	before := generationCount(t, "m", "canceled")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"inputs":"x"}`)))
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rr.Code)
	}
	if msg := decodeError(t, rr); msg != "upstream timeout" {
		t.Fatalf("error %q", msg)
	}
	if after := generationCount(t, "m", "canceled"); after != before+1 {
		t.Fatalf("canceled outcome not counted: %v -> %v", before, after)
	}
}

func TestInboundCancelDuringUpstreamCall(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	h, _ := stubUpstream(t, "k", func(w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, Options{})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"inputs":"x"}`)).WithContext(ctx)
	go func() {
		<-started
		cancel()
	}()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rr.Code)
	}
}

func TestImageContentType(t *testing.T) {
	cases := map[string]string{
		"":                          DefaultContentType,
		"image/png":                 "image/png",
		"image/webp; q=1":           "image/webp; q=1",
		"application/json":          DefaultContentType,
		"text/plain; charset=utf-8": DefaultContentType,
		"garbage;;":                 DefaultContentType,
	}
	for in, want := range cases {
		if got := imageContentType(in); got != want {
			t.Fatalf("imageContentType(%q) = %q; want %q", in, got, want)
		}
	}
}
