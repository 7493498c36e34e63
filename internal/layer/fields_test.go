package layer

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

type countingDescriber struct {
	calls  atomic.Int64
	fields []Field
	err    error
}

func (c *countingDescriber) DescribeFields(_ context.Context, _ Descriptor) ([]Field, error) {
	c.calls.Add(1)
	return c.fields, c.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCatalog_CachesUntilInvalidated(t *testing.T) {
	desc := &countingDescriber{fields: []Field{{Name: "parcel_no", Type: "string"}}}
	cat := NewCatalog(discardLogger(), desc)
	d := testDescriptor()

	for i := 0; i < 3; i++ {
		f, err := cat.Describe(context.Background(), d)
		if err != nil {
			t.Fatalf("Describe: %v", err)
		}
		if len(f) != 1 || f[0].Name != "parcel_no" {
			t.Fatalf("unexpected fields: %v", f)
		}
	}
	if got := desc.calls.Load(); got != 1 {
		t.Fatalf("upstream described %d times, want 1", got)
	}

	cat.Invalidate("parcels")
	if _, err := cat.Describe(context.Background(), d); err != nil {
		t.Fatalf("Describe after invalidate: %v", err)
	}
	if got := desc.calls.Load(); got != 2 {
		t.Fatalf("invalidate did not force a refetch, calls=%d", got)
	}
}

func TestCatalog_InvalidateAllDropsEverything(t *testing.T) {
	desc := &countingDescriber{fields: []Field{{Name: "a", Type: "int"}}}
	cat := NewCatalog(discardLogger(), desc)

	_, _ = cat.Describe(context.Background(), Descriptor{ID: "one", TypeName: "demo:one"})
	_, _ = cat.Describe(context.Background(), Descriptor{ID: "two", TypeName: "demo:two"})
	cat.InvalidateAll()
	_, _ = cat.Describe(context.Background(), Descriptor{ID: "one", TypeName: "demo:one"})

	if got := desc.calls.Load(); got != 3 {
		t.Fatalf("calls=%d want 3", got)
	}
}

func TestDescribeFields_ParsesSchema(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("request") != "DescribeFeatureType" {
			t.Errorf("request param=%q", r.URL.Query().Get("request"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
		  "featureTypes": [{
		    "typeName": "parcels",
		    "properties": [
		      {"name": "parcel_no", "localType": "string"},
		      {"name": "area_sqm", "localType": "number"}
		    ]
		  }]
		}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	fields, err := c.DescribeFields(context.Background(), testDescriptor())
	if err != nil {
		t.Fatalf("DescribeFields: %v", err)
	}
	if len(fields) != 2 || fields[1] != (Field{Name: "area_sqm", Type: "number"}) {
		t.Fatalf("unexpected fields: %v", fields)
	}
}
