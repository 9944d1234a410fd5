package screenshot

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rapportlabs/rapport/internal/cache"
	"github.com/rapportlabs/rapport/pkg/types"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestResolveSync_FetchesOnFirstSight(t *testing.T) {
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		w.Write(pngBytes(t, 500, 500))
	}))
	defer srv.Close()

	p := NewDimensionProber(cache.New(nil), time.Second)
	ctx := context.Background()

	d := p.ResolveSync(ctx, "s1", types.SceneImage, srv.URL)
	if d != (Dims{Width: 500, Height: 500}) {
		t.Fatalf("dims = %+v, want the real image size on the first request", d)
	}

	// The second resolve comes from the cache.
	d = p.ResolveSync(ctx, "s1", types.SceneImage, srv.URL)
	if d != (Dims{Width: 500, Height: 500}) {
		t.Fatalf("cached dims = %+v", d)
	}
	if n := fetches.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
}

func TestResolveSync_PlaceholderOnFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := NewDimensionProber(cache.New(nil), time.Second)
	d := p.ResolveSync(context.Background(), "s1", types.SceneImage, srv.URL)
	if d != (Dims{Width: PlaceholderWidth, Height: PlaceholderHeight}) {
		t.Errorf("dims = %+v, want the phone placeholder when the fetch fails", d)
	}
}
