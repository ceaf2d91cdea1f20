package model

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/Brownie44l1/medscan-api/internal/metrics"
)

type fakeModel struct {
	id     int64
	closed atomic.Bool
}

func (m *fakeModel) Predict(context.Context, []float32) (float32, error) { return 0.5, nil }

func (m *fakeModel) Close() error {
	m.closed.Store(true)
	return nil
}

type countingLoader struct {
	calls atomic.Int64
	gate  chan struct{}
	err   error
}

func (l *countingLoader) Load(ctx context.Context, h Handle) (Model, error) {
	n := l.calls.Add(1)
	if l.gate != nil {
		<-l.gate
	}
	if l.err != nil {
		return nil, l.err
	}
	return &fakeModel{id: n}, nil
}

func newTestCache(load Loader) *Cache {
	return NewCache(load, WithMetrics(metrics.NewManager(metrics.WithPrometheusRegistry(prometheus.NewRegistry()))))
}

var tbHandle = Handle{Owner: "khalednabawi", Family: "tb-chest-prediction", Version: "v1", File: "tb_resnet.onnx"}

func TestCacheGet(t *testing.T) {
	Convey("Given an empty cache", t, func() {
		loader := &countingLoader{}
		cache := newTestCache(loader.Load)
		ctx := context.Background()

		So(cache.Loaded(tbHandle), ShouldBeFalse)
		So(cache.Len(), ShouldEqual, 0)

		Convey("When the same handle is requested repeatedly", func() {
			first, err := cache.Get(ctx, tbHandle)
			So(err, ShouldBeNil)

			for i := 0; i < 10; i++ {
				m, err := cache.Get(ctx, tbHandle)
				So(err, ShouldBeNil)
				So(m, ShouldPointTo, first)
			}

			Convey("Then the model is loaded exactly once", func() {
				So(loader.calls.Load(), ShouldEqual, 1)
				So(cache.Loaded(tbHandle), ShouldBeTrue)
				So(cache.Len(), ShouldEqual, 1)
			})
		})

		Convey("When distinct handles are requested", func() {
			other := tbHandle
			other.Version = "v2"
			a, _ := cache.Get(ctx, tbHandle)
			b, _ := cache.Get(ctx, other)

			Convey("Then each gets its own instance", func() {
				So(a, ShouldNotPointTo, b)
				So(loader.calls.Load(), ShouldEqual, 2)
			})
		})
	})
}

func TestCacheConcurrentMiss(t *testing.T) {
	Convey("Given many concurrent cold requests for one handle", t, func() {
		loader := &countingLoader{gate: make(chan struct{})}
		cache := newTestCache(loader.Load)

		const callers = 32
		results := make([]Model, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				m, err := cache.Get(context.Background(), tbHandle)
				if err == nil {
					results[i] = m
				}
			}(i)
		}

		// let every caller reach the miss path before the load completes
		time.Sleep(50 * time.Millisecond)
		close(loader.gate)
		wg.Wait()

		Convey("Then exactly one load runs and all callers share its result", func() {
			So(loader.calls.Load(), ShouldEqual, 1)
			for _, m := range results {
				So(m, ShouldNotBeNil)
				So(m, ShouldPointTo, results[0])
			}
		})
	})
}

func TestCacheLoadFailure(t *testing.T) {
	Convey("Given a loader that fails", t, func() {
		loader := &countingLoader{err: errors.New("registry unavailable")}
		cache := newTestCache(loader.Load)

		_, err := cache.Get(context.Background(), tbHandle)

		Convey("Then the error is a model load error", func() {
			So(errors.Is(err, ErrModelLoad), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "registry unavailable")
		})

		Convey("And the failure is not cached", func() {
			So(cache.Loaded(tbHandle), ShouldBeFalse)
			loader.err = nil
			m, err := cache.Get(context.Background(), tbHandle)
			So(err, ShouldBeNil)
			So(m, ShouldNotBeNil)
			So(loader.calls.Load(), ShouldEqual, 2)
		})
	})

	Convey("Given a caller whose context is already cancelled", t, func() {
		loader := &countingLoader{}
		cache := newTestCache(func(ctx context.Context, h Handle) (Model, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return loader.Load(ctx, h)
		})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		Convey("Then the load still completes for the cache", func() {
			_, err := cache.Get(ctx, tbHandle)
			So(err, ShouldBeNil)
			So(cache.Loaded(tbHandle), ShouldBeTrue)
		})
	})
}

func TestCacheClose(t *testing.T) {
	Convey("Given a cache with resident models", t, func() {
		loader := &countingLoader{}
		cache := newTestCache(loader.Load)
		m, _ := cache.Get(context.Background(), tbHandle)

		Convey("When it is closed", func() {
			So(cache.Close(), ShouldBeNil)

			Convey("Then models are released", func() {
				So(m.(*fakeModel).closed.Load(), ShouldBeTrue)
				So(cache.Loaded(tbHandle), ShouldBeFalse)
				So(cache.Len(), ShouldEqual, 0)
			})
		})
	})
}

type stubFetcher struct {
	artifact Artifact
	err      error
}

func (f stubFetcher) Fetch(context.Context, Handle) (Artifact, error) { return f.artifact, f.err }

func TestLoader(t *testing.T) {
	Convey("Given an ONNX loader", t, func() {
		Convey("When the registry fails", func() {
			load := NewLoader(stubFetcher{err: errors.New("404 not found")}, SessionOptions{CPUOnly: true})
			_, err := load(context.Background(), tbHandle)

			So(errors.Is(err, ErrModelLoad), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, tbHandle.String())
		})

		Convey("When the registry returns no file", func() {
			load := NewLoader(stubFetcher{}, SessionOptions{CPUOnly: true})
			_, err := load(context.Background(), tbHandle)

			So(errors.Is(err, ErrModelLoad), ShouldBeTrue)
		})
	})
}

func TestHandle(t *testing.T) {
	Convey("Given a model handle", t, func() {
		Convey("Then it renders owner/family/version/file", func() {
			So(tbHandle.String(), ShouldEqual, "khalednabawi/tb-chest-prediction/v1/tb_resnet.onnx")
			So(tbHandle.Validate(), ShouldBeNil)
		})

		Convey("Then incomplete handles are rejected", func() {
			h := tbHandle
			h.File = ""
			So(h.Validate(), ShouldNotBeNil)
		})

		Convey("Then path separators and dot segments are rejected", func() {
			for _, h := range []Handle{
				{Owner: "a/b", Family: "c", Version: "v1", File: "m.onnx"},
				{Owner: "a", Family: `b\c`, Version: "v1", File: "m.onnx"},
				{Owner: "a", Family: "b", Version: "..", File: "m.onnx"},
				{Owner: "a", Family: "b", Version: "v1", File: "m\x00.onnx"},
			} {
				So(h.Validate(), ShouldNotBeNil)
			}
		})

		Convey("Then handles rendering the same string have distinct keys", func() {
			a := Handle{Owner: "a/b", Family: "c", Version: "v1", File: "m.onnx"}
			b := Handle{Owner: "a", Family: "b/c", Version: "v1", File: "m.onnx"}
			So(a.String(), ShouldEqual, b.String())
			So(a.key(), ShouldNotEqual, b.key())
		})
	})
}

func TestCacheConcurrentDistinctHandles(t *testing.T) {
	Convey("Given two handles with the same rendering loading at once", t, func() {
		a := Handle{Owner: "a/b", Family: "c", Version: "v1", File: "m.onnx"}
		b := Handle{Owner: "a", Family: "b/c", Version: "v1", File: "m.onnx"}

		started := make(chan Handle, 2)
		release := make(chan struct{})
		cache := newTestCache(func(ctx context.Context, h Handle) (Model, error) {
			started <- h
			<-release
			return &fakeModel{}, nil
		})

		results := make(chan Model, 2)
		get := func(h Handle) {
			m, _ := cache.Get(context.Background(), h)
			results <- m
		}
		go get(a)
		<-started
		go get(b)

		var second bool
		select {
		case <-started:
			second = true
		case <-time.After(time.Second):
		}
		close(release)
		m1, m2 := <-results, <-results

		Convey("Then each handle runs its own load and gets its own model", func() {
			So(second, ShouldBeTrue)
			So(m1, ShouldNotBeNil)
			So(m2, ShouldNotBeNil)
			So(m1, ShouldNotPointTo, m2)
			So(cache.Loaded(a), ShouldBeTrue)
			So(cache.Loaded(b), ShouldBeTrue)
		})
	})
}
