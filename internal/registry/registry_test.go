package registry

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/opencontainers/go-digest"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/Brownie44l1/medscan-api/internal/model"
)

var handle = model.Handle{Owner: "khalednabawi", Family: "tb-chest-prediction", Version: "v1", File: "tb_resnet.onnx"}

var modelBytes = []byte("\x08\x07\x12\x07fake onnx payload")

func tarGz(files map[string][]byte) []byte {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		_ = tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg})
		_, _ = tw.Write(content)
	}
	_ = tw.Close()
	_ = gz.Close()
	return buf.Bytes()
}

type hub struct {
	hits     atomic.Int64
	payload  []byte
	status   int
	username string
	key      string
}

func (h *hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.hits.Add(1)
	if r.URL.Path != "/api/v1/models/khalednabawi/tb-chest-prediction/onnx/v1/download" {
		http.NotFound(w, r)
		return
	}
	if h.username != "" {
		u, k, ok := r.BasicAuth()
		if !ok || u != h.username || k != h.key {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	if h.status != 0 {
		http.Error(w, "model unavailable", h.status)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(h.payload)
}

func newKaggle(t *testing.T, srv *httptest.Server, pins map[model.Handle]digest.Digest) *Kaggle {
	store := &localStore{dir: t.TempDir(), framework: "onnx", pins: pins}
	return NewKaggle(store, &KaggleOptions{BaseURL: srv.URL, Username: "user", Key: "secret"})
}

func TestKaggleFetch(t *testing.T) {
	Convey("Given a model hub serving a tar.gz archive", t, func() {
		h := &hub{payload: tarGz(map[string][]byte{"tb_resnet.onnx": modelBytes, "README.md": []byte("notes")}), username: "user", key: "secret"}
		srv := httptest.NewServer(h)
		defer srv.Close()
		k := newKaggle(t, srv, nil)

		artifact, err := k.Fetch(context.Background(), handle)

		Convey("Then the model file is extracted into the version directory", func() {
			So(err, ShouldBeNil)
			So(artifact.Path, ShouldEqual, filepath.Join(k.store.dir, "khalednabawi", "tb-chest-prediction", "onnx", "v1", "tb_resnet.onnx"))
			content, err := os.ReadFile(artifact.Path)
			So(err, ShouldBeNil)
			So(content, ShouldResemble, modelBytes)
			So(artifact.Digest, ShouldEqual, digest.FromBytes(modelBytes))
		})

		Convey("And a second fetch is served from disk", func() {
			again, err := k.Fetch(context.Background(), handle)
			So(err, ShouldBeNil)
			So(again, ShouldResemble, artifact)
			So(h.hits.Load(), ShouldEqual, 1)
		})
	})

	Convey("Given a model hub serving the raw model file", t, func() {
		srv := httptest.NewServer(&hub{payload: modelBytes})
		defer srv.Close()
		k := newKaggle(t, srv, nil)

		artifact, err := k.Fetch(context.Background(), handle)

		Convey("Then it is stored under the handle's file name", func() {
			So(err, ShouldBeNil)
			So(filepath.Base(artifact.Path), ShouldEqual, "tb_resnet.onnx")
			So(artifact.Digest, ShouldEqual, digest.FromBytes(modelBytes))
		})
	})

	Convey("Given an archive without the expected file", t, func() {
		srv := httptest.NewServer(&hub{payload: tarGz(map[string][]byte{"other.onnx": modelBytes})})
		defer srv.Close()

		_, err := newKaggle(t, srv, nil).Fetch(context.Background(), handle)

		Convey("Then the fetch reports the file missing", func() {
			So(errors.Is(err, ErrNotFound), ShouldBeTrue)
		})
	})

	Convey("Given an archive with a path escaping the cache", t, func() {
		srv := httptest.NewServer(&hub{payload: tarGz(map[string][]byte{"../../evil.onnx": modelBytes})})
		defer srv.Close()

		_, err := newKaggle(t, srv, nil).Fetch(context.Background(), handle)

		Convey("Then extraction is refused", func() {
			So(err, ShouldNotBeNil)
		})
	})

	Convey("Given a hub that does not have the model", t, func() {
		srv := httptest.NewServer(&hub{status: http.StatusNotFound})
		defer srv.Close()

		_, err := newKaggle(t, srv, nil).Fetch(context.Background(), handle)

		Convey("Then the status is surfaced", func() {
			var se StatusError
			So(errors.As(err, &se), ShouldBeTrue)
			So(se.StatusCode, ShouldEqual, http.StatusNotFound)
			So(se.Message, ShouldEqual, "model unavailable")
		})
	})

	Convey("Given wrong credentials", t, func() {
		srv := httptest.NewServer(&hub{payload: modelBytes, username: "user", key: "other"})
		defer srv.Close()

		_, err := newKaggle(t, srv, nil).Fetch(context.Background(), handle)

		Convey("Then the fetch fails as unauthorized", func() {
			var se StatusError
			So(errors.As(err, &se), ShouldBeTrue)
			So(se.StatusCode, ShouldEqual, http.StatusUnauthorized)
		})
	})

	Convey("Given a pinned digest that does not match", t, func() {
		srv := httptest.NewServer(&hub{payload: modelBytes})
		defer srv.Close()
		pins := map[model.Handle]digest.Digest{handle: digest.FromString("something else")}

		_, err := newKaggle(t, srv, pins).Fetch(context.Background(), handle)

		Convey("Then the artifact is rejected", func() {
			So(errors.Is(err, ErrDigestMismatch), ShouldBeTrue)
		})
	})

	Convey("Given a pinned digest that matches", t, func() {
		srv := httptest.NewServer(&hub{payload: modelBytes})
		defer srv.Close()
		pins := map[model.Handle]digest.Digest{handle: digest.FromBytes(modelBytes)}

		artifact, err := newKaggle(t, srv, pins).Fetch(context.Background(), handle)

		So(err, ShouldBeNil)
		So(artifact.Digest, ShouldEqual, pins[handle])
	})
}

func TestS3Fetch(t *testing.T) {
	Convey("Given an S3-compatible endpoint holding the model", t, func() {
		var hits atomic.Int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			if r.Method != http.MethodGet || r.URL.Path != "/models/mirror/khalednabawi/tb-chest-prediction/v1/tb_resnet.onnx" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(modelBytes)
		}))
		defer srv.Close()

		opts := DefaultOptions()
		opts.Kind = KindS3
		opts.CacheDir = t.TempDir()
		opts.S3 = &S3Options{Bucket: "models", Region: "us-east-1", Endpoint: srv.URL, AccessKey: "test", SecretKey: "test", Prefix: "mirror"}

		fetcher, err := New(context.Background(), opts)
		So(err, ShouldBeNil)

		artifact, err := fetcher.Fetch(context.Background(), handle)

		Convey("Then the object is stored in the local cache", func() {
			So(err, ShouldBeNil)
			content, err := os.ReadFile(artifact.Path)
			So(err, ShouldBeNil)
			So(content, ShouldResemble, modelBytes)
		})

		Convey("And later fetches do not hit the bucket", func() {
			_, err := fetcher.Fetch(context.Background(), handle)
			So(err, ShouldBeNil)
			So(hits.Load(), ShouldEqual, 1)
		})
	})
}

func TestNew(t *testing.T) {
	Convey("Given registry options", t, func() {
		opts := DefaultOptions()
		opts.CacheDir = t.TempDir()

		Convey("When the kind is kaggle", func() {
			f, err := New(context.Background(), opts)
			So(err, ShouldBeNil)
			So(f, ShouldHaveSameTypeAs, &Kaggle{})
		})

		Convey("When the kind is s3 without a bucket", func() {
			opts.Kind = KindS3
			_, err := New(context.Background(), opts)
			So(err, ShouldNotBeNil)
		})

		Convey("When the kind is unknown", func() {
			opts.Kind = "ftp"
			_, err := New(context.Background(), opts)
			So(errors.Is(err, ErrUnknownKind), ShouldBeTrue)
		})
	})
}

func TestCached(t *testing.T) {
	Convey("Given an empty local cache", t, func() {
		srv := httptest.NewServer(&hub{payload: modelBytes})
		defer srv.Close()
		opts := DefaultOptions()
		opts.CacheDir = t.TempDir()
		opts.Kaggle.BaseURL = srv.URL
		ctx := context.Background()

		_, ok, err := Cached(ctx, opts, handle)
		So(err, ShouldBeNil)
		So(ok, ShouldBeFalse)

		Convey("When the model is fetched", func() {
			f, err := New(ctx, opts)
			So(err, ShouldBeNil)
			fetched, err := f.Fetch(ctx, handle)
			So(err, ShouldBeNil)

			Convey("Then the cache reports it without a download", func() {
				artifact, ok, err := Cached(ctx, opts, handle)
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)
				So(artifact, ShouldResemble, fetched)
			})
		})
	})
}

func TestKaggleFetchInterrupted(t *testing.T) {
	Convey("Given a hub serving a truncated tar.gz", t, func() {
		large := make([]byte, 512<<10)
		rand.New(rand.NewSource(1)).Read(large)
		full := tarGz(map[string][]byte{"tb_resnet.onnx": large})
		h := &hub{payload: full[:len(full)*3/5]}
		srv := httptest.NewServer(h)
		defer srv.Close()
		k := newKaggle(t, srv, nil)
		final := k.store.path(handle)

		_, err := k.Fetch(context.Background(), handle)

		Convey("Then the fetch fails without leaving a partial model", func() {
			So(err, ShouldNotBeNil)
			_, statErr := os.Stat(final)
			So(os.IsNotExist(statErr), ShouldBeTrue)
		})

		Convey("And the next fetch downloads again", func() {
			_, err := k.Fetch(context.Background(), handle)
			So(err, ShouldNotBeNil)
			So(h.hits.Load(), ShouldEqual, 2)

			h.payload = full
			artifact, err := k.Fetch(context.Background(), handle)
			So(err, ShouldBeNil)
			So(h.hits.Load(), ShouldEqual, 3)
			So(artifact.Digest, ShouldEqual, digest.FromBytes(large))
		})

		Convey("And no scratch files are left behind", func() {
			entries, err := os.ReadDir(filepath.Join(k.store.dir, ".tmp"))
			So(err, ShouldBeNil)
			So(entries, ShouldBeEmpty)
		})
	})
}
