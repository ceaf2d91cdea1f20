package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"

	"github.com/Brownie44l1/medscan-api/internal/model"
)

// Kaggle downloads model archives from a Kaggle-compatible model hub.
type Kaggle struct {
	store    *localStore
	client   *http.Client
	baseURL  string
	username string
	key      string
}

var _ model.Fetcher = (*Kaggle)(nil)

func NewKaggle(store *localStore, opts *KaggleOptions) *Kaggle {
	if opts == nil {
		opts = DefaultOptions().Kaggle
	}
	return &Kaggle{
		store:    store,
		client:   &http.Client{Timeout: opts.Timeout},
		baseURL:  strings.TrimSuffix(opts.BaseURL, "/"),
		username: opts.Username,
		key:      opts.Key,
	}
}

// Fetch returns the local copy of h, downloading the model version on a miss.
func (k *Kaggle) Fetch(ctx context.Context, h model.Handle) (model.Artifact, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("model", h.String())

	if artifact, ok, err := k.store.Lookup(ctx, h); err != nil {
		return model.Artifact{}, err
	} else if ok {
		log.V(1).Info("artifact already exists", "path", artifact.Path)
		return artifact, nil
	}

	log.Info("downloading model", "url", k.downloadURL(h))
	body, err := k.download(ctx, h)
	if err != nil {
		return model.Artifact{}, err
	}
	tmpname, err := k.store.spool(body)
	body.Close()
	if err != nil {
		return model.Artifact{}, fmt.Errorf("save download: %w", err)
	}
	defer os.Remove(tmpname)

	archived, err := isGzip(tmpname)
	if err != nil {
		return model.Artifact{}, err
	}
	if archived {
		f, err := os.Open(tmpname)
		if err != nil {
			return model.Artifact{}, err
		}
		defer f.Close()
		if err := k.extract(ctx, h, f); err != nil {
			return model.Artifact{}, err
		}
	} else if err := k.store.place(h, tmpname); err != nil {
		return model.Artifact{}, err
	}

	artifact, err := k.store.verify(h)
	if err != nil {
		return model.Artifact{}, err
	}
	log.Info("model downloaded", "path", artifact.Path, "digest", artifact.Digest.String())
	return artifact, nil
}

// extract unpacks an archive into a scratch directory and moves only h.File
// into the cache, so a failed extraction never leaves a partial model behind.
func (k *Kaggle) extract(ctx context.Context, h model.Handle, src io.Reader) error {
	scratch, err := k.store.scratchDir()
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	if err := unTGZ(ctx, scratch, src); err != nil {
		return fmt.Errorf("extract %s: %w", h, err)
	}
	extracted := filepath.Join(scratch, h.File)
	if _, err := os.Stat(extracted); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s not in archive", ErrNotFound, h.File)
		}
		return err
	}
	return k.store.place(h, extracted)
}

func (k *Kaggle) downloadURL(h model.Handle) string {
	return k.baseURL + "/api/v1/models/" + strings.Join([]string{
		url.PathEscape(h.Owner),
		url.PathEscape(h.Family),
		url.PathEscape(k.store.framework),
		url.PathEscape(h.Version),
	}, "/") + "/download"
}

func (k *Kaggle) download(ctx context.Context, h model.Handle) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.downloadURL(h), nil)
	if err != nil {
		return nil, err
	}
	if k.username != "" || k.key != "" {
		req.SetBasicAuth(k.username, k.key)
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		bodystr, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(bodystr))}
	}
	return resp.Body, nil
}
