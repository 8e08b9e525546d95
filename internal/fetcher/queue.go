package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/meticulous-software/meticulous/internal/cache"
	"github.com/meticulous-software/meticulous/internal/dispatcher"
	"github.com/meticulous-software/meticulous/internal/protocol"
)

// Environment contract for the queue transport.
const (
	EnvRuntimeToken = "ACTIONS_RUNTIME_TOKEN"
	EnvResultsURL   = "ACTIONS_RESULTS_URL"
)

// QueueClient talks to the HTTP artifact-queue service used when no direct
// broker socket is available.
type QueueClient struct {
	http *resty.Client
}

// QueueEnv reads the queue service coordinates from the environment.
// Missing variables are a fatal configuration error.
func QueueEnv() (baseURL, token string, err error) {
	token = os.Getenv(EnvRuntimeToken)
	if token == "" {
		return "", "", errors.Errorf("%s environment variable missing", EnvRuntimeToken)
	}
	rawURL := os.Getenv(EnvResultsURL)
	if rawURL == "" {
		return "", "", errors.Errorf("%s environment variable missing", EnvResultsURL)
	}
	base, err := url.Parse(rawURL)
	if err != nil {
		return "", "", errors.Wrapf(err, "parse %s", EnvResultsURL)
	}
	return base.String(), token, nil
}

// NewQueueClientFromEnv builds a client from the environment contract.
func NewQueueClientFromEnv() (*QueueClient, error) {
	baseURL, token, err := QueueEnv()
	if err != nil {
		return nil, err
	}
	return NewQueueClient(baseURL, token), nil
}

func NewQueueClient(baseURL, token string) *QueueClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(token).
		SetTimeout(5 * time.Minute)
	return &QueueClient{http: client}
}

// download streams the blob for digest into dst, retrying recoverable
// failures with exponential backoff. 4xx responses fail fast.
func (q *QueueClient) download(ctx context.Context, digest protocol.Digest, dst *os.File) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 15 * time.Second
	bo.MaxElapsedTime = 2 * time.Minute

	op := func() error {
		if err := dst.Truncate(0); err != nil {
			return backoff.Permanent(errors.Wrap(err, "reset staging file"))
		}
		if _, err := dst.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(errors.Wrap(err, "reset staging file"))
		}

		resp, err := q.http.R().
			SetContext(ctx).
			SetDoNotParseResponse(true).
			Get(fmt.Sprintf("artifacts/sha256/%s", digest))
		if err != nil {
			return errors.Wrap(err, "artifact queue request")
		}
		body := resp.RawBody()
		defer func() { _ = body.Close() }()

		switch {
		case resp.StatusCode() == http.StatusOK:
			if _, err := io.Copy(dst, body); err != nil {
				return errors.Wrap(err, "stream artifact body")
			}
			return nil
		case resp.StatusCode() >= 400 && resp.StatusCode() < 500:
			return backoff.Permanent(errors.Errorf("artifact queue rejected %s: HTTP %d", digest.Short(), resp.StatusCode()))
		default:
			return errors.Errorf("artifact queue HTTP %d", resp.StatusCode())
		}
	}
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

// NewQueue returns a fetcher that downloads through the artifact queue
// service. The queue throttles aggressively, so the default bound is one
// fetch at a time.
func NewQueue(ctx context.Context, client *QueueClient, maxFetches int, sink chan<- dispatcher.Message, tff cache.TempFileFactory, log zerolog.Logger) *Fetcher {
	f := &Fetcher{
		ctx:  ctx,
		sem:  semaphore.NewWeighted(int64(maxFetches)),
		sink: sink,
		tff:  tff,
		log:  log,
	}
	f.transfer = client.download
	return f
}
