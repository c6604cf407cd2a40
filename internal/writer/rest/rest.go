// Package rest implements the ivr:// writer plugin: the three-phase REST
// upload protocol of spec.md §6/§E.3 (create -> PUT -> save/fail), with
// the previous segment's server-assigned name threaded into the next
// create call, bounded retries, and HTTP status -> error-kind mapping
// per §7.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/opensight/cseg/internal/cerrs"
	"github.com/opensight/cseg/internal/logger"
	"github.com/opensight/cseg/internal/segment"
	"github.com/opensight/cseg/internal/writer"
)

// Scheme is the URL scheme this plugin handles.
const Scheme = "ivr"

// randomBackoffMaxMS mirrors RAMDOM_SLEEP_MAX_MS from the original
// cseg_ivr_writer.c (§E.4): the upper bound of the randomized retry
// backoff.
const randomBackoffMaxMS = 47

// response is the common envelope of every REST call (§6). An empty
// {} response (Name == "" on a create call) means "pause".
type response struct {
	Name string `json:"name"`
	URI  string `json:"uri"`
	Info string `json:"info,omitempty"`
}

// Plugin drives the three-phase upload protocol against a single base URL.
type Plugin struct {
	log     *logger.Logger
	client  *http.Client
	base    string
	retries int

	lastFileName string
}

// New returns a writer.Factory for this plugin. log may be nil; retries
// defaults to 2 if <= 0, matching conf.WriterConf's default.
func New(log *logger.Logger, retries int) writer.Factory {
	if retries <= 0 {
		retries = 2
	}
	return func() writer.Plugin {
		return &Plugin{log: log, retries: retries}
	}
}

// Init implements writer.Plugin.
func (p *Plugin) Init(_ context.Context, pc writer.PluginContext) error {
	u := *pc.URL
	u.Scheme = "http"
	p.base = u.String()
	p.client = &http.Client{}
	return nil
}

// WriteSegment implements writer.Plugin.
func (p *Plugin) WriteSegment(ctx context.Context, seg *segment.Segment) (bool, error) {
	res, err := p.create(ctx, seg)
	if err != nil {
		return classify(err)
	}
	if res.Name == "" {
		// empty {} means "pause" (§6).
		return true, nil
	}

	if err := p.upload(ctx, res.URI, seg); err != nil {
		p.fail(ctx, res.Name) //nolint:errcheck
		return classify(err)
	}

	if err := p.save(ctx, res.Name); err != nil {
		return classify(err)
	}

	p.lastFileName = res.Name
	if p.log != nil {
		p.log.Infof("segment %d uploaded as %s (%d bytes)", seg.Sequence, res.Name, seg.Size())
	}
	return false, nil
}

// Uninit implements writer.Plugin.
func (p *Plugin) Uninit(context.Context) {}

func (p *Plugin) create(ctx context.Context, seg *segment.Segment) (response, error) {
	form := url.Values{
		"op":           {"create"},
		"content_type": {"video/mp2t"},
		"size":         {strconv.Itoa(seg.Size())},
		"start":        {strconv.FormatFloat(seg.StartTS, 'f', -1, 64)},
		"duration":     {strconv.FormatFloat(seg.Duration, 'f', -1, 64)},
	}
	if p.lastFileName != "" {
		form.Set("last_file_name", p.lastFileName)
	}

	var res response
	err := p.postForm(ctx, form, &res)
	return res, err
}

func (p *Plugin) save(ctx context.Context, name string) error {
	form := url.Values{"op": {"save"}, "name": {name}}
	return p.postForm(ctx, form, &response{})
}

func (p *Plugin) fail(ctx context.Context, name string) error {
	form := url.Values{"op": {"fail"}, "name": {name}}
	return p.postForm(ctx, form, &response{})
}

func (p *Plugin) upload(ctx context.Context, uri string, seg *segment.Segment) error {
	body := bytes.NewReader(seg.Bytes())

	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			randomBackoff()
			body.Seek(0, io.SeekStart) //nolint:errcheck
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, uri, body)
		if err != nil {
			return fmt.Errorf("%w: %v", cerrs.ErrWriterProtocol, err)
		}
		req.Header.Set("Content-Type", "video/mp2t")

		resp, err := p.client.Do(req)
		if err != nil {
			lastErr = err
			if isRetriable(err) {
				continue
			}
			return fmt.Errorf("%w: %v", cerrs.ErrWriterIO, err)
		}

		resp.Body.Close() //nolint:errcheck
		if err := statusError(resp.StatusCode); err != nil {
			if resp.StatusCode >= 500 {
				lastErr = err
				continue
			}
			return err
		}

		return nil
	}

	return fmt.Errorf("%w: %v", cerrs.ErrWriterIO, lastErr)
}

func (p *Plugin) postForm(ctx context.Context, form url.Values, out *response) error {
	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			randomBackoff()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base,
			bytes.NewReader([]byte(form.Encode())))
		if err != nil {
			return fmt.Errorf("%w: %v", cerrs.ErrWriterProtocol, err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := p.client.Do(req)
		if err != nil {
			lastErr = err
			if isRetriable(err) {
				continue
			}
			return fmt.Errorf("%w: %v", cerrs.ErrWriterIO, err)
		}

		byts, err := io.ReadAll(resp.Body)
		resp.Body.Close() //nolint:errcheck
		if err != nil {
			lastErr = err
			continue
		}

		if err := statusError(resp.StatusCode); err != nil {
			if resp.StatusCode >= 500 {
				lastErr = err
				continue
			}
			return err
		}

		if len(byts) == 0 {
			*out = response{}
			return nil
		}

		if err := json.Unmarshal(byts, out); err != nil {
			return fmt.Errorf("%w: %v", cerrs.ErrWriterProtocol, err)
		}
		return nil
	}

	return fmt.Errorf("%w: %v", cerrs.ErrWriterIO, lastErr)
}

// statusError implements the §7 HTTP status mapping.
func statusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == 400:
		return fmt.Errorf("%w: http %d", cerrs.ErrInvalidInput, code)
	case code == 404:
		return fmt.Errorf("%w: http %d", cerrs.ErrInvalidInput, code)
	case code >= 400 && code < 500:
		return fmt.Errorf("%w: http %d", cerrs.ErrWriterRemote4xx, code)
	case code >= 500:
		return fmt.Errorf("%w: http %d", cerrs.ErrWriterRemote5xx, code)
	default:
		return fmt.Errorf("%w: http %d", cerrs.ErrWriterProtocol, code)
	}
}

// classify turns a terminal error into the (pause, err) shape
// writer.Plugin.WriteSegment returns. Remote 5xx and transient I/O
// failures are genuine errors here: the retry budget has already been
// spent inside postForm/upload.
func classify(err error) (bool, error) {
	return false, err
}

func isRetriable(err error) bool {
	// net/http wraps timeouts and connection-refused as *url.Error; both
	// are transient and worth retrying within the bounded retry budget.
	// *url.Error reports Timeout()==false for a refused connection, so a
	// non-timeout is still retried when a *net.OpError is in the chain.
	var netErr interface{ Timeout() bool }
	if !asTimeout(err, &netErr) || netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func asTimeout(err error, target *interface{ Timeout() bool }) bool {
	for err != nil {
		if t, ok := err.(interface{ Timeout() bool }); ok { //nolint:errorlint
			*target = t
			return true
		}
		u, ok := err.(interface{ Unwrap() error }) //nolint:errorlint
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func randomBackoff() {
	time.Sleep(time.Duration(1+rand.Intn(randomBackoffMaxMS)) * time.Millisecond) //nolint:gosec
}
