package browser

import (
	"bytes"
	"context"
	"fmt"
	"net/http/cookiejar"
	"net/url"
	"time"

	"harvest-core/lib/restyutil"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/codes"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

// an http error status on a page fetch. retryable by default, steps
// that consider some statuses unrecoverable declare this as fatal and
// match on it.
type StatusError struct {
	StatusCode int
	Url        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d on %s", e.StatusCode, e.Url)
}

type Options struct {
	BaseUrl   string
	UserAgent string
	// defaults to 30 seconds
	Timeout time.Duration
}

// Session is a cookie-holding page driver over plain http. it is the
// built-in alternative to an external browser process: one worker
// drives one session at a time, so methods are not safe for
// concurrent use on the same session.
type Session struct {
	BaseUrl *url.URL
	Http    *resty.Client

	current    *goquery.Document
	currentUrl string
}

func NewSession(opts Options) (*Session, error) {
	baseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, err
	}

	client := resty.New()
	client.SetBaseURL(opts.BaseUrl)
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client.SetCookieJar(jar)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	client.SetHeader("user-agent", userAgent)
	client.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(baseUrl.Hostname()))

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = time.Second * 30
	}
	client.SetTimeout(timeout)

	restyutil.InstrumentClient(client, tracer, restyInstrumentOutput)

	return &Session{
		BaseUrl: baseUrl,
		Http:    client,
	}, nil
}

// fetches a page and makes it the session's current document.
func (s *Session) Get(ctx context.Context, path string) (*goquery.Document, error) {
	ctx, span := tracer.Start(ctx, "session:Get")
	defer span.End()

	res, err := s.Http.R().
		SetContext(ctx).
		Get(path)
	if err != nil {
		span.SetStatus(codes.Error, "failed to fetch")
		return nil, err
	}
	return s.consume(res)
}

// submits a form and makes the resulting page the session's current
// document.
func (s *Session) PostForm(ctx context.Context, path string, values url.Values) (*goquery.Document, error) {
	ctx, span := tracer.Start(ctx, "session:PostForm")
	defer span.End()

	formData := map[string]string{}
	for k := range values {
		formData[k] = values.Get(k)
	}

	res, err := s.Http.R().
		SetContext(ctx).
		SetFormData(formData).
		Post(path)
	if err != nil {
		span.SetStatus(codes.Error, "failed to submit form")
		return nil, err
	}
	return s.consume(res)
}

func (s *Session) consume(res *resty.Response) (*goquery.Document, error) {
	requestUrl := res.Request.URL
	if res.StatusCode() >= 400 {
		return nil, &StatusError{StatusCode: res.StatusCode(), Url: requestUrl}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		return nil, fmt.Errorf("parse html from %s: %w", requestUrl, err)
	}

	s.current = doc
	s.currentUrl = requestUrl
	return doc, nil
}

// the most recently fetched document, nil before the first fetch.
func (s *Session) Current() *goquery.Document {
	return s.current
}

func (s *Session) CurrentUrl() string {
	return s.currentUrl
}

// drops all session state (cookies and the current document). used
// when a worker recycles its driver.
func (s *Session) Reset() error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return err
	}
	s.Http.SetCookieJar(jar)
	s.current = nil
	s.currentUrl = ""
	return nil
}
