package gocbnet

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// httpRequest describes a request to one of the HTTP services of the cluster.
type httpRequest struct {
	Service     ServiceType
	Method      string
	Endpoint    string
	Path        string
	Body        []byte
	Headers     map[string]string
	ContentType string
	UniqueID    string
	Deadline    time.Time

	IsIdempotent     bool
	RetryStrategy    RetryStrategy
	RootTraceContext RequestSpanContext

	retryCount           uint32
	retryLock            sync.Mutex
	retryReasons         []RetryReason
	cancelRetryTimerFunc func() bool
}

// HTTPResponse encapsulates the response from an HTTP request.
type HTTPResponse struct {
	Endpoint   string
	StatusCode int
	Body       io.ReadCloser
}

func (hr *httpRequest) RetryAttempts() uint32 {
	return atomic.LoadUint32(&hr.retryCount)
}

func (hr *httpRequest) incrementRetryAttempts() {
	atomic.AddUint32(&hr.retryCount, 1)
}

func (hr *httpRequest) Identifier() string {
	return hr.UniqueID
}

func (hr *httpRequest) Idempotent() bool {
	return hr.IsIdempotent
}

func (hr *httpRequest) RetryReasons() []RetryReason {
	hr.retryLock.Lock()
	defer hr.retryLock.Unlock()
	return hr.retryReasons
}

func (hr *httpRequest) addRetryReason(retryReason RetryReason) {
	hr.retryLock.Lock()
	defer hr.retryLock.Unlock()
	for _, reason := range hr.retryReasons {
		if reason == retryReason {
			return
		}
	}
	hr.retryReasons = append(hr.retryReasons, retryReason)
}

func (hr *httpRequest) setCancelRetry(cancelFunc func() bool) {
	hr.retryLock.Lock()
	hr.cancelRetryTimerFunc = cancelFunc
	hr.retryLock.Unlock()
}

func (hr *httpRequest) retryStrategy() RetryStrategy {
	return hr.RetryStrategy
}

func (hr *httpRequest) retryDeadline() time.Time {
	return hr.Deadline
}

type httpComponentProps struct {
	UserAgent           string
	Auth                AuthProvider
	TLSConfig           *tls.Config
	ConnectTimeout      time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleTimeout         time.Duration
	SeedMgmtEndpoints   []string
}

// httpComponent performs requests against the cluster manager and query
// services, picking endpoints from the current config.
type httpComponent struct {
	cli       *http.Client
	auth      AuthProvider
	userAgent string
	cfgMgr    *configManagementComponent
	tracer    *tracerComponent

	seedMgmtEps []string
}

func newHTTPComponent(props httpComponentProps, cfgMgr *configManagementComponent, tracer *tracerComponent) *httpComponent {
	hc := &httpComponent{
		auth:        props.Auth,
		userAgent:   props.UserAgent,
		cfgMgr:      cfgMgr,
		tracer:      tracer,
		seedMgmtEps: props.SeedMgmtEndpoints,
	}

	hc.cli = createHTTPClient(props)

	return hc
}

func (hc *httpComponent) Close() {
	if tsport, ok := hc.cli.Transport.(*http.Transport); ok {
		tsport.CloseIdleConnections()
	} else {
		logDebugf("Could not close idle connections for transport")
	}
}

// Endpoints returns the known endpoints for service. Before the first config
// the management endpoints from the connection string are used.
func (hc *httpComponent) Endpoints(service ServiceType) []string {
	cfg := hc.cfgMgr.CurrentConfig()

	var eps []routeEndpoint
	switch service {
	case MgmtService:
		eps = cfg.mgmtEpList
		if len(eps) == 0 {
			return hc.seedMgmtEps
		}
	case N1qlService:
		eps = cfg.n1qlEpList
	}

	addrs := make([]string, 0, len(eps))
	for _, ep := range eps {
		addrs = append(addrs, ep.Address)
	}
	return addrs
}

func (hc *httpComponent) DoInternalHTTPRequest(ctx context.Context, req *httpRequest) (*HTTPResponse, error) {
	if req.Service == MemdService {
		return nil, wrapError(ErrInvalidArgument, "memd is not an http service")
	}
	if req.UniqueID == "" {
		req.UniqueID = uuid.NewString()
	}

	var ctxCancel context.CancelFunc
	if req.Deadline.IsZero() {
		ctx, ctxCancel = context.WithCancel(ctx)
	} else {
		ctx, ctxCancel = context.WithDeadline(ctx, req.Deadline)
	}
	// The body outlives this call on success, the caller closes it.
	querySuccess := false
	defer func() {
		if !querySuccess {
			ctxCancel()
		}
	}()

	endpoint := req.Endpoint
	if endpoint == "" {
		var err error
		endpoint, err = randFromServiceEndpoints(hc.Endpoints(req.Service))
		if err != nil {
			return nil, err
		}
	}

	start := time.Now()
	for {
		hreq, err := hc.buildRequest(ctx, req, endpoint)
		if err != nil {
			return nil, err
		}

		dSpan := hc.tracer.StartHTTPDispatchSpan(req.RootTraceContext, spanNameDispatchToServer)
		logSchedf("Writing HTTP request to %s ID=%s", hreq.URL.String(), req.UniqueID)
		// we can't close the body of this response as it's long lived beyond the function
		hresp, err := hc.cli.Do(hreq) // nolint: bodyclose
		hc.tracer.StopHTTPDispatchSpan(dSpan, hreq, req.UniqueID, req.RetryAttempts())
		if err == nil {
			logSchedf("Received HTTP Response for ID=%s, status=%d", req.UniqueID, hresp.StatusCode)
			querySuccess = true
			body := hresp.Body
			return &HTTPResponse{
				Endpoint:   endpoint,
				StatusCode: hresp.StatusCode,
				Body:       &cancelOnCloseBody{ReadCloser: body, cancel: ctxCancel},
			}, nil
		}

		logSchedf("Received HTTP Response for ID=%s, errored", req.UniqueID)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, hc.timeoutError(req, endpoint, start)
		}
		if errors.Is(err, context.Canceled) {
			return nil, ErrRequestCanceled
		}

		var retryReason RetryReason
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			retryReason = SocketCloseInFlightRetryReason
		} else {
			var opErr *net.OpError
			if errors.As(err, &opErr) && opErr.Op == "dial" {
				retryReason = SocketNotAvailableRetryReason
			}
		}
		if retryReason == nil {
			return nil, err
		}

		shouldRetry, retryTime, pastDeadline := retryOrchRetryOrDeadline(req, retryReason)
		if !shouldRetry {
			if pastDeadline {
				return nil, hc.timeoutError(req, endpoint, start)
			}
			return nil, err
		}

		timer := AcquireTimer(time.Until(retryTime))
		select {
		case <-timer.C:
			ReleaseTimer(timer, true)
		case <-ctx.Done():
			ReleaseTimer(timer, false)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, hc.timeoutError(req, endpoint, start)
			}
			return nil, ErrRequestCanceled
		}
	}
}

func (hc *httpComponent) buildRequest(ctx context.Context, req *httpRequest, endpoint string) (*http.Request, error) {
	hreq, err := http.NewRequestWithContext(ctx, req.Method, endpoint+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}

	if hc.auth == nil {
		return nil, ErrCliInternalError
	}
	creds, err := getSingleAuthCreds(hc.auth, AuthCredsRequest{
		Service:  req.Service,
		Endpoint: endpoint,
	})
	if err != nil {
		return nil, err
	}
	if creds.Username != "" || creds.Password != "" {
		hreq.SetBasicAuth(creds.Username, creds.Password)
	}

	if req.ContentType != "" {
		hreq.Header.Set("Content-Type", req.ContentType)
	} else {
		hreq.Header.Set("Content-Type", "application/json")
	}
	for key, val := range req.Headers {
		hreq.Header.Set(key, val)
	}
	hreq.Header.Set("User-Agent", clientInfoString(req.UniqueID, hc.userAgent))

	return hreq, nil
}

func (hc *httpComponent) timeoutError(req *httpRequest, endpoint string, start time.Time) error {
	inner := ErrAmbiguousTimeout
	if req.IsIdempotent {
		inner = ErrUnambiguousTimeout
	}

	return &TimeoutError{
		InnerError:       inner,
		OperationID:      "http",
		Opaque:           req.Identifier(),
		TimeObserved:     time.Since(start),
		RetryReasons:     req.RetryReasons(),
		RetryAttempts:    req.RetryAttempts(),
		LastDispatchedTo: endpoint,
	}
}

// cancelOnCloseBody releases the request context once the caller is done
// with the body.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func createHTTPClient(props httpComponentProps) *http.Client {
	connectTimeout := props.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}

	httpDialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}

	httpTransport := &http.Transport{
		ForceAttemptHTTP2:   true,
		DialContext:         httpDialer.DialContext,
		TLSClientConfig:     props.TLSConfig,
		MaxIdleConns:        props.MaxIdleConns,
		MaxIdleConnsPerHost: props.MaxIdleConnsPerHost,
		IdleConnTimeout:     props.IdleTimeout,
	}

	return &http.Client{
		Transport: httpTransport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// All that we're doing here is setting auth on any redirects.
			// For that reason we can just pull it off the oldest (first) request.
			if len(via) >= 10 {
				// Just duplicate the default behaviour for maximum redirects.
				return errors.New("stopped after 10 redirects")
			}

			oldest := via[0]
			auth := oldest.Header.Get("Authorization")
			if auth != "" {
				req.Header.Set("Authorization", auth)
			}

			return nil
		},
	}
}

/* #nosec G404 */
func randFromServiceEndpoints(endpoints []string) (string, error) {
	if len(endpoints) == 0 {
		return "", ErrServiceNotAvailable
	}

	return endpoints[rand.Intn(len(endpoints))], nil
}
