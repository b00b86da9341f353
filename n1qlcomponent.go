package gocbnet

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
)

// n1qlQueryComponent sends statements to the query service over the HTTP
// component, retrying the failures the query engine marks as transient.
type n1qlQueryComponent struct {
	httpCmpt             *httpComponent
	cfgMgr               *configManagementComponent
	tracer               *tracerComponent
	defaultRetryStrategy RetryStrategy
}

type n1qlPendingOp struct {
	cancel context.CancelFunc
}

func (op *n1qlPendingOp) Cancel() {
	op.cancel()
}

func newN1QLQueryComponent(httpCmpt *httpComponent, cfgMgr *configManagementComponent, tracer *tracerComponent,
	defaultRetryStrategy RetryStrategy) *n1qlQueryComponent {
	return &n1qlQueryComponent{
		httpCmpt:             httpCmpt,
		cfgMgr:               cfgMgr,
		tracer:               tracer,
		defaultRetryStrategy: defaultRetryStrategy,
	}
}

// N1QLQuery executes a N1QL query. The callback receives the row reader once
// the response headers and early meta-data have arrived.
func (nqc *n1qlQueryComponent) N1QLQuery(opts N1QLQueryOptions, cb N1QLQueryCallback) (PendingOp, error) {
	var payloadMap map[string]interface{}
	if err := json.Unmarshal(opts.Payload, &payloadMap); err != nil {
		return nil, wrapN1QLError(nil, "", wrapError(ErrInvalidArgument, "expected a JSON payload"), "", 0)
	}

	statement := getMapValueString(payloadMap, "statement", "")
	if statement == "" && getMapValueString(payloadMap, "prepared", "") == "" {
		return nil, wrapN1QLError(nil, "", wrapError(ErrInvalidArgument, "payload has no statement"), "", 0)
	}

	clientContextID := getMapValueString(payloadMap, "client_context_id", "")
	if clientContextID == "" {
		clientContextID = uuid.NewString()
		payloadMap["client_context_id"] = clientContextID
	}
	readOnly := getMapValueBool(payloadMap, "readonly", false)

	retryStrategy := nqc.defaultRetryStrategy
	if opts.RetryStrategy != nil {
		retryStrategy = opts.RetryStrategy
	}

	tel := nqc.tracer.StartTelemetryHandler(N1qlService.String(), "query", opts.TraceContext)

	ireq := &httpRequest{
		Service:          N1qlService,
		Method:           "POST",
		Path:             "/query/service",
		Endpoint:         opts.Endpoint,
		IsIdempotent:     readOnly,
		UniqueID:         clientContextID,
		Deadline:         opts.Deadline,
		RetryStrategy:    retryStrategy,
		RootTraceContext: tel.RootContext(),
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		reader, err := nqc.execute(ctx, cancel, ireq, payloadMap, statement)
		tel.Finish()
		if err != nil {
			cancel()
			cb(nil, err)
			return
		}

		cb(reader, nil)
	}()

	return &n1qlPendingOp{cancel: cancel}, nil
}

// execute runs the request until it succeeds or fails permanently. On success
// the returned rows own cancel and release it once closed or drained.
func (nqc *n1qlQueryComponent) execute(ctx context.Context, cancel context.CancelFunc, ireq *httpRequest,
	payloadMap map[string]interface{}, statement string) (*N1QLRowReader, error) {
	start := time.Now()
	pinned := ireq.Endpoint

	for {
		// A pinned endpoint stays pinned, otherwise each attempt picks again.
		endpoint := pinned
		if endpoint == "" {
			var err error
			endpoint, err = randFromServiceEndpoints(nqc.httpCmpt.Endpoints(N1qlService))
			if err != nil {
				return nil, wrapN1QLError(ireq, statement, err, "", 0)
			}
		}

		{
			if !ireq.Deadline.IsZero() {
				payloadMap["timeout"] = time.Until(ireq.Deadline).String()
			}

			newPayload, err := json.Marshal(payloadMap)
			if err != nil {
				return nil, wrapN1QLError(ireq, statement, wrapError(err, "failed to produce payload"), "", 0)
			}
			ireq.Body = newPayload
		}

		ireq.Endpoint = endpoint

		resp, err := nqc.httpCmpt.DoInternalHTTPRequest(ctx, ireq)
		if err != nil {
			if errors.Is(err, ErrRequestCanceled) {
				return nil, err
			}
			var terr *TimeoutError
			if errors.As(err, &terr) {
				return nil, err
			}

			return nil, wrapN1QLError(ireq, statement, err, "", 0)
		}

		if resp.StatusCode != 200 {
			n1qlErr := parseN1QLErrorResp(ireq, statement, resp)
			closeQueryBody(resp.Body)

			retryReason := n1qlRetryReason(n1qlErr.Errors)
			if retryReason == nil {
				return nil, n1qlErr
			}

			shouldRetry, retryTime, pastDeadline := retryOrchRetryOrDeadline(ireq, retryReason)
			if !shouldRetry {
				if pastDeadline {
					return nil, nqc.httpCmpt.timeoutError(ireq, ireq.Endpoint, start)
				}
				return nil, n1qlErr
			}

			if err := nqc.waitForRetry(ctx, ireq, retryTime, start); err != nil {
				return nil, err
			}
			continue
		}

		body := &cancelOnCloseBody{ReadCloser: resp.Body, cancel: func() {}}
		streamer, err := newQueryStreamer(body, "results")
		if err != nil {
			return nil, wrapN1QLError(ireq, statement, err, "", resp.StatusCode)
		}

		// Errors ahead of the rows mean the statement failed before producing
		// anything, which can be retried like a non 200 response.
		if earlyErrs := streamer.EarlyMetadata("errors"); len(earlyErrs) > 0 {
			errBody, _ := json.Marshal(map[string]json.RawMessage{"errors": earlyErrs})
			raw, descs, perr := parseN1QLError(errBody)
			_ = streamer.Close()

			n1qlErr := wrapN1QLError(ireq, statement, perr, raw, resp.StatusCode)
			n1qlErr.Errors = descs
			n1qlErr.Endpoint = resp.Endpoint

			retryReason := n1qlRetryReason(descs)
			if retryReason == nil {
				return nil, n1qlErr
			}
			shouldRetry, retryTime, pastDeadline := retryOrchRetryOrDeadline(ireq, retryReason)
			if !shouldRetry {
				if pastDeadline {
					return nil, nqc.httpCmpt.timeoutError(ireq, ireq.Endpoint, start)
				}
				return nil, n1qlErr
			}
			if err := nqc.waitForRetry(ctx, ireq, retryTime, start); err != nil {
				return nil, err
			}
			continue
		}

		body.cancel = cancel

		return &N1QLRowReader{
			streamer:   streamer,
			endpoint:   resp.Endpoint,
			statement:  statement,
			statusCode: resp.StatusCode,
		}, nil
	}
}

func (nqc *n1qlQueryComponent) waitForRetry(ctx context.Context, ireq *httpRequest, retryTime time.Time, start time.Time) error {
	timer := AcquireTimer(time.Until(retryTime))
	select {
	case <-timer.C:
		ReleaseTimer(timer, true)
		return nil
	case <-ctx.Done():
		ReleaseTimer(timer, false)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nqc.httpCmpt.timeoutError(ireq, ireq.Endpoint, start)
		}
		return ErrRequestCanceled
	}
}

func closeQueryBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		logDebugf("Failed to close query response body: %v", err)
	}
}
