package gocbnet

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"
)

// N1QLRowReader providers access to the rows of a n1ql query
type N1QLRowReader struct {
	streamer   *queryStreamer
	endpoint   string
	statement  string
	statusCode int
}

// NextRow reads the next rows bytes from the stream
func (q *N1QLRowReader) NextRow() []byte {
	return q.streamer.NextRow()
}

// Err returns any errors that occurred during streaming, including errors
// the query service reported in the trailing meta-data.
func (q *N1QLRowReader) Err() error {
	err := q.streamer.Err()
	if err != nil {
		return err
	}

	meta, metaErr := q.streamer.MetaData()
	if metaErr != nil {
		return metaErr
	}

	raw, descs, err := parseN1QLError(meta)
	if err != nil || len(descs) > 0 {
		if err == nil {
			err = errors.New("query error")
		}
		return &N1QLError{
			InnerError:       err,
			Errors:           descs,
			ErrorText:        raw,
			Statement:        q.statement,
			Endpoint:         q.endpoint,
			HTTPResponseCode: q.statusCode,
		}
	}

	return nil
}

// MetaData fetches the non-row bytes streamed in the response.
func (q *N1QLRowReader) MetaData() ([]byte, error) {
	return q.streamer.MetaData()
}

// Close immediately shuts down the connection
func (q *N1QLRowReader) Close() error {
	return q.streamer.Close()
}

// Endpoint returns the address that this query was run against.
func (q *N1QLRowReader) Endpoint() string {
	return q.endpoint
}

// N1QLQueryOptions represents the various options available for a n1ql query.
type N1QLQueryOptions struct {
	Payload       []byte
	RetryStrategy RetryStrategy
	Deadline      time.Time

	// Endpoint pins the query to one query node rather than a random one.
	Endpoint string

	TraceContext RequestSpanContext
}

// N1QLQueryCallback is invoked upon completion of a N1QLQuery operation.
type N1QLQueryCallback = func(*N1QLRowReader, error)

func wrapN1QLError(req *httpRequest, statement string, err error, errBody string, statusCode int) *N1QLError {
	if err == nil {
		err = errors.New("query error")
	}

	ierr := &N1QLError{
		InnerError: err,
	}

	if req != nil {
		ierr.Endpoint = req.Endpoint
		ierr.ClientContextID = req.UniqueID
		ierr.RetryAttempts = req.RetryAttempts()
		ierr.RetryReasons = req.RetryReasons()
	}

	ierr.ErrorText = errBody
	ierr.Statement = statement
	ierr.HTTPResponseCode = statusCode

	return ierr
}

type jsonN1QLError struct {
	Code   uint32                 `json:"code"`
	Msg    string                 `json:"msg"`
	Reason map[string]interface{} `json:"reason"`
	Retry  bool                   `json:"retry"`
}

type jsonN1QLErrorResponse struct {
	Errors json.RawMessage `json:"errors"`
}

func extractN1QL12009Error(desc N1QLErrorDesc) error {
	if len(desc.Reason) > 0 {
		if code, ok := desc.Reason["code"].(float64); ok {
			switch int(code) {
			case 12033:
				return ErrCasMismatch
			case 17014:
				return ErrDocumentNotFound
			case 17012:
				return ErrDocumentExists
			}
		}

		return ErrDMLFailure
	}

	if strings.Contains(strings.ToLower(desc.Message), "cas mismatch") {
		return ErrCasMismatch
	}
	return ErrDMLFailure
}

func parseN1QLErrorResp(req *httpRequest, statement string, resp *HTTPResponse) *N1QLError {
	var errorDescs []N1QLErrorDesc
	var err error
	var raw string
	respBody, readErr := io.ReadAll(resp.Body)
	if readErr == nil {
		raw, errorDescs, err = parseN1QLError(respBody)
	}
	errOut := wrapN1QLError(req, statement, err, raw, resp.StatusCode)
	errOut.Errors = errorDescs
	errOut.Endpoint = resp.Endpoint
	return errOut
}

// parseN1QLError classifies the errors array of a query response by the code
// of its first entry.
func parseN1QLError(respBody []byte) (string, []N1QLErrorDesc, error) {
	var err error
	var errorDescs []N1QLErrorDesc

	var rawRespParse jsonN1QLErrorResponse
	parseErr := json.Unmarshal(respBody, &rawRespParse)
	if parseErr != nil {
		return "", nil, nil
	}

	var respParse []jsonN1QLError
	parseErr = json.Unmarshal(rawRespParse.Errors, &respParse)
	if parseErr == nil {
		for _, jsonErr := range respParse {
			errorDescs = append(errorDescs, N1QLErrorDesc{
				Code:    jsonErr.Code,
				Message: jsonErr.Msg,
				Reason:  jsonErr.Reason,
				Retry:   jsonErr.Retry,
			})
		}
	}

	if len(errorDescs) >= 1 {
		firstErr := errorDescs[0]
		errCode := firstErr.Code
		errCodeGroup := errCode / 1000

		switch {
		case errCode == 4040 || errCode == 4050 || errCode == 4060 || errCode == 4070 || errCode == 4080 || errCode == 4090:
			err = ErrPreparedStatementFailure
		case errCode == 1191 || errCode == 1192 || errCode == 1193 || errCode == 1194:
			err = ErrRateLimitedFailure
		case errCode == 1080:
			err = ErrUnambiguousTimeout
		case errCode == 3000:
			err = ErrParsingFailure
		case errCode == 12009:
			err = extractN1QL12009Error(firstErr)
		case errCode == 13014:
			err = ErrAuthenticationFailure
		case errCode == 1197:
			err = wrapError(ErrFeatureNotAvailable, "this server requires that a query context be used for queries")
		case errCodeGroup == 4:
			err = ErrPlanningFailure
		case errCodeGroup == 5:
			err = ErrInternalServerFailure
		case errCodeGroup == 10:
			err = ErrAuthenticationFailure
		case errCodeGroup == 12 || errCodeGroup == 14:
			err = ErrIndexFailure
		}
	}

	var rawErrors string
	if err == nil && len(rawRespParse.Errors) > 0 {
		// Only populate if this is an error that we don't recognise.
		rawErrors = string(rawRespParse.Errors)
	}

	return rawErrors, errorDescs, err
}

// n1qlRetryReason returns why a failed query may be sent again, or nil when
// it may not.
func n1qlRetryReason(descs []N1QLErrorDesc) RetryReason {
	if len(descs) == 0 {
		return nil
	}

	first := descs[0]
	switch {
	case first.Code == 4040 || first.Code == 4050 || first.Code == 4070:
		return QueryPreparedStatementFailureRetryReason
	case first.Code == 5000 && strings.Contains(first.Message, "queryport.indexNotFound"):
		return QueryIndexNotFoundRetryReason
	case first.Retry:
		return QueryErrorRetryable
	}

	return nil
}

func getMapValueString(dict map[string]interface{}, key string, def string) string {
	if dict != nil {
		if val, ok := dict[key]; ok {
			if valStr, ok := val.(string); ok {
				return valStr
			}
		}
	}

	return def
}

func getMapValueBool(dict map[string]interface{}, key string, def bool) bool {
	if dict != nil {
		if val, ok := dict[key]; ok {
			if valBool, ok := val.(bool); ok {
				return valBool
			}
		}
	}

	return def
}
